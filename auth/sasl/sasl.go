// Package sasl builds a receiver.SASLServerFactory from a small table of
// credential checkers, one sasl.Server implementation per mechanism. PLAIN
// is backed directly by github.com/emersion/go-sasl; LOGIN is a local
// server implementation copy-pasted from an older go-sasl release (the
// current release dropped its server side, same gap the teacher codebase
// hit in internal/auth/sasllogin); CRAM-MD5 and ANONYMOUS have no go-sasl
// server side at all and are hand-rolled the same way.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	gosasl "github.com/emersion/go-sasl"

	"github.com/yonasBSD/vsmtpd/receiver"
)

// Mechanism names as advertised in the EHLO AUTH extension line.
const (
	Plain     = "PLAIN"
	Login     = "LOGIN"
	CRAMMD5   = "CRAM-MD5"
	Anonymous = "ANONYMOUS"
)

// MustBeUnderTLS reports whether mech must only be advertised/accepted
// after STARTTLS, per the resolved Open Question: PLAIN and LOGIN
// transmit the secret in the clear, CRAM-MD5 never sends it and ANONYMOUS
// carries no secret to protect.
func MustBeUnderTLS(mech string) bool {
	switch mech {
	case Plain, Login:
		return true
	default:
		return false
	}
}

// PlainChecker verifies a PLAIN/LOGIN username+password pair. identity is
// the authorization identity requested by the client; an empty identity
// means "authenticate as username itself".
type PlainChecker func(identity, username, password string) error

// CRAMMD5Checker returns the shared secret on file for username so the
// server can verify the client's keyed-hash response without the secret
// ever crossing the wire. A missing account should return ok=false.
type CRAMMD5Checker func(username string) (secret string, ok bool, err error)

// AnonymousChecker is handed the trace information (often an email
// address or free text) an ANONYMOUS client supplies in place of
// credentials. It exists to allow logging/rejecting, not to authenticate.
type AnonymousChecker func(trace string) error

// Table configures which mechanisms a Receiver will accept. A nil checker
// disables the corresponding mechanism.
type Table struct {
	Plain     PlainChecker
	CRAMMD5   CRAMMD5Checker
	Anonymous AnonymousChecker

	// OnAuthenticated is invoked once a mechanism's exchange finishes
	// successfully, identity being the authorization identity to record
	// for the session (see envelope.Context's auth state).
	OnAuthenticated func(mechanism, identity string)
}

// Mechanisms lists the mechanism names this table can serve, in
// advertisement order.
func (t *Table) Mechanisms() []string {
	var mechs []string
	if t.Plain != nil {
		mechs = append(mechs, Plain, Login)
	}
	if t.CRAMMD5 != nil {
		mechs = append(mechs, CRAMMD5)
	}
	if t.Anonymous != nil {
		mechs = append(mechs, Anonymous)
	}
	return mechs
}

// Factory adapts Table into a receiver.SASLServerFactory.
func (t *Table) Factory() receiver.SASLServerFactory {
	return func(mechanism string) (gosasl.Server, error) {
		switch mechanism {
		case Plain:
			if t.Plain == nil {
				return nil, fmt.Errorf("sasl: mechanism %s not enabled", mechanism)
			}
			return gosasl.NewPlainServer(func(identity, username, password string) error {
				err := t.Plain(identity, username, password)
				if err == nil {
					reported := identity
					if reported == "" {
						reported = username
					}
					t.notify(Plain, reported)
				}
				return err
			}), nil

		case Login:
			if t.Plain == nil {
				return nil, fmt.Errorf("sasl: mechanism %s not enabled", mechanism)
			}
			return newLoginServer(func(username, password string) error {
				err := t.Plain("", username, password)
				if err == nil {
					t.notify(Login, username)
				}
				return err
			}), nil

		case CRAMMD5:
			if t.CRAMMD5 == nil {
				return nil, fmt.Errorf("sasl: mechanism %s not enabled", mechanism)
			}
			return newCRAMMD5Server(t.CRAMMD5, func(username string) { t.notify(CRAMMD5, username) }), nil

		case Anonymous:
			if t.Anonymous == nil {
				return nil, fmt.Errorf("sasl: mechanism %s not enabled", mechanism)
			}
			return newAnonymousServer(func(trace string) error {
				err := t.Anonymous(trace)
				if err == nil {
					t.notify(Anonymous, trace)
				}
				return err
			}), nil

		default:
			return nil, fmt.Errorf("sasl: unsupported mechanism %s", mechanism)
		}
	}
}

func (t *Table) notify(mechanism, identity string) {
	if t.OnAuthenticated != nil {
		t.OnAuthenticated(mechanism, identity)
	}
}

// loginServer implements the obsolete LOGIN mechanism, which go-sasl's
// current release only provides a client for.
type loginAuthenticator func(username, password string) error

type loginState int

const (
	loginNotStarted loginState = iota
	loginWaitingUsername
	loginWaitingPassword
)

type loginServer struct {
	state              loginState
	username, password string
	authenticate       loginAuthenticator
}

func newLoginServer(authenticate loginAuthenticator) gosasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case loginNotStarted:
		if response == nil {
			challenge = []byte("Username:")
			break
		}
		a.state++
		fallthrough
	case loginWaitingUsername:
		a.username = string(response)
		challenge = []byte("Password:")
	case loginWaitingPassword:
		a.password = string(response)
		err = a.authenticate(a.username, a.password)
		done = true
	default:
		err = gosasl.ErrUnexpectedClientResponse
	}
	a.state++
	return
}

// cramMD5Server implements RFC 2195: the server issues a challenge
// containing a unique string, the client replies with its username and
// an MD5-HMAC of the challenge keyed by the shared secret.
type cramMD5Server struct {
	issued    bool
	challenge string
	check     CRAMMD5Checker
	onSuccess func(username string)
}

func newCRAMMD5Server(check CRAMMD5Checker, onSuccess func(string)) gosasl.Server {
	return &cramMD5Server{check: check, onSuccess: onSuccess}
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if !s.issued {
		s.challenge = cramMD5Challenge()
		s.issued = true
		return []byte(s.challenge), false, nil
	}

	username, digest, ok := splitCRAMResponse(response)
	if !ok {
		return nil, true, gosasl.ErrUnexpectedClientResponse
	}

	secret, found, err := s.check(username)
	if err != nil {
		return nil, true, err
	}
	if !found {
		return nil, true, fmt.Errorf("sasl: unknown user")
	}

	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(s.challenge))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(digest)) {
		return nil, true, fmt.Errorf("sasl: CRAM-MD5 verification failed")
	}

	s.onSuccess(username)
	return nil, true, nil
}

func splitCRAMResponse(response []byte) (username, digest string, ok bool) {
	s := string(response)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func cramMD5Challenge() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), os.Getpid(), host)
}

// anonymousServer implements RFC 4505: a single round trip that accepts
// arbitrary trace information in place of credentials.
type anonymousServer struct {
	issued bool
	check  func(trace string) error
}

func newAnonymousServer(check func(trace string) error) gosasl.Server {
	return &anonymousServer{check: check}
}

func (s *anonymousServer) Next(response []byte) (challenge []byte, done bool, err error) {
	if !s.issued {
		s.issued = true
		if response == nil {
			return []byte("trace information:"), false, nil
		}
	}
	return nil, true, s.check(string(response))
}
