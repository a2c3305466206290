// Package server implements the acceptor (C14): binding the configured
// listener sets, admission control via a global connection counter, and
// spawning one receiver task per accepted connection.
package server

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yonasBSD/vsmtpd/metrics"
	"github.com/yonasBSD/vsmtpd/receiver"
)

// ListenerSpec names one socket to bind and the ConnectionKind its accepted
// connections should be treated as.
type ListenerSpec struct {
	Network string // "tcp", "tcp4", "tcp6", "unix"
	Address string
	Kind    receiver.ConnectionKind
	// TLSConfig is required when Kind is Tunneled (implicit TLS); optional
	// otherwise.
	TLSConfig *tls.Config
}

// HandlerFactory builds a fresh Handler for one accepted connection. The
// server calls it once per connection so handler state never crosses
// connections.
type HandlerFactory func() receiver.Handler

// Config configures the acceptor.
type Config struct {
	Listeners []ListenerSpec
	// ClientCountMax caps concurrent connections across every listener; a
	// negative value disables the limit.
	ClientCountMax int
	Options        receiver.Options
	NewHandler     HandlerFactory
}

// Server binds Config's listeners and accepts connections until Shutdown
// is called.
type Server struct {
	cfg       Config
	listeners []net.Listener
	clients   atomic.Int64
	closing   chan struct{}
}

// New constructs a Server. Call Serve to bind and start accepting.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, closing: make(chan struct{})}
}

// Serve binds every configured listener and accepts connections until
// Shutdown is called or a listener's Accept fails permanently. It does not
// return until every listener goroutine has exited.
func (s *Server) Serve() error {
	for _, spec := range s.cfg.Listeners {
		ln, err := net.Listen(spec.Network, spec.Address)
		if err != nil {
			s.Shutdown()
			return err
		}
		s.listeners = append(s.listeners, ln)
	}

	errs := make(chan error, len(s.listeners))
	for i, ln := range s.listeners {
		go s.acceptLoop(ln, s.cfg.Listeners[i], errs)
	}

	var firstErr error
	for range s.listeners {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown closes every bound listener, causing Serve's accept loops to
// return. In-flight connections are left to finish on their own.
func (s *Server) Shutdown() {
	select {
	case <-s.closing:
		return
	default:
		close(s.closing)
	}
	for _, ln := range s.listeners {
		ln.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener, spec ListenerSpec, errs chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				errs <- nil
			default:
				errs <- err
			}
			return
		}
		go s.handleConn(conn, spec)
	}
}

// handleConn implements §4.13's admission check and per-connection task
// spawn: the global counter is incremented before OnAccept runs and
// decremented unconditionally on exit.
func (s *Server) handleConn(conn net.Conn, spec ListenerSpec) {
	if s.cfg.ClientCountMax >= 0 && s.clients.Load() >= int64(s.cfg.ClientCountMax) {
		conn.Write([]byte("554 Cannot process connection, closing\r\n"))
		conn.Close()
		return
	}

	s.clients.Add(1)
	defer s.clients.Add(-1)
	label := kindLabel(spec.Kind)
	metrics.ConnectionsCurrent.WithLabelValues(label).Inc()
	defer metrics.ConnectionsCurrent.WithLabelValues(label).Dec()

	info := receiver.AcceptInfo{
		ClientAddr: conn.RemoteAddr(),
		ServerAddr: conn.LocalAddr(),
		Timestamp:  time.Now(),
		UUID:       uuid.New(),
		Kind:       spec.Kind,
	}

	if spec.Kind == receiver.Tunneled {
		tc := tls.Server(conn, spec.TLSConfig)
		if err := tc.Handshake(); err != nil {
			tc.Close()
			return
		}
		state := tc.ConnectionState()
		info.TLSState = &state
		conn = tc
	}

	h := s.cfg.NewHandler()
	r := receiver.New(conn, h, s.cfg.Options)
	// Serve's error is connection-scoped: the socket is already closed by
	// the time it returns, so there is nothing left to do with it here.
	// A caller that wants per-connection logging supplies a Handler that
	// records its own outcome.
	_ = r.Serve(info)
}

func kindLabel(k receiver.ConnectionKind) string {
	switch k {
	case receiver.Submission:
		return "submission"
	case receiver.Tunneled:
		return "tunneled"
	default:
		return "relay"
	}
}
