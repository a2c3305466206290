// Package receiver implements the SMTP receiver state machine (C6): it
// orchestrates the wire reader/writer, the command parser, and the
// envelope/context model, drives the STARTTLS and SASL handshakes, and
// dispatches each command to a Handler (C7) which returns verdict replies.
package receiver

import (
	"crypto/tls"
	"time"
)

// ConnectionKind records how the connection was accepted.
type ConnectionKind int

const (
	// Relay is a plaintext listener on which STARTTLS is allowed.
	Relay ConnectionKind = iota
	// Submission is a plaintext submission listener; STARTTLS allowed.
	Submission
	// Tunneled connections are already wrapped in TLS before the SMTP
	// banner is sent (the "SMTPS" / implicit-TLS listener).
	Tunneled
)

// Outcome is the out-of-band signal a Handler callback may request via
// Context, beyond the Reply it returns.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeDeny
	OutcomeUpgradeTLS
	OutcomeAuthenticate
)

// Context lets a Handler callback signal an out-of-band outcome: close the
// connection, begin a TLS upgrade, or begin a SASL exchange. It is reset
// before every callback invocation.
type Context struct {
	outcome Outcome

	tlsConfig  *tls.Config
	tlsTimeout time.Duration

	mechanism       string
	initialResponse []byte
}

// Outcome reports what the last callback requested.
func (c *Context) Outcome() Outcome { return c.outcome }

// Deny marks the connection for shutdown once the current reply has been
// flushed.
func (c *Context) Deny() { c.outcome = OutcomeDeny }

// UpgradeTLS requests a STARTTLS handshake using cfg, bounded by timeout.
func (c *Context) UpgradeTLS(cfg *tls.Config, timeout time.Duration) {
	c.outcome = OutcomeUpgradeTLS
	c.tlsConfig = cfg
	c.tlsTimeout = timeout
}

// TLSConfig and TLSTimeout return the parameters passed to UpgradeTLS.
func (c *Context) TLSConfig() *tls.Config    { return c.tlsConfig }
func (c *Context) TLSTimeout() time.Duration { return c.tlsTimeout }

// Authenticate begins a SASL exchange for mechanism, optionally carrying
// the client's initial response.
func (c *Context) Authenticate(mechanism string, initialResponse []byte) {
	c.outcome = OutcomeAuthenticate
	c.mechanism = mechanism
	c.initialResponse = initialResponse
}

// Mechanism and InitialResponse return the parameters passed to Authenticate.
func (c *Context) Mechanism() string        { return c.mechanism }
func (c *Context) InitialResponse() []byte { return c.initialResponse }

func (c *Context) reset() { *c = Context{} }
