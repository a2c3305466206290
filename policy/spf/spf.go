// Package spf implements a session.Policy that runs a Sender Policy
// Framework check at the MAIL FROM stage, grounded on the teacher's
// check/spf module but trimmed to a single blitiri.com.ar/go/spf call and
// a FailAction-style verdict table (no DMARC-alignment deferral, which is
// a separate, unmodeled check in this module).
package spf

import (
	"net"

	"blitiri.com.ar/go/spf"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/session"
	"github.com/yonasBSD/vsmtpd/wire"
)

// Action names what a Check should do when a given SPF result is seen.
type Action int

const (
	// ActionNone records the result (via envelope.Context.SetSpf) and lets
	// the transaction continue.
	ActionNone Action = iota
	// ActionQuarantine returns a Quarantine("spf") verdict. The session
	// handler does not act on a Quarantine verdict at MAIL FROM: the
	// transaction continues, and the verdict is not carried forward, so
	// the message is not quarantined.
	ActionQuarantine
	// ActionReject returns a Deny verdict carrying a 550 reply (451 for
	// TempErr); the session sends it and closes the connection.
	ActionReject
)

// Check runs blitiri.com.ar/go/spf against the connection's client IP,
// HELO name, and MAIL FROM address, at StageMailFromPolicy.
type Check struct {
	Fail     Action
	SoftFail Action
	PermErr  Action
	TempErr  Action
}

// New returns a Check using the teacher's default action table: Fail and
// SoftFail quarantine, PermErr and TempErr reject.
func New() *Check {
	return &Check{
		Fail:     ActionQuarantine,
		SoftFail: ActionQuarantine,
		PermErr:  ActionReject,
		TempErr:  ActionReject,
	}
}

func (c *Check) Evaluate(stage session.Stage, ctx *session.PolicyContext) session.Verdict {
	if stage != session.StageMailFromPolicy {
		return session.Next()
	}

	tcpAddr, ok := ctx.Envelope.ClientAddr().(*net.TCPAddr)
	if !ok {
		return session.Next()
	}
	clientName, err := ctx.Envelope.ClientName()
	if err != nil {
		return session.Next()
	}
	reversePath, err := ctx.Envelope.ReversePath()
	if err != nil {
		return session.Next()
	}

	sender := ""
	if reversePath != nil {
		sender = reversePath.Full()
	}

	res, _ := spf.CheckHostWithSender(tcpAddr.IP, clientName.String(), sender)
	_ = ctx.Envelope.SetSpf(envelope.SpfResult{Result: resultName(res)})

	switch res {
	case spf.Fail:
		return c.apply(c.Fail, 550, "5.7.23 SPF authentication failed")
	case spf.SoftFail:
		return c.apply(c.SoftFail, 550, "5.7.23 SPF authentication soft-failed")
	case spf.PermError:
		return c.apply(c.PermErr, 550, "5.7.23 SPF authentication failed with permanent error")
	case spf.TempError:
		return c.apply(c.TempErr, 451, "4.7.23 SPF authentication failed with temporary error")
	default:
		return session.Next()
	}
}

func (c *Check) apply(action Action, code int, message string) session.Verdict {
	switch action {
	case ActionReject:
		return session.Deny(wire.NewReply(code, message))
	case ActionQuarantine:
		return session.Quarantine("spf")
	default:
		return session.Next()
	}
}

func resultName(res spf.Result) string {
	switch res {
	case spf.Pass:
		return "pass"
	case spf.Fail:
		return "fail"
	case spf.SoftFail:
		return "softfail"
	case spf.Neutral:
		return "neutral"
	case spf.TempError:
		return "temperror"
	case spf.PermError:
		return "permerror"
	default:
		return "none"
	}
}
