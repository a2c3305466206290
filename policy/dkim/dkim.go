// Package dkim implements a session.Policy that verifies DKIM signatures
// at the PreQ stage, grounded on the teacher's check/dkim module but
// trimmed to github.com/emersion/go-msgauth/dkim's Verify entry point
// directly on the raw message bytes (no textproto.Header round trip,
// since PolicyContext already carries the undecoded message).
package dkim

import (
	"bytes"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/session"
	"github.com/yonasBSD/vsmtpd/wire"
)

// Action names what Verify should do for a given signature outcome.
type Action int

const (
	ActionNone Action = iota
	ActionReject
	ActionQuarantine
)

// Verify checks every DKIM-Signature header present in a message at
// StagePreQ.
type Verify struct {
	// NoSignature is applied when the message carries no DKIM signature at
	// all.
	NoSignature Action
	// BrokenSignature is applied when at least one present signature fails
	// verification.
	BrokenSignature Action
}

// New returns a Verify using the teacher's permissive defaults: a missing
// or broken signature is recorded but does not block delivery.
func New() *Verify {
	return &Verify{NoSignature: ActionNone, BrokenSignature: ActionNone}
}

func (v *Verify) Evaluate(stage session.Stage, ctx *session.PolicyContext) session.Verdict {
	if stage != session.StagePreQ {
		return session.Next()
	}

	verifications, err := dkim.Verify(bytes.NewReader(ctx.Body))
	if err != nil || len(verifications) == 0 {
		_ = ctx.Envelope.SetDkim(envelope.DkimResult{Verified: false})
		return v.apply(v.NoSignature)
	}

	allOK := true
	var domain, selector string
	for _, ver := range verifications {
		domain, selector = ver.Domain, ver.Selector
		if ver.Err != nil {
			allOK = false
		}
	}

	_ = ctx.Envelope.SetDkim(envelope.DkimResult{Verified: allOK, Domain: domain, Selector: selector})
	if !allOK {
		return v.apply(v.BrokenSignature)
	}
	return v.apply(ActionNone)
}

func (v *Verify) apply(action Action) session.Verdict {
	switch action {
	case ActionReject:
		return session.Deny(wire.NewReply(550, "5.7.20 DKIM verification failed"))
	case ActionQuarantine:
		return session.Quarantine("dkim")
	default:
		return session.Next()
	}
}
