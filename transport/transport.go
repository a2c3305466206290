// Package transport defines the delivery abstraction (C13) consumed by the
// delivery and deferred processors: AbstractTransport and the SenderOutcome
// classifier used to decide a message's next queue.
package transport

import (
	"context"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/transfer"
)

// Config is the per-transport configuration passed to Deliver. Concrete
// transports type-assert or embed the fields they need.
type Config interface{}

// AbstractTransport delivers one message to a set of recipients and
// reports a per-recipient transfer.Status back.
type AbstractTransport interface {
	Name() string
	Deliver(ctx context.Context, cfg Config, from *envelope.Address, recipients []envelope.Address, body []byte) ([]RecipientResult, error)
}

// RecipientResult pairs a recipient with the Status the transport observed
// for it.
type RecipientResult struct {
	Recipient envelope.Address
	Status    transfer.Status
}

// SenderOutcome classifies the merged per-recipient results of one delivery
// attempt, per §4.11.
type SenderOutcome int

const (
	// RemoveFromDisk: every recipient Sent, nothing left to retain.
	RemoveFromDisk SenderOutcome = iota
	// MoveToDead: every recipient reached a terminal state (Sent or
	// Failed) but at least one Failed, so the message is kept for audit.
	MoveToDead
	// MoveToDeferred: at least one recipient is HeldBack and below the
	// configured held-back maximum.
	MoveToDeferred
)

// ClassifyOutcome implements the §4.11 SenderOutcome decision table.
func ClassifyOutcome(statuses []transfer.Status, heldBackMax int) SenderOutcome {
	allSent := true
	anyHeldBackRetryable := false

	for _, s := range statuses {
		if s.Kind != transfer.Sent {
			allSent = false
		}
		if s.Kind == transfer.HeldBack && len(s.Errors) < heldBackMax {
			anyHeldBackRetryable = true
		}
	}
	if allSent {
		return RemoveFromDisk
	}
	if anyHeldBackRetryable {
		return MoveToDeferred
	}
	return MoveToDead
}

// Registry looks up an AbstractTransport by the name a policy stage
// assigned to a recipient, so delivery can resume the same instance across
// a process restart.
type Registry struct {
	byName map[string]AbstractTransport
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]AbstractTransport)}
}

func (r *Registry) Register(t AbstractTransport) {
	r.byName[t.Name()] = t
}

func (r *Registry) Lookup(name string) (AbstractTransport, bool) {
	t, ok := r.byName[name]
	return t, ok
}
