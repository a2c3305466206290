// Package pipeline implements the post-reception processing stages: the
// working processor (C10, PostQ policy + routing to deliver/quarantine/
// dead), the delivery processor (C11), and the deferred sweep (C12).
package pipeline

import (
	"context"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/queue"
	"github.com/yonasBSD/vsmtpd/scheduler"
	"github.com/yonasBSD/vsmtpd/session"
)

// Delegator hands a message off to an external processor named by conn and
// is invoked whenever a PreQ/PostQ policy returns VerdictDelegated.
type Delegator interface {
	Submit(conn string, ctx *envelope.Context, body []byte) error
}

// Intake implements session.Sink: it is the glue between the receiver's
// PreQ disposition (§4.7) and durable storage. It never runs policy itself;
// it only acts on the Verdict the Handler already produced.
type Intake struct {
	Queue     *queue.Manager
	Scheduler *scheduler.Scheduler
	Delegator Delegator
}

var _ session.Sink = (*Intake)(nil)

func (in *Intake) Submit(ctx *envelope.Context, body []byte, v session.Verdict) error {
	switch v.Kind {
	case session.VerdictQuarantine:
		return in.toQuarantine(ctx, body, v.Name)
	case session.VerdictDelegated:
		return in.toDelegated(ctx, body, v.Delegate)
	case session.VerdictDeny:
		return in.toDead(ctx, body)
	case session.VerdictNext, session.VerdictAccept:
		return in.toWorking(ctx, body)
	default:
		// Faccept, Reject, and DelegationResult resumptions skip the
		// working pass and go straight to delivery.
		return in.toDeliver(ctx, body)
	}
}

func (in *Intake) persist(q queue.Name, ctx *envelope.Context, body []byte, delegated bool) error {
	sc, err := queue.ToSerializedContext(ctx, delegated)
	if err != nil {
		return err
	}
	if err := in.Queue.WriteMsg(sc.MessageUUID, body); err != nil {
		return err
	}
	return in.Queue.WriteCtx(q, sc)
}

func (in *Intake) toQuarantine(ctx *envelope.Context, body []byte, name string) error {
	q := queue.Quarantine(name)
	if err := in.Queue.EnsureQuarantine(name); err != nil {
		return err
	}
	return in.persist(q, ctx, body, false)
}

func (in *Intake) toDelegated(ctx *envelope.Context, body []byte, conn string) error {
	ctx.SetSkipped(session.DelegationResult())
	if err := in.persist(queue.Delegated, ctx, body, true); err != nil {
		return err
	}
	return in.Delegator.Submit(conn, ctx, body)
}

func (in *Intake) toDead(ctx *envelope.Context, body []byte) error {
	return in.persist(queue.Dead, ctx, body, false)
}

func (in *Intake) toWorking(ctx *envelope.Context, body []byte) error {
	if err := in.persist(queue.Working, ctx, body, false); err != nil {
		return err
	}
	uid, err := ctx.MessageUUID()
	if err != nil {
		return err
	}
	return in.Scheduler.Emitter().SendWorking(context.Background(), scheduler.ProcessMessage{MessageUUID: uid})
}

func (in *Intake) toDeliver(ctx *envelope.Context, body []byte) error {
	if err := in.persist(queue.Deliver, ctx, body, false); err != nil {
		return err
	}
	uid, err := ctx.MessageUUID()
	if err != nil {
		return err
	}
	return in.Scheduler.Emitter().SendDelivery(context.Background(), scheduler.ProcessMessage{MessageUUID: uid})
}
