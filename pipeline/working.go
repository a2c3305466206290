package pipeline

import (
	"context"
	"fmt"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/queue"
	"github.com/yonasBSD/vsmtpd/scheduler"
	"github.com/yonasBSD/vsmtpd/session"
	"github.com/yonasBSD/vsmtpd/transfer"
)

// WorkingProcessor implements the working pool (C10): it drains the
// scheduler's working channel, runs the PostQ policy stage on each message,
// and routes it onward per §4.10.
type WorkingProcessor struct {
	Queue     *queue.Manager
	Scheduler *scheduler.Scheduler
	PostQ     session.Policy
	Delegator Delegator
}

// Run drains the working channel until ctx is canceled.
func (w *WorkingProcessor) Run(ctx context.Context) error {
	recv := w.Scheduler.WorkingReceiver()
	for {
		pm, ok := recv.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := w.process(ctx, pm); err != nil {
			continue
		}
	}
}

func (w *WorkingProcessor) process(ctx context.Context, pm scheduler.ProcessMessage) error {
	origin := queue.Working
	if pm.Delegated {
		origin = queue.Delegated
	}

	sc, body, err := w.Queue.GetBoth(origin, pm.MessageUUID)
	if err != nil {
		return fmt.Errorf("pipeline: working: load %s: %w", pm.MessageUUID, err)
	}
	envCtx, err := queue.ToContext(sc)
	if err != nil {
		return fmt.Errorf("pipeline: working: restore %s: %w", pm.MessageUUID, err)
	}

	v := session.Eval(session.StagePostQ, w.PostQ, &session.PolicyContext{Envelope: envCtx})

	switch v.Kind {
	case session.VerdictQuarantine:
		if err := w.Queue.EnsureQuarantine(v.Name); err != nil {
			return err
		}
		return w.transition(origin, queue.Quarantine(v.Name), envCtx, body, sc.Delegated)

	case session.VerdictDelegated:
		envCtx.SetSkipped(session.DelegationResult())
		if err := w.transition(origin, queue.Delegated, envCtx, body, true); err != nil {
			return err
		}
		if w.Delegator == nil {
			return fmt.Errorf("pipeline: working: no delegator configured for %s", v.Delegate)
		}
		return w.Delegator.Submit(v.Delegate, envCtx, body)

	case session.VerdictDelegationResult:
		if err := w.transition(origin, queue.Deliver, envCtx, body, sc.Delegated); err != nil {
			return err
		}
		return w.enqueueDelivery(ctx, envCtx)

	case session.VerdictDeny:
		markAllFailedDenied(envCtx, v.Reply.String())
		return w.transition(origin, queue.Dead, envCtx, body, sc.Delegated)

	default:
		// Next/None, or a skip status too benign to act on: both resolve to
		// the same §4.10 "move to deliver" action.
		if err := w.transition(origin, queue.Deliver, envCtx, body, sc.Delegated); err != nil {
			return err
		}
		return w.enqueueDelivery(ctx, envCtx)
	}
}

func (w *WorkingProcessor) transition(from, to queue.Name, envCtx *envelope.Context, body []byte, delegated bool) error {
	return transitionQueue(w.Queue, from, to, envCtx, body, delegated)
}

func (w *WorkingProcessor) enqueueDelivery(ctx context.Context, envCtx *envelope.Context) error {
	uid, err := envCtx.MessageUUID()
	if err != nil {
		return err
	}
	return w.Scheduler.Emitter().SendDelivery(ctx, scheduler.ProcessMessage{MessageUUID: uid})
}

func markAllFailedDenied(envCtx *envelope.Context, replyText string) {
	delivery, err := envCtx.DeliveryMut()
	if err != nil {
		return
	}
	for transportName, entries := range delivery {
		for i := range entries {
			entries[i].Status = transfer.NewFailedDenied(replyText)
		}
		delivery[transportName] = entries
	}
}
