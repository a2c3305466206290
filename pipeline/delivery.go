package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/metrics"
	"github.com/yonasBSD/vsmtpd/queue"
	"github.com/yonasBSD/vsmtpd/scheduler"
	"github.com/yonasBSD/vsmtpd/session"
	"github.com/yonasBSD/vsmtpd/transfer"
	"github.com/yonasBSD/vsmtpd/transport"
)

// DeliveryProcessor implements the delivery pool (C11): it drains the
// scheduler's delivery channel, runs the Delivery policy stage, dispatches
// each transport group, merges the results, and classifies the outcome per
// §4.11.
type DeliveryProcessor struct {
	Queue       *queue.Manager
	Scheduler   *scheduler.Scheduler
	Delivery    session.Policy
	Transports  *transport.Registry
	Configs     map[string]transport.Config
	HeldBackMax int
}

// Run drains the delivery channel until ctx is canceled.
func (d *DeliveryProcessor) Run(ctx context.Context) error {
	recv := d.Scheduler.DeliveryReceiver()
	for {
		pm, ok := recv.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := d.process(ctx, pm); err != nil {
			continue
		}
	}
}

func (d *DeliveryProcessor) process(ctx context.Context, pm scheduler.ProcessMessage) error {
	return d.DispatchAndRoute(ctx, queue.Deliver, pm.MessageUUID)
}

// DispatchAndRoute loads the message identified by uid from origin, runs
// the Delivery policy stage, dispatches to its assigned transports, and
// routes the merged outcome per §4.11. Shared by the delivery pool (origin
// deliver) and the deferred sweep (origin deferred).
func (d *DeliveryProcessor) DispatchAndRoute(ctx context.Context, origin queue.Name, uid uuid.UUID) error {
	sc, body, err := d.Queue.GetBoth(origin, uid)
	if err != nil {
		return fmt.Errorf("pipeline: delivery: load %s: %w", uid, err)
	}
	envCtx, err := queue.ToContext(sc)
	if err != nil {
		return fmt.Errorf("pipeline: delivery: restore %s: %w", uid, err)
	}

	v := session.Eval(session.StageDeliveryPolicy, d.Delivery, &session.PolicyContext{Envelope: envCtx})
	if v.Kind == session.VerdictDeny {
		denyNonTerminal(envCtx, v.Reply.String())
	} else {
		d.dispatch(ctx, envCtx, body)
	}

	return d.route(origin, envCtx, body)
}

// dispatch groups pending recipients by the transport instance policy
// assigned them and runs each group's Deliver call, merging results back
// into the context's delivery map.
func (d *DeliveryProcessor) dispatch(ctx context.Context, envCtx *envelope.Context, body []byte) {
	delivery, err := envCtx.DeliveryMut()
	if err != nil {
		return
	}
	var from *envelope.Address
	if rp, err := envCtx.ReversePath(); err == nil {
		from = rp
	}

	for transportName, entries := range delivery {
		pending := make([]envelope.Address, 0, len(entries))
		index := make(map[string]int, len(entries))
		for i, e := range entries {
			if e.Status.IsTerminal() {
				continue
			}
			pending = append(pending, e.Recipient)
			index[e.Recipient.Full()] = i
		}
		if len(pending) == 0 {
			continue
		}

		tr, ok := d.Transports.Lookup(transportName)
		if !ok {
			for _, addr := range pending {
				entries[index[addr.Full()]].Status = transfer.NewFailedTransport("no transport registered: " + transportName)
			}
			delivery[transportName] = entries
			metrics.DeliveryAttempts.WithLabelValues(transportName, "failed").Add(float64(len(pending)))
			continue
		}

		results, err := tr.Deliver(ctx, d.Configs[transportName], from, pending, body)
		if err != nil {
			errRec := transfer.AttemptError{Timestamp: time.Now(), Kind: "transport", Message: err.Error()}
			for _, addr := range pending {
				i := index[addr.Full()]
				entries[i].Status = entries[i].Status.WithHeldBackError(errRec, d.heldBackMax())
			}
			delivery[transportName] = entries
			metrics.DeliveryAttempts.WithLabelValues(transportName, "held_back").Add(float64(len(pending)))
			continue
		}
		for _, res := range results {
			i, ok := index[res.Recipient.Full()]
			if !ok {
				continue
			}
			entries[i].Status = res.Status
			metrics.DeliveryAttempts.WithLabelValues(transportName, outcomeLabel(res.Status)).Inc()
		}
		delivery[transportName] = entries
	}
}

func outcomeLabel(status transfer.Status) string {
	switch {
	case status.Kind == transfer.Sent:
		return "sent"
	case status.Kind == transfer.HeldBack:
		return "held_back"
	default:
		return "failed"
	}
}

func (d *DeliveryProcessor) heldBackMax() int {
	if d.HeldBackMax > 0 {
		return d.HeldBackMax
	}
	return transfer.HeldBackMax
}

// route classifies the merged statuses and moves the message to its next
// home per §4.11's SenderOutcome table.
func (d *DeliveryProcessor) route(origin queue.Name, envCtx *envelope.Context, body []byte) error {
	delivery, err := envCtx.DeliveryMut()
	if err != nil {
		return err
	}
	statuses := make([]transfer.Status, 0)
	for _, entries := range delivery {
		for _, e := range entries {
			statuses = append(statuses, e.Status)
		}
	}

	uid, err := envCtx.MessageUUID()
	if err != nil {
		return err
	}

	switch transport.ClassifyOutcome(statuses, d.heldBackMax()) {
	case transport.RemoveFromDisk:
		return d.Queue.RemoveBoth(origin, uid)
	case transport.MoveToDeferred:
		if origin == queue.Deferred {
			sc, err := queue.ToSerializedContext(envCtx, false)
			if err != nil {
				return err
			}
			if err := d.Queue.WriteMsg(uid, body); err != nil {
				return err
			}
			return d.Queue.WriteCtx(queue.Deferred, sc)
		}
		return transitionQueue(d.Queue, origin, queue.Deferred, envCtx, body, false)
	default: // MoveToDead
		return transitionQueue(d.Queue, origin, queue.Dead, envCtx, body, false)
	}
}

func denyNonTerminal(envCtx *envelope.Context, replyText string) {
	delivery, err := envCtx.DeliveryMut()
	if err != nil {
		return
	}
	for transportName, entries := range delivery {
		for i := range entries {
			if !entries[i].Status.IsTerminal() {
				entries[i].Status = transfer.NewFailedDenied(replyText)
			}
		}
		delivery[transportName] = entries
	}
}
