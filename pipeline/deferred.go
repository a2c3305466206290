package pipeline

import (
	"context"
	"time"

	"github.com/yonasBSD/vsmtpd/queue"
)

// DeferredBaseInterval is the default per-retry backoff unit used to
// compute a deferred message's eligible_at, per §4.12.
const DeferredBaseInterval = 5 * time.Minute

// DeferredProcessor implements the deferred sweep (C12): it periodically
// scans the deferred queue and re-dispatches any message whose retry
// backoff has elapsed.
type DeferredProcessor struct {
	Queue        *queue.Manager
	Delivery     *DeliveryProcessor
	SweepEvery   time.Duration
	BaseInterval time.Duration
}

// Run sweeps the deferred queue on SweepEvery until ctx is canceled.
func (d *DeferredProcessor) Run(ctx context.Context) error {
	interval := d.SweepEvery
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *DeferredProcessor) sweepOnce(ctx context.Context) {
	ids, err := d.Queue.List(queue.Deferred)
	if err != nil {
		return
	}
	now := time.Now()
	for _, id := range ids {
		envCtx, err := d.Queue.LoadContext(queue.Deferred, id)
		if err != nil {
			continue
		}
		lastErr, heldBackCount := queue.HeldBackStats(envCtx)
		if heldBackCount == 0 {
			continue
		}
		base := d.BaseInterval
		if base <= 0 {
			base = DeferredBaseInterval
		}
		eligibleAt := lastErr.Add(time.Duration(heldBackCount) * base)
		if eligibleAt.After(now) {
			continue
		}
		d.Delivery.DispatchAndRoute(ctx, queue.Deferred, id)
	}
}
