package pipeline

import (
	"fmt"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/queue"
)

// transitionQueue performs the rename-then-persist sequence shared by the
// working, delivery, and deferred processors: move the context file from
// one queue to another, then re-write it (and the body) at its new home so
// any in-memory mutation made this pass (skipped state, delivery statuses)
// survives the move.
func transitionQueue(q *queue.Manager, from, to queue.Name, envCtx *envelope.Context, body []byte, delegated bool) error {
	uid, err := envCtx.MessageUUID()
	if err != nil {
		return err
	}
	if err := q.MoveTo(from, to, uid); err != nil {
		return fmt.Errorf("pipeline: move %s->%s: %w", from, to, err)
	}
	sc, err := queue.ToSerializedContext(envCtx, delegated)
	if err != nil {
		return err
	}
	if err := q.WriteMsg(uid, body); err != nil {
		return err
	}
	return q.WriteCtx(to, sc)
}
