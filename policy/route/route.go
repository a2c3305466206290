// Package route implements a session.Policy that assigns each recipient's
// delivery entry to a named transport at StageDeliveryPolicy, grounded on
// the teacher's msgpipeline destination-matching blocks (internal/msgpipeline
// config.go's "destination"/"default_destination" directives) but collapsed
// to the one rule this module's transaction classification already computes:
// local-domain recipients go to LocalTransport, everything else to
// RemoteTransport.
package route

import (
	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/session"
)

// ByLocality routes recipients between a local-delivery transport and a
// remote-delivery transport based on the transaction's TransactionType, set
// during RCPT TO handling per §4.6.
type ByLocality struct {
	// LocalTransport names the transport registered for locally-hosted
	// mailboxes (e.g. "local", backed by transport/maildir).
	LocalTransport string
	// RemoteTransport names the transport registered for outbound delivery
	// (e.g. "remote", backed by transport/remote).
	RemoteTransport string
}

func (r ByLocality) Evaluate(stage session.Stage, ctx *session.PolicyContext) session.Verdict {
	if stage != session.StageDeliveryPolicy {
		return session.Next()
	}

	tt, err := ctx.Envelope.TransactionType()
	if err != nil {
		return session.Next()
	}

	name := r.RemoteTransport
	if tt.Kind == envelope.TransactionInternal || (tt.Kind == envelope.TransactionIncoming && tt.HasDomain) {
		name = r.LocalTransport
	}

	if err := ctx.Envelope.SetTransportForeach(name); err != nil {
		return session.Next()
	}
	return session.Next()
}
