package receiver

import (
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/yonasBSD/vsmtpd/command"
	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/wire"
)

// AcceptInfo is passed to OnAccept with everything the server/acceptor (C14)
// knows about the new connection.
type AcceptInfo struct {
	ClientAddr net.Addr
	ServerAddr net.Addr
	Timestamp  time.Time
	UUID       uuid.UUID
	Kind       ConnectionKind

	// TLSState is set when Kind is Tunneled: the handshake has already
	// completed by the time OnAccept runs.
	TLSState *tls.ConnectionState
}

// Handler is the policy-integration surface (C7) the Receiver dispatches
// to. Every callback returns the Reply to send (Option semantics are
// expressed via the returned bool where the receiver would otherwise
// supply a stage default) and may mutate the supplied Context to request
// an out-of-band outcome.
type Handler interface {
	OnAccept(ctx *Context, info AcceptInfo) wire.Reply

	OnStartTLS(ctx *Context) wire.Reply
	OnPostTLSHandshake(ctx *Context, state tls.ConnectionState) wire.Reply

	// OnAuth returns (reply, handled). handled == false means the
	// receiver should proceed to drive the SASL mechanism via Context's
	// Authenticate() outcome; handled == true means reply is final (e.g.
	// mechanism rejected before any exchange began).
	OnAuth(ctx *Context, args command.AuthArgs) (reply wire.Reply, handled bool)
	OnPostAuth(ctx *Context, authErr error) wire.Reply

	OnHelo(ctx *Context, args command.HeloArgs) wire.Reply
	OnEhlo(ctx *Context, args command.EhloArgs) wire.Reply

	OnMailFrom(ctx *Context, args command.MailFromArgs) wire.Reply
	OnRcptTo(ctx *Context, args command.RcptToArgs) wire.Reply
	OnRset(ctx *Context) wire.Reply

	// OnMessage is invoked once DATA's body stream is fully read (dot-
	// unstuffed, size-checked). It returns the final reply for DATA.
	OnMessage(ctx *Context, body io.Reader) wire.Reply

	OnNoop(ctx *Context) wire.Reply
	OnQuit(ctx *Context) wire.Reply
	OnHelp(ctx *Context) wire.Reply

	OnBadSequence(ctx *Context, verb command.Verb) wire.Reply
	OnUnknown(ctx *Context, raw string) wire.Reply
	OnArgsError(ctx *Context, verb command.Verb, err error) wire.Reply

	OnHardError(ctx *Context, reply wire.Reply) wire.Reply
	OnSoftError(ctx *Context, reply wire.Reply) wire.Reply

	GetStage() envelope.Stage

	// DataSizeLimit returns the cumulative DATA body size limit currently
	// in effect (0 disables it).
	DataSizeLimit() int64
}
