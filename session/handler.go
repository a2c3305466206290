package session

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/yonasBSD/vsmtpd/command"
	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/metrics"
	"github.com/yonasBSD/vsmtpd/receiver"
	"github.com/yonasBSD/vsmtpd/transfer"
	"github.com/yonasBSD/vsmtpd/wire"
)

// AuthMechanism describes one advertised AUTH mechanism.
type AuthMechanism struct {
	Name           string
	MustBeUnderTLS bool
}

// Config holds the server-wide settings the Handler consults when building
// stage-default replies (notably the EHLO line).
type Config struct {
	ServerName string

	RcptCountMax int
	SizeMax      int64

	Enable8BitMime   bool
	EnableSMTPUTF8   bool
	EnablePipelining bool
	EnableChunking   bool
	EnableDSN        bool

	AuthMechanisms                  []AuthMechanism
	EnableDangerousMechanismInClair bool
	AttemptCountMax                 int

	TLSConfig           *tls.Config
	TLSHandshakeTimeout time.Duration

	// ErrorDelay is the artificial delay OnSoftError applies once a
	// connection crosses the soft error threshold (§4.2).
	ErrorDelay time.Duration

	LocalDomain envelope.LocalDomainFunc
}

// Policies groups the Policy evaluated at each stage. A nil entry is
// treated as an always-Next policy.
type Policies struct {
	Connect  Policy
	Helo     Policy
	Auth     Policy
	MailFrom Policy
	RcptTo   Policy
	PreQ     Policy
	PostQ    Policy
	Delivery Policy
}

func (p Policies) eval(stage Stage, pol Policy, ctx *PolicyContext) Verdict {
	return Eval(stage, pol, ctx)
}

// Eval runs pol at stage, treating a nil Policy as an always-Next policy.
// Exported so the working/delivery/deferred processors can reuse the same
// nil-safe evaluation the receiver-side Handler uses.
func Eval(stage Stage, pol Policy, ctx *PolicyContext) Verdict {
	if pol == nil {
		return Next()
	}
	return pol.Evaluate(stage, ctx)
}

// Sink persists a message once PreQ policy has produced a final
// disposition for it, per §4.7. The concrete implementation is
// pipeline.Intake; Handler only needs the narrow interface.
type Sink interface {
	Submit(ctx *envelope.Context, body []byte, verdict Verdict) error
}

// Handler implements receiver.Handler: it owns the envelope.Context for one
// connection and turns each callback into a policy-stage evaluation.
type Handler struct {
	cfg      Config
	policies Policies
	sink     Sink

	ctx      *envelope.Context
	connKind receiver.ConnectionKind

	cancelCount      int
	authAttempts     int
	pendingMechanism string
}

func (h *Handler) kindLabel() string {
	switch h.connKind {
	case receiver.Submission:
		return "submission"
	case receiver.Tunneled:
		return "tunneled"
	default:
		return "relay"
	}
}

func replyCodeLabel(code int) string {
	return fmt.Sprintf("%d", code)
}

// New constructs a Handler. sink may be nil during early bring-up/testing;
// OnMessage will then fail closed with a permanent 554 reply.
func New(cfg Config, policies Policies, sink Sink) *Handler {
	return &Handler{cfg: cfg, policies: policies, sink: sink}
}

var _ receiver.Handler = (*Handler)(nil)

func (h *Handler) policyCtx(cmd, args string) *PolicyContext {
	return &PolicyContext{Envelope: h.ctx, RawCommand: cmd, RawArgs: args}
}

func (h *Handler) GetStage() envelope.Stage {
	if h.ctx == nil {
		return envelope.StageConnect
	}
	return h.ctx.Stage()
}

func (h *Handler) DataSizeLimit() int64 { return h.cfg.SizeMax }

func (h *Handler) OnAccept(rctx *receiver.Context, info receiver.AcceptInfo) wire.Reply {
	h.ctx = envelope.NewConnect(info.UUID, info.Timestamp, info.ClientAddr, info.ServerAddr, h.cfg.ServerName)
	h.connKind = info.Kind
	h.cancelCount = 0
	h.authAttempts = 0
	if info.TLSState != nil {
		h.ctx.SetTls(envelope.TlsProperties{
			ServerName:      info.TLSState.ServerName,
			ProtocolVersion: tlsVersionName(info.TLSState.Version),
			CipherSuite:     tls.CipherSuiteName(info.TLSState.CipherSuite),
		})
	}

	v := h.policies.eval(StageConnectPolicy, h.policies.Connect, h.policyCtx("CONNECT", ""))
	if reply, done := h.resolveConnVerdict(rctx, v); done {
		return reply
	}
	return wire.NewReply(220, h.cfg.ServerName+" Service ready")
}

// resolveConnVerdict applies a Verdict from a pre-DATA stage (Connect,
// HELO/EHLO, MAIL FROM, RCPT TO): Deny closes the connection,
// Reject/Accept/Faccept supply their own reply, and every other kind
// (Next, Quarantine, Delegated, DelegationResult) leaves the caller to
// build the default.
func (h *Handler) resolveConnVerdict(rctx *receiver.Context, v Verdict) (wire.Reply, bool) {
	switch v.Kind {
	case VerdictDeny:
		rctx.Deny()
		return v.Reply, true
	case VerdictReject, VerdictAccept, VerdictFaccept:
		return v.Reply, true
	default:
		return wire.Reply{}, false
	}
}

func (h *Handler) OnStartTLS(rctx *receiver.Context) wire.Reply {
	if h.ctx.IsSecured() {
		return wire.NewReply(554, "5.5.1 Error: TLS already active")
	}
	if h.cfg.TLSConfig == nil {
		return wire.NewReply(454, "TLS not available due to temporary reason")
	}
	rctx.UpgradeTLS(h.cfg.TLSConfig, h.cfg.TLSHandshakeTimeout)
	return wire.NewReply(220, "TLS go ahead")
}

func (h *Handler) OnPostTLSHandshake(rctx *receiver.Context, state tls.ConnectionState) wire.Reply {
	h.ctx.SetTls(envelope.TlsProperties{
		ServerName:      state.ServerName,
		ProtocolVersion: tlsVersionName(state.Version),
		CipherSuite:     tls.CipherSuiteName(state.CipherSuite),
	})
	return wire.NewReply(220, h.cfg.ServerName+" Service ready")
}

func (h *Handler) OnAuth(rctx *receiver.Context, args command.AuthArgs) (wire.Reply, bool) {
	if !h.mechanismKnown(args.Mechanism) {
		return wire.NewReply(504, "5.5.4 Unrecognized authentication mechanism"), true
	}
	if !h.ctx.IsSecured() && !h.mechanismAllowedInClair(args.Mechanism) {
		return wire.NewReply(538, "5.7.11 Encryption required for requested authentication mechanism"), true
	}
	if h.authAttempts >= h.cfg.AttemptCountMax && h.cfg.AttemptCountMax > 0 {
		rctx.Deny()
		return wire.NewReply(454, "4.7.0 Too many authentication attempts"), true
	}
	h.authAttempts++
	h.pendingMechanism = args.Mechanism
	rctx.Authenticate(args.Mechanism, args.InitialResponse)
	return wire.Reply{}, false
}

func (h *Handler) OnPostAuth(rctx *receiver.Context, authErr error) wire.Reply {
	if authErr == nil {
		h.ctx.WithCredentials(envelope.Credentials{Mechanism: h.pendingMechanism})
		a := h.ctx.AuthMut()
		a.Authenticated = true
		return wire.NewReply(235, "2.7.0 Authentication successful")
	}
	if authErr == receiver.ErrCanceled {
		h.cancelCount++
		a := h.ctx.AuthMut()
		a.CancelCount = h.cancelCount
		if h.cfg.AttemptCountMax > 0 && h.cancelCount >= h.cfg.AttemptCountMax {
			rctx.Deny()
			return wire.NewReply(501, "5.5.4 Too many canceled authentication attempts")
		}
		return wire.NewReply(501, "5.5.4 Authentication canceled")
	}
	metrics.FailedLogins.WithLabelValues(h.pendingMechanism).Inc()
	return wire.NewReply(535, "5.7.8 Authentication credentials invalid")
}

func (h *Handler) mechanismKnown(name string) bool {
	for _, m := range h.cfg.AuthMechanisms {
		if strings.EqualFold(m.Name, name) {
			return true
		}
	}
	return false
}

func (h *Handler) mechanismAllowedInClair(name string) bool {
	if h.cfg.EnableDangerousMechanismInClair {
		return true
	}
	for _, m := range h.cfg.AuthMechanisms {
		if strings.EqualFold(m.Name, name) {
			return !m.MustBeUnderTLS
		}
	}
	return false
}

func (h *Handler) OnHelo(rctx *receiver.Context, args command.HeloArgs) wire.Reply {
	if err := h.ctx.ToHelo(args.ClientName, true); err != nil {
		return wire.NewReply(503, "Bad sequence of commands")
	}
	v := h.policies.eval(StageHeloPolicy, h.policies.Helo, h.policyCtx("HELO", args.ClientName.String()))
	if reply, done := h.resolveConnVerdict(rctx, v); done {
		return reply
	}
	return wire.NewReply(250, h.cfg.ServerName)
}

func (h *Handler) OnEhlo(rctx *receiver.Context, args command.EhloArgs) wire.Reply {
	if err := h.ctx.ToHelo(args.ClientName, false); err != nil {
		return wire.NewReply(503, "Bad sequence of commands")
	}
	v := h.policies.eval(StageHeloPolicy, h.policies.Helo, h.policyCtx("EHLO", args.ClientName.String()))
	if reply, done := h.resolveConnVerdict(rctx, v); done {
		return reply
	}
	return h.buildEhloReply()
}

// buildEhloReply implements the §6 construction rules exactly: server name
// line, AUTH (mechanism set depends on TLS state), 8BITMIME/SMTPUTF8,
// STARTTLS (only outside TLS), PIPELINING, CHUNKING, DSN, then SIZE last.
func (h *Handler) buildEhloReply() wire.Reply {
	lines := []string{h.cfg.ServerName}

	if len(h.cfg.AuthMechanisms) > 0 {
		var mechs []string
		for _, m := range h.cfg.AuthMechanisms {
			if h.ctx.IsSecured() || !m.MustBeUnderTLS || h.cfg.EnableDangerousMechanismInClair {
				mechs = append(mechs, m.Name)
			}
		}
		if len(mechs) > 0 {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
	}

	if h.cfg.Enable8BitMime {
		lines = append(lines, "8BITMIME")
		if h.cfg.EnableSMTPUTF8 {
			lines = append(lines, "SMTPUTF8")
		}
	}
	if !h.ctx.IsSecured() && h.cfg.TLSConfig != nil {
		lines = append(lines, "STARTTLS")
	}
	if h.cfg.EnablePipelining {
		lines = append(lines, "PIPELINING")
	}
	if h.cfg.EnableChunking {
		lines = append(lines, "CHUNKING")
	}
	if h.cfg.EnableDSN {
		lines = append(lines, "DSN")
	}
	if h.cfg.SizeMax > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", h.cfg.SizeMax))
	}

	r := wire.NewReply(250, lines[0])
	for _, l := range lines[1:] {
		r = r.Extended(wire.NewReply(250, l))
	}
	return r
}

func (h *Handler) OnMailFrom(rctx *receiver.Context, args command.MailFromArgs) wire.Reply {
	if args.Size != nil && h.cfg.SizeMax > 0 && *args.Size > h.cfg.SizeMax {
		return wire.NewReply(552, "5.3.4 Message size exceeds fixed maximum message size")
	}
	if args.SMTPUTF8 && !h.cfg.EnableSMTPUTF8 {
		return wire.NewReply(501, "5.5.4 SMTPUTF8 not supported")
	}
	params := envelope.MailFromParams{
		ReversePath: args.ReversePath,
		UseSMTPUTF8: args.SMTPUTF8,
		SizeHint:    args.Size,
		EnvelopeID:  args.EnvID,
		DsnRet:      args.Ret,
	}
	if err := h.ctx.ToMailFrom(params); err != nil {
		return wire.NewReply(503, "Bad sequence of commands")
	}
	metrics.StartedTransactions.WithLabelValues(h.kindLabel()).Inc()

	v := h.policies.eval(StageMailFromPolicy, h.policies.MailFrom, h.policyCtx("MAIL", ""))
	if reply, done := h.resolveConnVerdict(rctx, v); done {
		if reply.Code >= 400 {
			metrics.FailedCommands.WithLabelValues("MAIL", replyCodeLabel(reply.Code)).Inc()
		}
		return reply
	}
	return wire.NewReply(250, "Ok")
}

func (h *Handler) OnRcptTo(rctx *receiver.Context, args command.RcptToArgs) wire.Reply {
	if paths, err := h.ctx.ForwardPaths(); err == nil && h.cfg.RcptCountMax > 0 && len(paths) >= h.cfg.RcptCountMax {
		return wire.NewReply(452, "4.5.3 Too many recipients")
	}

	if !isASCII(args.ForwardPath.Full()) {
		utf8Advertised, _ := h.ctx.IsUtf8Advertised()
		if !utf8Advertised && !h.cfg.EnableSMTPUTF8 {
			return wire.NewReply(553, "5.1.3 mailbox name not allowed")
		}
	}

	reversePath, _ := h.ctx.ReversePath()
	tt := envelope.ClassifyRecipient(reversePath, args.ForwardPath, h.cfg.LocalDomain)

	if err := h.ctx.AddForwardPath(args.ForwardPath, ""); err != nil {
		return wire.NewReply(503, "Bad sequence of commands")
	}
	if err := h.ctx.SetTransactionType(tt); err != nil {
		return wire.NewReply(554, "Transaction failed")
	}

	v := h.policies.eval(StageRcptToPolicy, h.policies.RcptTo, h.policyCtx("RCPT", args.ForwardPath.String()))
	if reply, done := h.resolveConnVerdict(rctx, v); done {
		if reply.Code >= 400 {
			metrics.FailedCommands.WithLabelValues("RCPT", replyCodeLabel(reply.Code)).Inc()
		}
		return reply
	}
	return wire.NewReply(250, "Ok")
}

func (h *Handler) OnRset(rctx *receiver.Context) wire.Reply {
	h.ctx.Reset()
	return wire.NewReply(250, "Ok")
}

func (h *Handler) OnMessage(rctx *receiver.Context, body io.Reader) wire.Reply {
	raw, err := io.ReadAll(body)
	if err != nil {
		var we *wire.Error
		if errors.As(err, &we) && we.Kind == wire.ErrKindBufferTooLong {
			return wire.NewReply(552, "5.3.4 Message size exceeds fixed maximum message size")
		}
		return wire.NewReply(554, "Transaction failed")
	}

	if err := h.ctx.ToFinished(); err != nil {
		return wire.NewReply(554, "Transaction failed")
	}

	preqCtx := h.policyCtx("DATA", "")
	preqCtx.Body = raw
	v := h.policies.eval(StagePreQ, h.policies.PreQ, preqCtx)
	if v.Kind == VerdictDeny {
		h.markAllFailedDenied(v.Reply)
	}

	if h.sink == nil {
		return wire.NewReply(554, "Transaction failed")
	}
	if err := h.sink.Submit(h.ctx, raw, v); err != nil {
		metrics.FailedCommands.WithLabelValues("DATA", "554").Inc()
		return wire.NewReply(554, "Transaction failed")
	}
	metrics.CompletedTransactions.WithLabelValues(h.kindLabel()).Inc()
	uid, err := h.ctx.MessageUUID()
	if err != nil {
		return wire.NewReply(250, "Ok")
	}
	return wire.NewReply(250, "Ok: queued as "+uid.String())
}

func (h *Handler) markAllFailedDenied(reply wire.Reply) {
	delivery, err := h.ctx.Delivery()
	if err != nil {
		return
	}
	for domain, entries := range delivery {
		for i := range entries {
			entries[i].Status = transfer.NewFailedDenied(reply.String())
		}
		delivery[domain] = entries
	}
}

func (h *Handler) OnNoop(rctx *receiver.Context) wire.Reply { return wire.NewReply(250, "Ok") }

func (h *Handler) OnQuit(rctx *receiver.Context) wire.Reply {
	return wire.NewReply(221, h.cfg.ServerName+" Service closing transmission channel")
}

func (h *Handler) OnHelp(rctx *receiver.Context) wire.Reply {
	return wire.NewReply(214, "See https://www.rfc-editor.org/rfc/rfc5321")
}

func (h *Handler) OnBadSequence(rctx *receiver.Context, verb command.Verb) wire.Reply {
	return wire.NewReply(503, "Bad sequence of commands")
}

func (h *Handler) OnUnknown(rctx *receiver.Context, raw string) wire.Reply {
	return wire.NewReply(500, "Syntax error, command unrecognized")
}

func (h *Handler) OnArgsError(rctx *receiver.Context, verb command.Verb, err error) wire.Reply {
	return wire.NewReply(501, "Syntax error in parameters or arguments: "+err.Error())
}

func (h *Handler) OnHardError(rctx *receiver.Context, reply wire.Reply) wire.Reply {
	rctx.Deny()
	return reply.Extended(wire.NewReply(reply.Code, "Too many errors, closing connection"))
}

func (h *Handler) OnSoftError(rctx *receiver.Context, reply wire.Reply) wire.Reply {
	if h.cfg.ErrorDelay > 0 {
		time.Sleep(h.cfg.ErrorDelay)
	}
	return reply
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}
