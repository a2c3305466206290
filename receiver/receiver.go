package receiver

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/yonasBSD/vsmtpd/command"
	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/wire"
)

// State is the receiver's own execution state, independent of the
// envelope stage the Handler tracks.
type State int

const (
	StateBeforeGreeting State = iota
	StateAwaitingCommand
	StateReadingMessage
	StateUpgradingTLS
	StateAuthenticating
	StateClosing
)

// ErrCanceled is passed to Handler.OnPostAuth when the client cancels a
// SASL exchange with a bare "*" response.
var ErrCanceled = errors.New("receiver: authentication canceled by client")

// SASLServerFactory builds a server-side SASL mechanism implementation for
// the named mechanism (PLAIN, LOGIN, CRAM-MD5, ANONYMOUS, ...).
type SASLServerFactory func(mechanism string) (sasl.Server, error)

// Options configures a Receiver.
type Options struct {
	MaxLineSize       int
	ReadTimeout       time.Duration
	TLSHandshakeTimeout time.Duration
	ErrorSoftThreshold  int
	ErrorHardThreshold  int
	PipeliningEnabled   bool
	SASLServers         SASLServerFactory
}

// Receiver drives one connection's wire protocol: framing, command
// dispatch, STARTTLS/SASL handshakes, and reply writing, delegating all
// policy decisions to a Handler.
type Receiver struct {
	conn    net.Conn
	opts    Options
	handler Handler

	reader *wire.Reader
	writer *wire.Writer
	errs   *wire.ErrorCounter

	state State
}

// New constructs a Receiver bound to conn and handler.
func New(conn net.Conn, handler Handler, opts Options) *Receiver {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = wire.MaxLineSize
	}
	r := &Receiver{
		conn:    conn,
		opts:    opts,
		handler: handler,
		errs:    wire.NewErrorCounter(opts.ErrorSoftThreshold, opts.ErrorHardThreshold),
		state:   StateBeforeGreeting,
	}
	r.reader = wire.NewReader(conn, opts.MaxLineSize, opts.PipeliningEnabled)
	r.writer = wire.NewWriter(conn)
	return r
}

// Serve drives the connection to completion: the greeting (after an
// optional tunneled-TLS handshake), the command loop, and cleanup. It
// returns once the connection has been closed.
func (r *Receiver) Serve(info AcceptInfo) error {
	defer r.conn.Close()

	hctx := &Context{}

	if info.Kind == Tunneled {
		// Tunneled listeners hand Serve an already-dialed *tls.Conn; the
		// handshake happens here, before any greeting is sent.
		if tc, ok := r.conn.(*tls.Conn); ok {
			if err := r.handshakeWithTimeout(tc); err != nil {
				return err
			}
			state := tc.ConnectionState()
			info.TLSState = &state
		}
	}

	greeting := r.handler.OnAccept(hctx, info)
	if err := r.writer.SendDirect(greeting); err != nil {
		return err
	}
	if hctx.Outcome() == OutcomeDeny {
		return nil
	}

	r.state = StateAwaitingCommand
	for r.state != StateClosing {
		if r.opts.ReadTimeout > 0 {
			r.conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
		}

		batch, err := r.reader.ReadWindow()
		if err != nil {
			var we *wire.Error
			if errors.As(err, &we) {
				r.writer.SendDirect(wire.NewReply(500, "Line too long"))
				continue
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				r.writer.SendDirect(wire.NewReply(451, "Timeout - closing connection"))
				return nil
			}
			return err
		}

		for _, line := range batch {
			if r.state == StateClosing {
				break
			}
			if err := r.dispatchLine(hctx, string(line)); err != nil {
				return err
			}
		}
		if err := r.writer.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) dispatchLine(hctx *Context, line string) error {
	cmd, err := command.Parse(line)
	if err != nil {
		stage := r.handler.GetStage()
		reply := r.handler.OnArgsError(hctx, cmd.Verb, err)
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	}

	stage := r.handler.GetStage()
	if !allowedAtStage(cmd.Verb, stage) {
		reply := r.handler.OnBadSequence(hctx, cmd.Verb)
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	}

	switch cmd.Verb {
	case command.VerbHelo:
		reply := r.handler.OnHelo(hctx, cmd.Args.(command.HeloArgs))
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	case command.VerbEhlo:
		reply := r.handler.OnEhlo(hctx, cmd.Args.(command.EhloArgs))
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	case command.VerbStartTLS:
		return r.doStartTLS(hctx)
	case command.VerbAuth:
		return r.doAuth(hctx, cmd.Args.(command.AuthArgs))
	case command.VerbMailFrom:
		reply := r.handler.OnMailFrom(hctx, cmd.Args.(command.MailFromArgs))
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	case command.VerbRcptTo:
		reply := r.handler.OnRcptTo(hctx, cmd.Args.(command.RcptToArgs))
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	case command.VerbRset:
		reply := r.handler.OnRset(hctx)
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	case command.VerbNoop:
		reply := r.handler.OnNoop(hctx)
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	case command.VerbHelp:
		reply := r.handler.OnHelp(hctx)
		return r.emit(hctx, cmd.Verb.WireVerb(), reply, stage)
	case command.VerbQuit:
		reply := r.handler.OnQuit(hctx)
		if err := r.emit(hctx, cmd.Verb.WireVerb(), reply, stage); err != nil {
			return err
		}
		r.state = StateClosing
		return nil
	case command.VerbData:
		return r.doData(hctx)
	default:
		reply := r.handler.OnUnknown(hctx, cmd.RawArgs)
		return r.emit(hctx, wire.VerbOther, reply, stage)
	}
}

// allowedAtStage implements the §4.4 per-command dispatch table's "allowed
// stages" column.
func allowedAtStage(verb command.Verb, stage envelope.Stage) bool {
	switch verb {
	case command.VerbHelo, command.VerbEhlo, command.VerbRset, command.VerbNoop,
		command.VerbQuit, command.VerbHelp, command.VerbUnknown:
		return true
	case command.VerbStartTLS, command.VerbAuth:
		return stage == envelope.StageConnect || stage == envelope.StageHelo
	case command.VerbMailFrom:
		return stage == envelope.StageHelo || stage == envelope.StageMailFrom
	case command.VerbRcptTo:
		return stage == envelope.StageMailFrom || stage == envelope.StageRcptTo
	case command.VerbData:
		return stage == envelope.StageRcptTo
	default:
		return true
	}
}

// emit runs reply through the hard/soft error-accounting path before
// handing it to the writer, and applies any out-of-band outcome the
// handler requested.
func (r *Receiver) emit(hctx *Context, verb wire.Verb, reply wire.Reply, stageBefore envelope.Stage) error {
	hard, soft := r.errs.Observe(reply)
	if hard {
		reply = r.handler.OnHardError(hctx, reply)
		r.state = StateClosing
	} else if soft {
		reply = r.handler.OnSoftError(hctx, reply)
	}

	if err := r.writer.Send(verb, reply); err != nil {
		return err
	}
	if hctx.Outcome() == OutcomeDeny {
		if err := r.writer.Flush(); err != nil {
			return err
		}
		r.state = StateClosing
	}
	hctx.reset()
	return nil
}

func (r *Receiver) doStartTLS(hctx *Context) error {
	reply := r.handler.OnStartTLS(hctx)
	hard, soft := r.errs.Observe(reply)
	if hard {
		reply = r.handler.OnHardError(hctx, reply)
	} else if soft {
		reply = r.handler.OnSoftError(hctx, reply)
	}
	if err := r.writer.SendDirect(reply); err != nil {
		return err
	}

	if hctx.Outcome() != OutcomeUpgradeTLS {
		if hard || hctx.Outcome() == OutcomeDeny {
			r.state = StateClosing
		}
		hctx.reset()
		return nil
	}

	cfg := hctx.TLSConfig()
	timeout := hctx.TLSTimeout()
	hctx.reset()

	tc := tls.Server(r.conn, cfg)
	if err := r.handshakeWithTimeout(tc); err != nil {
		r.state = StateClosing
		return nil
	}
	r.conn = tc
	r.reader = wire.NewReader(tc, r.opts.MaxLineSize, r.opts.PipeliningEnabled)
	r.writer = wire.NewWriter(tc)

	post := r.handler.OnPostTLSHandshake(hctx, tc.ConnectionState())
	return r.writer.SendDirect(post)
}

func (r *Receiver) handshakeWithTimeout(tc *tls.Conn) error {
	timeout := r.opts.TLSHandshakeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	tc.SetDeadline(time.Now().Add(timeout))
	defer tc.SetDeadline(time.Time{})
	return tc.Handshake()
}

func (r *Receiver) doAuth(hctx *Context, args command.AuthArgs) error {
	stage := r.handler.GetStage()
	reply, handled := r.handler.OnAuth(hctx, args)
	if handled {
		return r.emit(hctx, wire.VerbOther, reply, stage)
	}
	if hctx.Outcome() != OutcomeAuthenticate || r.opts.SASLServers == nil {
		hctx.reset()
		return r.writer.SendDirect(wire.NewReply(502, "Command not implemented"))
	}

	mech := hctx.Mechanism()
	initial := hctx.InitialResponse()
	hctx.reset()

	server, err := r.opts.SASLServers(mech)
	if err != nil {
		final := r.handler.OnPostAuth(hctx, err)
		return r.writer.SendDirect(final)
	}

	response := initial
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			final := r.handler.OnPostAuth(hctx, err)
			return r.writer.SendDirect(final)
		}
		if done {
			final := r.handler.OnPostAuth(hctx, nil)
			return r.writer.SendDirect(final)
		}

		b64 := base64.StdEncoding.EncodeToString(challenge)
		if err := r.writer.SendDirect(wire.NewReply(334, b64)); err != nil {
			return err
		}

		line, err := r.reader.ReadLine()
		if err != nil {
			return err
		}
		if string(line) == "*" {
			final := r.handler.OnPostAuth(hctx, ErrCanceled)
			return r.writer.SendDirect(final)
		}
		decoded, err := base64.StdEncoding.DecodeString(string(line))
		if err != nil {
			final := r.handler.OnPostAuth(hctx, err)
			return r.writer.SendDirect(final)
		}
		response = decoded
	}
}

func (r *Receiver) doData(hctx *Context) error {
	if err := r.writer.SendDirect(wire.NewReply(354, "Start mail input; end with <CRLF>.<CRLF>")); err != nil {
		return err
	}

	mr := wire.NewMessageReader(r.reader, r.handler.DataSizeLimit())
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		for {
			line, err := mr.ReadLine()
			if err != nil {
				if !errors.Is(err, wire.ErrDone) {
					var we *wire.Error
					if errors.As(err, &we) {
						pw.CloseWithError(we)
					} else {
						pw.CloseWithError(err)
					}
				}
				return
			}
			if _, err := pw.Write(append(line, '\r', '\n')); err != nil {
				return
			}
		}
	}()

	reply := r.handler.OnMessage(hctx, pr)
	return r.emit(hctx, wire.VerbData, reply, r.handler.GetStage())
}
