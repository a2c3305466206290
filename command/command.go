// Package command implements the SMTP command parser (C4): verb dispatch
// and per-verb argument parsing, including the ESMTP MAIL FROM / RCPT TO
// extension parameters.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/wire"
)

// Verb identifies the parsed command.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbHelo
	VerbEhlo
	VerbMailFrom
	VerbRcptTo
	VerbData
	VerbQuit
	VerbRset
	VerbHelp
	VerbNoop
	VerbStartTLS
	VerbAuth
)

func (v Verb) String() string {
	switch v {
	case VerbHelo:
		return "HELO"
	case VerbEhlo:
		return "EHLO"
	case VerbMailFrom:
		return "MAIL"
	case VerbRcptTo:
		return "RCPT"
	case VerbData:
		return "DATA"
	case VerbQuit:
		return "QUIT"
	case VerbRset:
		return "RSET"
	case VerbHelp:
		return "HELP"
	case VerbNoop:
		return "NOOP"
	case VerbStartTLS:
		return "STARTTLS"
	case VerbAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// IsBufferable reports whether replies to this verb may be batched by the
// reply writer. Only EHLO, DATA, QUIT, and NOOP flush immediately.
func (v Verb) IsBufferable() bool {
	switch v {
	case VerbEhlo, VerbData, VerbQuit, VerbNoop:
		return false
	default:
		return true
	}
}

// WireVerb maps a parsed Verb onto wire.Verb, for the reply writer's
// bufferability decision.
func (v Verb) WireVerb() wire.Verb {
	switch v {
	case VerbEhlo:
		return wire.VerbEhlo
	case VerbData:
		return wire.VerbData
	case VerbQuit:
		return wire.VerbQuit
	case VerbNoop:
		return wire.VerbNoop
	default:
		return wire.VerbOther
	}
}

// Command is a parsed command line: the dispatched verb, its typed
// arguments (one of the *Args types below, or nil), and the raw argument
// text for Unknown verbs.
type Command struct {
	Verb    Verb
	Args    interface{}
	RawArgs string
}

// HeloArgs is the HELO argument.
type HeloArgs struct {
	ClientName envelope.ClientName
}

// EhloArgs is the EHLO argument.
type EhloArgs struct {
	ClientName envelope.ClientName
}

// MailFromArgs is the parsed MAIL FROM:<path> [params] line.
type MailFromArgs struct {
	ReversePath *envelope.Address
	Body        string // "", "7BIT", or "8BITMIME"
	Size        *int64
	SMTPUTF8    bool
	EnvID       *string
	Ret         envelope.DSNRet
}

// NotifyFlag is one bit of the RCPT TO NOTIFY= parameter.
type NotifyFlag int

const (
	NotifyDefault NotifyFlag = 0
	NotifyNever   NotifyFlag = 1 << iota
	NotifySuccess
	NotifyFailure
	NotifyDelay
)

// RcptToArgs is the parsed RCPT TO:<path> [params] line.
type RcptToArgs struct {
	ForwardPath envelope.Address
	ORcpt       *string
	Notify      NotifyFlag
}

// AuthArgs is the parsed AUTH mechanism [initial-response] line.
type AuthArgs struct {
	Mechanism        string
	InitialResponse  []byte
	HasInitialResp   bool
}

// ParseArgsError is returned for malformed command arguments; callers map
// it to a 501/553/552 reply at the handler boundary.
type ParseArgsError struct {
	Reason string
}

func (e *ParseArgsError) Error() string { return "command: " + e.Reason }

func argsErr(format string, a ...interface{}) error {
	return &ParseArgsError{Reason: fmt.Sprintf(format, a...)}
}

// dispatch is the fixed verb lookup table; verb matching is case-insensitive.
var dispatch = map[string]Verb{
	"HELO":     VerbHelo,
	"EHLO":     VerbEhlo,
	"MAIL":     VerbMailFrom,
	"RCPT":     VerbRcptTo,
	"DATA":     VerbData,
	"QUIT":     VerbQuit,
	"RSET":     VerbRset,
	"HELP":     VerbHelp,
	"NOOP":     VerbNoop,
	"STARTTLS": VerbStartTLS,
	"AUTH":     VerbAuth,
}

// Parse parses one command line (without CRLF) into a Command. Unknown
// verbs produce VerbUnknown carrying the original text in RawArgs.
func Parse(line string) (Command, error) {
	verbWord, rest := splitVerb(line)
	verb, ok := dispatch[strings.ToUpper(verbWord)]
	if !ok {
		return Command{Verb: VerbUnknown, RawArgs: line}, nil
	}

	switch verb {
	case VerbHelo:
		return parseHelo(rest)
	case VerbEhlo:
		return parseEhlo(rest)
	case VerbMailFrom:
		return parseMailFrom(rest)
	case VerbRcptTo:
		return parseRcptTo(rest)
	case VerbAuth:
		return parseAuth(rest)
	default:
		return Command{Verb: verb, RawArgs: rest}, nil
	}
}

// splitVerb splits "VERB rest-of-line" on the first run of whitespace,
// also handling the "MAIL FROM:" / "RCPT TO:" two-word verb forms by
// returning the first word only; callers of MAIL/RCPT strip "FROM:"/"TO:"
// from rest themselves.
func splitVerb(line string) (verb, rest string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i+1:], " \t")
}

func parseHelo(rest string) (Command, error) {
	if rest == "" {
		return Command{Verb: VerbHelo}, argsErr("HELO requires a domain argument")
	}
	cn, err := envelope.ParseClientName(rest)
	if err != nil {
		return Command{Verb: VerbHelo}, argsErr("invalid HELO argument: %v", err)
	}
	return Command{Verb: VerbHelo, Args: HeloArgs{ClientName: cn}}, nil
}

func parseEhlo(rest string) (Command, error) {
	if rest == "" {
		return Command{Verb: VerbEhlo}, argsErr("EHLO requires a domain argument")
	}
	cn, err := envelope.ParseClientName(rest)
	if err != nil {
		return Command{Verb: VerbEhlo}, argsErr("invalid EHLO argument: %v", err)
	}
	return Command{Verb: VerbEhlo, Args: EhloArgs{ClientName: cn}}, nil
}

// stripPathPrefix removes a leading case-insensitive "FROM:" or "TO:" and
// the angle brackets around the path, returning the bare address text
// (possibly empty for the null sender) and the trailing parameter string.
func stripPathPrefix(rest, prefix string) (path, params string, err error) {
	if len(rest) < len(prefix) || !strings.EqualFold(rest[:len(prefix)], prefix) {
		return "", "", argsErr("expected %q prefix", prefix)
	}
	rest = rest[len(prefix):]

	open := strings.IndexByte(rest, '<')
	close := strings.IndexByte(rest, '>')
	if open < 0 || close < 0 || close < open {
		return "", "", argsErr("missing angle-bracketed path")
	}
	path = rest[open+1 : close]
	params = strings.TrimSpace(rest[close+1:])
	return path, params, nil
}

func parseMailFrom(rest string) (Command, error) {
	path, params, err := stripPathPrefix(rest, "FROM:")
	if err != nil {
		return Command{Verb: VerbMailFrom}, err
	}

	args := MailFromArgs{}
	if path != "" {
		addr, err := envelope.ParseAddress(path)
		if err != nil {
			return Command{Verb: VerbMailFrom}, argsErr("invalid reverse-path: %v", err)
		}
		args.ReversePath = &addr
	}

	sizeSeen, bodySeen, utf8Seen, envidSeen, retSeen := false, false, false, false, false
	for _, kv := range splitParams(params) {
		key, val, _ := cutEq(kv)
		switch strings.ToUpper(key) {
		case "SIZE":
			if sizeSeen {
				return Command{Verb: VerbMailFrom}, argsErr("duplicate SIZE parameter")
			}
			if bodySeen {
				return Command{Verb: VerbMailFrom}, argsErr("SIZE must not appear after BODY")
			}
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Command{Verb: VerbMailFrom}, argsErr("invalid SIZE value %q", val)
			}
			args.Size = &n
			sizeSeen = true
		case "BODY":
			if bodySeen {
				return Command{Verb: VerbMailFrom}, argsErr("duplicate BODY parameter")
			}
			up := strings.ToUpper(val)
			if up != "7BIT" && up != "8BITMIME" {
				return Command{Verb: VerbMailFrom}, argsErr("invalid BODY value %q", val)
			}
			args.Body = up
			bodySeen = true
		case "SMTPUTF8":
			if utf8Seen {
				return Command{Verb: VerbMailFrom}, argsErr("duplicate SMTPUTF8 parameter")
			}
			args.SMTPUTF8 = true
			utf8Seen = true
		case "ENVID":
			if envidSeen {
				return Command{Verb: VerbMailFrom}, argsErr("duplicate ENVID parameter")
			}
			v := val
			args.EnvID = &v
			envidSeen = true
		case "RET":
			if retSeen {
				return Command{Verb: VerbMailFrom}, argsErr("duplicate RET parameter")
			}
			switch strings.ToUpper(val) {
			case "FULL":
				args.Ret = envelope.DSNRetFull
			case "HDRS":
				args.Ret = envelope.DSNRetHdrs
			default:
				return Command{Verb: VerbMailFrom}, argsErr("invalid RET value %q", val)
			}
			retSeen = true
		default:
			return Command{Verb: VerbMailFrom}, argsErr("unknown MAIL FROM parameter %q", key)
		}
	}

	if !args.SMTPUTF8 && args.ReversePath != nil && !isASCII(args.ReversePath.Full()) {
		return Command{Verb: VerbMailFrom}, argsErr("email unavailable: non-ASCII address without SMTPUTF8")
	}

	return Command{Verb: VerbMailFrom, Args: args}, nil
}

func parseRcptTo(rest string) (Command, error) {
	path, params, err := stripPathPrefix(rest, "TO:")
	if err != nil {
		return Command{Verb: VerbRcptTo}, err
	}
	if path == "" {
		return Command{Verb: VerbRcptTo}, argsErr("RCPT TO requires a non-empty path")
	}
	addr, err := envelope.ParseAddress(path)
	if err != nil {
		return Command{Verb: VerbRcptTo}, argsErr("invalid forward-path: %v", err)
	}

	args := RcptToArgs{ForwardPath: addr, Notify: NotifyDefault}
	orcptSeen, notifySeen := false, false
	for _, kv := range splitParams(params) {
		key, val, _ := cutEq(kv)
		switch strings.ToUpper(key) {
		case "ORCPT":
			if orcptSeen {
				return Command{Verb: VerbRcptTo}, argsErr("duplicate ORCPT parameter")
			}
			v := val
			args.ORcpt = &v
			orcptSeen = true
		case "NOTIFY":
			if notifySeen {
				return Command{Verb: VerbRcptTo}, argsErr("duplicate NOTIFY parameter")
			}
			flags, err := parseNotify(val)
			if err != nil {
				return Command{Verb: VerbRcptTo}, err
			}
			args.Notify = flags
			notifySeen = true
		default:
			return Command{Verb: VerbRcptTo}, argsErr("unknown RCPT TO parameter %q", key)
		}
	}
	if !notifySeen {
		args.Notify = NotifyFailure
	}

	return Command{Verb: VerbRcptTo, Args: args}, nil
}

func parseNotify(val string) (NotifyFlag, error) {
	parts := strings.Split(val, ",")
	var flags NotifyFlag
	hasNever := false
	for _, p := range parts {
		switch strings.ToUpper(strings.TrimSpace(p)) {
		case "NEVER":
			hasNever = true
			flags |= NotifyNever
		case "SUCCESS":
			flags |= NotifySuccess
		case "FAILURE":
			flags |= NotifyFailure
		case "DELAY":
			flags |= NotifyDelay
		default:
			return 0, argsErr("invalid NOTIFY value %q", p)
		}
	}
	if hasNever && flags != NotifyNever {
		return 0, argsErr("NOTIFY=NEVER is mutually exclusive with other values")
	}
	return flags, nil
}

func parseAuth(rest string) (Command, error) {
	if rest == "" {
		return Command{Verb: VerbAuth}, argsErr("AUTH requires a mechanism name")
	}
	parts := strings.SplitN(rest, " ", 2)
	args := AuthArgs{Mechanism: strings.ToUpper(parts[0])}
	if len(parts) == 2 && parts[1] != "" && parts[1] != "=" {
		args.HasInitialResp = true
		args.InitialResponse = []byte(parts[1])
	}
	return Command{Verb: VerbAuth, Args: args}, nil
}

// splitParams splits a space-separated "KEY=VALUE ..." parameter string.
func splitParams(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func cutEq(kv string) (key, val string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return kv, "", false
	}
	return kv[:i], kv[i+1:], true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
