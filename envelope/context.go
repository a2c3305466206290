package envelope

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yonasBSD/vsmtpd/transfer"
)

// Stage is one of the five states a Context passes through. It never
// decreases except on RSET, which resets it to Helo.
type Stage int

const (
	StageConnect Stage = iota
	StageHelo
	StageMailFrom
	StageRcptTo
	StageFinished
)

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "Connect"
	case StageHelo:
		return "Helo"
	case StageMailFrom:
		return "MailFrom"
	case StageRcptTo:
		return "RcptTo"
	case StageFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// FieldAccessError is returned by a stage-gated accessor when the context
// has not yet reached the stage that field requires.
type FieldAccessError struct {
	Field      string
	FromStages []Stage
}

func (e *FieldAccessError) Error() string {
	names := make([]string, len(e.FromStages))
	for i, s := range e.FromStages {
		names[i] = s.String()
	}
	return fmt.Sprintf("field '%s' is available in [%s]", e.Field, strings.Join(names, ", "))
}

func fieldErr(field string, from ...Stage) error {
	return &FieldAccessError{Field: field, FromStages: from}
}

// stagesFrom returns every stage from s through Finished, for error messages.
func stagesFrom(s Stage) []Stage {
	out := make([]Stage, 0, StageFinished-s+1)
	for st := s; st <= StageFinished; st++ {
		out = append(out, st)
	}
	return out
}

// TlsProperties is captured post-STARTTLS/post-tunnel-handshake. Once set
// it is monotonic for the life of the connection.
type TlsProperties struct {
	ServerName      string
	ProtocolVersion string
	CipherSuite     string
	PeerCertSubject string
}

// Credentials identifies an authenticated principal.
type Credentials struct {
	Mechanism string
	Identity  string
}

// AuthProperties tracks SASL authentication state. CancelCount increments
// on each client-canceled exchange; Authenticated is monotonic once true.
type AuthProperties struct {
	Authenticated bool
	CancelCount   int
	Credentials   *Credentials
}

// DSNRet is the MAIL FROM RET= parameter value.
type DSNRet int

const (
	DSNRetUnset DSNRet = iota
	DSNRetFull
	DSNRetHdrs
)

// TransactionTypeKind tags the Incoming/Outgoing/Internal classification.
type TransactionTypeKind int

const (
	TransactionIncoming TransactionTypeKind = iota
	TransactionOutgoing
	TransactionInternal
)

// TransactionType is the routing classification derived in §4.6.
type TransactionType struct {
	Kind TransactionTypeKind
	// Domain is set for Incoming when the recipient domain is locally
	// served, and for Outgoing (the sender's domain).
	Domain string
	// HasDomain distinguishes Incoming(Some(domain)) from Incoming(None).
	HasDomain bool
}

// DeliveryEntry pairs a recipient with its current transfer status under a
// given transport.
type DeliveryEntry struct {
	Recipient Address
	Status    transfer.Status
}

// DkimResult is the Finished-stage DKIM verification/signing outcome.
type DkimResult struct {
	Verified bool
	Domain   string
	Selector string
}

// SpfResult is the MailFrom-stage SPF check outcome (if a policy stage ran
// it).
type SpfResult struct {
	Result string // "pass", "fail", "softfail", "neutral", "none", "temperror", "permerror"
}

// Context is the tagged, stage-gated envelope. Every field is physically
// present from construction; accessors enforce that callers only read
// fields valid at the current stage, returning a FieldAccessError
// otherwise. This is the Go stand-in for compile-time distinct-types-per-
// stage: a single struct with a runtime-checked stage tag.
type Context struct {
	stage Stage

	// Connect
	connectTimestamp time.Time
	connectUUID      uuid.UUID
	clientAddr       net.Addr
	serverAddr       net.Addr
	serverName       string
	tls              *TlsProperties
	auth             *AuthProperties
	skipped          interface{} // session.Verdict, opaque here to avoid an import cycle

	// Helo
	clientName      ClientName
	usingDeprecated bool

	// MailFrom
	reversePath   *Address
	mailTimestamp time.Time
	messageUUID   uuid.UUID
	utf8          bool
	sizeHint      *int64
	envelopeID    *string
	dsnRet        DSNRet
	spf           *SpfResult

	// RcptTo
	forwardPaths    []Address
	delivery        map[string][]DeliveryEntry
	transactionType TransactionType

	// Finished
	dkim *DkimResult
}

// NewConnect constructs a fresh Context at the Connect stage.
func NewConnect(connectUUID uuid.UUID, timestamp time.Time, clientAddr, serverAddr net.Addr, serverName string) *Context {
	return &Context{
		stage:            StageConnect,
		connectTimestamp: timestamp,
		connectUUID:      connectUUID,
		clientAddr:       clientAddr,
		serverAddr:       serverAddr,
		serverName:       serverName,
		delivery:         map[string][]DeliveryEntry{},
	}
}

// Stage returns the current stage.
func (c *Context) Stage() Stage { return c.stage }

// --- Connect-stage fields (always available) ---

func (c *Context) ConnectTimestamp() time.Time { return c.connectTimestamp }
func (c *Context) ConnectUUID() uuid.UUID      { return c.connectUUID }
func (c *Context) ClientAddr() net.Addr        { return c.clientAddr }
func (c *Context) ServerAddr() net.Addr        { return c.serverAddr }
func (c *Context) ServerName() string          { return c.serverName }

// Tls returns TLS properties, nil if not yet secured.
func (c *Context) Tls() *TlsProperties { return c.tls }

func (c *Context) IsSecured() bool { return c.tls != nil }

func (c *Context) SetTls(props TlsProperties) { c.tls = &props }

// Auth returns auth properties, nil if AUTH was never initiated.
func (c *Context) Auth() *AuthProperties { return c.auth }

func (c *Context) AuthMut() *AuthProperties {
	if c.auth == nil {
		c.auth = &AuthProperties{}
	}
	return c.auth
}

func (c *Context) WithCredentials(creds Credentials) {
	a := c.AuthMut()
	a.Credentials = &creds
}

// Skipped returns the opaque skip-state set by DelegationResult-bound
// connections; stored as interface{} to avoid envelope depending on the
// session package's Verdict type.
func (c *Context) Skipped() interface{}     { return c.skipped }
func (c *Context) SetSkipped(v interface{}) { c.skipped = v }

// --- Helo-stage fields ---

func (c *Context) ClientName() (ClientName, error) {
	if c.stage < StageHelo {
		return ClientName{}, fieldErr("client_name", stagesFrom(StageHelo)...)
	}
	return c.clientName, nil
}

func (c *Context) UsingDeprecated() (bool, error) {
	if c.stage < StageHelo {
		return false, fieldErr("using_deprecated", stagesFrom(StageHelo)...)
	}
	return c.usingDeprecated, nil
}

// ToHelo transitions Connect/Helo -> Helo, recording the client name.
// usingDeprecated is true for HELO, false for EHLO.
func (c *Context) ToHelo(name ClientName, usingDeprecated bool) error {
	if c.stage > StageHelo {
		return fmt.Errorf("envelope: cannot transition to Helo from %s", c.stage)
	}
	c.stage = StageHelo
	c.clientName = name
	c.usingDeprecated = usingDeprecated
	return nil
}

// --- MailFrom-stage fields ---

func (c *Context) ReversePath() (*Address, error) {
	if c.stage < StageMailFrom {
		return nil, fieldErr("reverse_path", stagesFrom(StageMailFrom)...)
	}
	return c.reversePath, nil
}

func (c *Context) MailTimestamp() (time.Time, error) {
	if c.stage < StageMailFrom {
		return time.Time{}, fieldErr("mail_timestamp", stagesFrom(StageMailFrom)...)
	}
	return c.mailTimestamp, nil
}

func (c *Context) MessageUUID() (uuid.UUID, error) {
	if c.stage < StageMailFrom {
		return uuid.UUID{}, fieldErr("message_uuid", stagesFrom(StageMailFrom)...)
	}
	return c.messageUUID, nil
}

func (c *Context) IsUtf8Advertised() (bool, error) {
	if c.stage < StageMailFrom {
		return false, fieldErr("utf8", stagesFrom(StageMailFrom)...)
	}
	return c.utf8, nil
}

func (c *Context) SizeHint() (*int64, error) {
	if c.stage < StageMailFrom {
		return nil, fieldErr("size_hint", stagesFrom(StageMailFrom)...)
	}
	return c.sizeHint, nil
}

func (c *Context) EnvelopeID() (*string, error) {
	if c.stage < StageMailFrom {
		return nil, fieldErr("envelope_id", stagesFrom(StageMailFrom)...)
	}
	return c.envelopeID, nil
}

func (c *Context) DsnRet() (DSNRet, error) {
	if c.stage < StageMailFrom {
		return DSNRetUnset, fieldErr("dsn_ret", stagesFrom(StageMailFrom)...)
	}
	return c.dsnRet, nil
}

func (c *Context) Spf() (*SpfResult, error) {
	if c.stage < StageMailFrom {
		return nil, fieldErr("spf", stagesFrom(StageMailFrom)...)
	}
	return c.spf, nil
}

func (c *Context) SetSpf(result SpfResult) error {
	if c.stage < StageMailFrom {
		return fieldErr("spf", stagesFrom(StageMailFrom)...)
	}
	c.spf = &result
	return nil
}

// MailFromParams carries the parsed MAIL FROM parameters relevant to the
// context transition.
type MailFromParams struct {
	ReversePath *Address
	UseSMTPUTF8 bool
	SizeHint    *int64
	EnvelopeID  *string
	DsnRet      DSNRet
}

// ToMailFrom transitions Helo/MailFrom -> MailFrom. message_uuid is
// regenerated only on the first Helo->MailFrom transition in a
// transaction, not on a later MAIL FROM that replaces the reverse path
// after an earlier one in the same stage (RSET always returns to Helo
// first, so re-entry at MailFrom without an intervening RSET keeps the
// original uuid).
func (c *Context) ToMailFrom(p MailFromParams) error {
	if c.stage > StageMailFrom {
		return fmt.Errorf("envelope: cannot transition to MailFrom from %s", c.stage)
	}
	first := c.stage == StageHelo
	c.stage = StageMailFrom
	c.reversePath = p.ReversePath
	c.mailTimestamp = time.Now()
	c.utf8 = p.UseSMTPUTF8
	c.sizeHint = p.SizeHint
	c.envelopeID = p.EnvelopeID
	c.dsnRet = p.DsnRet
	if first {
		c.messageUUID = uuid.New()
	}
	return nil
}

// GenerateMessageID forces a fresh message_uuid; used when an Internal
// transaction context is split off from the outer one (§4.6).
func (c *Context) GenerateMessageID() error {
	if c.stage < StageMailFrom {
		return fieldErr("message_uuid", stagesFrom(StageMailFrom)...)
	}
	c.messageUUID = uuid.New()
	return nil
}

// --- RcptTo-stage fields ---

func (c *Context) ForwardPaths() ([]Address, error) {
	if c.stage < StageRcptTo {
		return nil, fieldErr("forward_paths", stagesFrom(StageRcptTo)...)
	}
	return c.forwardPaths, nil
}

func (c *Context) Delivery() (map[string][]DeliveryEntry, error) {
	if c.stage < StageRcptTo {
		return nil, fieldErr("delivery", stagesFrom(StageRcptTo)...)
	}
	return c.delivery, nil
}

func (c *Context) DeliveryMut() (map[string][]DeliveryEntry, error) {
	if c.stage < StageRcptTo {
		return nil, fieldErr("delivery", stagesFrom(StageRcptTo)...)
	}
	return c.delivery, nil
}

func (c *Context) TransactionType() (TransactionType, error) {
	if c.stage < StageRcptTo {
		return TransactionType{}, fieldErr("transaction_type", stagesFrom(StageRcptTo)...)
	}
	return c.transactionType, nil
}

func (c *Context) SetTransactionType(t TransactionType) error {
	if c.stage < StageRcptTo {
		return fieldErr("transaction_type", stagesFrom(StageRcptTo)...)
	}
	c.transactionType = t
	return nil
}

// AddForwardPath appends addr to forward_paths and creates its delivery
// entry under the named transport, advancing to RcptTo on the first call.
func (c *Context) AddForwardPath(addr Address, transportName string) error {
	if c.stage < StageMailFrom {
		return fmt.Errorf("envelope: cannot add recipient before MailFrom")
	}
	if c.stage < StageRcptTo {
		c.stage = StageRcptTo
	}
	c.forwardPaths = append(c.forwardPaths, addr)
	c.delivery[transportName] = append(c.delivery[transportName], DeliveryEntry{
		Recipient: addr,
		Status:    transfer.NewWaiting(),
	})
	return nil
}

// RemoveForwardPath removes addr from forward_paths and every delivery
// bucket it appears in.
func (c *Context) RemoveForwardPath(addr Address) error {
	if c.stage < StageRcptTo {
		return fieldErr("forward_paths", stagesFrom(StageRcptTo)...)
	}
	for i, fp := range c.forwardPaths {
		if fp.Equal(addr) {
			c.forwardPaths = append(c.forwardPaths[:i], c.forwardPaths[i+1:]...)
			break
		}
	}
	for transport, entries := range c.delivery {
		for i, e := range entries {
			if e.Recipient.Equal(addr) {
				c.delivery[transport] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
	return nil
}

// SetTransportForOne moves addr's delivery entry to transportName,
// preserving its current status.
func (c *Context) SetTransportForOne(addr Address, transportName string) error {
	if c.stage < StageRcptTo {
		return fieldErr("delivery", stagesFrom(StageRcptTo)...)
	}
	for transport, entries := range c.delivery {
		for i, e := range entries {
			if e.Recipient.Equal(addr) {
				c.delivery[transport] = append(entries[:i], entries[i+1:]...)
				c.delivery[transportName] = append(c.delivery[transportName], e)
				return nil
			}
		}
	}
	return fmt.Errorf("envelope: recipient %s not found in delivery map", addr)
}

// SetTransportForeach reassigns every recipient's delivery entry to
// transportName.
func (c *Context) SetTransportForeach(transportName string) error {
	if c.stage < StageRcptTo {
		return fieldErr("delivery", stagesFrom(StageRcptTo)...)
	}
	merged := c.delivery[transportName]
	for t, entries := range c.delivery {
		if t == transportName {
			continue
		}
		merged = append(merged, entries...)
		delete(c.delivery, t)
	}
	c.delivery[transportName] = merged
	return nil
}

// --- Finished-stage fields ---

func (c *Context) Dkim() (*DkimResult, error) {
	if c.stage < StageFinished {
		return nil, fieldErr("dkim", stagesFrom(StageFinished)...)
	}
	return c.dkim, nil
}

func (c *Context) SetDkim(result DkimResult) error {
	if c.stage < StageFinished {
		return fieldErr("dkim", stagesFrom(StageFinished)...)
	}
	c.dkim = &result
	return nil
}

// ToFinished transitions RcptTo -> Finished.
func (c *Context) ToFinished() error {
	if c.stage != StageRcptTo {
		return fmt.Errorf("envelope: cannot transition to Finished from %s", c.stage)
	}
	c.stage = StageFinished
	return nil
}

// Reset restores the context to Helo, preserving Connect and Helo
// sub-records and discarding everything from MailFrom onward. This is the
// only legal "downgrade", per RSET semantics.
func (c *Context) Reset() {
	c.stage = StageHelo
	c.reversePath = nil
	c.mailTimestamp = time.Time{}
	c.messageUUID = uuid.UUID{}
	c.utf8 = false
	c.sizeHint = nil
	c.envelopeID = nil
	c.dsnRet = DSNRetUnset
	c.spf = nil
	c.forwardPaths = nil
	c.delivery = map[string][]DeliveryEntry{}
	c.transactionType = TransactionType{}
	c.dkim = nil
}

// RestoreParams carries the subset of a Finished-stage Context that survives
// a round trip through the queue manager's on-disk serialization.
type RestoreParams struct {
	ConnectUUID     uuid.UUID
	MessageUUID     uuid.UUID
	ReversePath     *Address
	ForwardPaths    []Address
	Delivery        map[string][]DeliveryEntry
	TransactionType TransactionType
	Skipped         interface{}
}

// Restore rebuilds a Finished-stage Context from a queue manager record. It
// bypasses the normal stage-by-stage constructors since a reloaded message
// has already completed reception; the working/delivery/deferred processors
// are the only callers.
func Restore(p RestoreParams) *Context {
	delivery := p.Delivery
	if delivery == nil {
		delivery = map[string][]DeliveryEntry{}
	}
	return &Context{
		stage:           StageFinished,
		connectUUID:     p.ConnectUUID,
		messageUUID:     p.MessageUUID,
		reversePath:     p.ReversePath,
		forwardPaths:    p.ForwardPaths,
		delivery:        delivery,
		transactionType: p.TransactionType,
		skipped:         p.Skipped,
	}
}

// Clone performs a deep-enough copy for splitting an Internal transaction
// context off from the outer one (§4.6): forward_paths/delivery are
// copied by value so mutating one copy does not affect the other.
func (c *Context) Clone() *Context {
	cp := *c
	cp.forwardPaths = append([]Address(nil), c.forwardPaths...)
	cp.delivery = make(map[string][]DeliveryEntry, len(c.delivery))
	for k, v := range c.delivery {
		cp.delivery[k] = append([]DeliveryEntry(nil), v...)
	}
	return &cp
}
