// Package queue implements the on-disk queue manager (C8): atomic
// context/body persistence and rename-based moves between the working,
// deliver, deferred, delegated, dead, and quarantine/<name> queues.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/metrics"
	"github.com/yonasBSD/vsmtpd/transfer"
)

// Name identifies one queue directory.
type Name string

const (
	Working    Name = "working"
	Deliver    Name = "deliver"
	Deferred   Name = "deferred"
	Delegated  Name = "delegated"
	Dead       Name = "dead"
	quarantine Name = "quarantine"
)

// Quarantine returns the queue name for a named quarantine bucket
// (quarantine/<name>).
func Quarantine(name string) Name {
	return Name(string(quarantine) + "/" + name)
}

// StandardQueues lists every fixed (non-quarantine) queue, used to create
// the spool directory layout at startup.
var StandardQueues = []Name{Working, Deliver, Deferred, Delegated, Dead}

// ErrOrphan describes a context file that has no matching body file or
// vice versa. Orphans lists such ids and does not return this error.
var ErrOrphan = errors.New("queue: orphaned message (context/body mismatch)")

// Manager implements the §4.8 queue contract over a filesystem spool:
// <spool>/<queue>/<uuid> holds the serialized context, <spool>/mails/<uuid>
// holds the raw body. Context files never share a namespace across queues;
// a rename is the only legal way to move one.
type Manager struct {
	spoolDir string
}

// New creates a Manager rooted at spoolDir. It does not create directories;
// call Init first.
func New(spoolDir string) *Manager {
	return &Manager{spoolDir: spoolDir}
}

// Init creates the spool directory layout: one directory per standard
// queue plus the shared mails/ body directory.
func (m *Manager) Init() error {
	if err := os.MkdirAll(filepath.Join(m.spoolDir, "mails"), 0o750); err != nil {
		return err
	}
	for _, q := range StandardQueues {
		if err := os.MkdirAll(m.queueDir(q), 0o750); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) queueDir(q Name) string {
	return filepath.Join(m.spoolDir, filepath.FromSlash(string(q)))
}

// EnsureQuarantine creates the directory for a named quarantine bucket on
// first use.
func (m *Manager) EnsureQuarantine(name string) error {
	return os.MkdirAll(m.queueDir(Quarantine(name)), 0o750)
}

func (m *Manager) ctxPath(q Name, id uuid.UUID) string {
	return filepath.Join(m.queueDir(q), id.String())
}

func (m *Manager) msgPath(id uuid.UUID) string {
	return filepath.Join(m.spoolDir, "mails", id.String())
}

// serializedContext mirrors the subset of envelope.Context that survives
// persistence: the Finished-stage view plus the fields needed to rebuild a
// Context on load. Context itself intentionally exposes no exported fields
// (stage-gating lives in its accessor methods), so the queue package
// round-trips through this separate, plain-data shape.
type serializedContext struct {
	MessageUUID     uuid.UUID                 `json:"message_uuid"`
	ConnectUUID     uuid.UUID                 `json:"connect_uuid"`
	ReversePath     *string                   `json:"reverse_path"`
	ForwardPaths    []string                  `json:"forward_paths"`
	TransactionType string                    `json:"transaction_type"`
	Delegated       bool                      `json:"delegated"`
	Delivery        map[string][]deliveryRecord `json:"delivery"`
}

// deliveryRecord is the on-disk form of one envelope.DeliveryEntry.
type deliveryRecord struct {
	Recipient string              `json:"recipient"`
	Kind      string              `json:"kind"`
	Errors    []attemptErrorRecord `json:"errors,omitempty"`
	Denied    string              `json:"denied,omitempty"`
	Transport string              `json:"transport,omitempty"`
}

type attemptErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// WriteCtx atomically persists ctx's serialized form into queue, keyed by
// its message UUID. It writes to a ".new" sibling, fsyncs, then renames,
// matching the write pattern used throughout this codebase's other
// durable-metadata writers.
func (m *Manager) WriteCtx(q Name, sc serializedContext) error {
	path := m.ctxPath(q, sc.MessageUUID)
	tmp := path
	if runtime.GOOS != "windows" {
		tmp = path + ".new"
	}

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(sc); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}
	return nil
}

// WriteMsg atomically persists the raw message body under uuid in the
// shared mails/ namespace.
func (m *Manager) WriteMsg(id uuid.UUID, body []byte) error {
	path := m.msgPath(id)
	tmp := path
	if runtime.GOOS != "windows" {
		tmp = path + ".new"
	}

	if err := os.WriteFile(tmp, body, 0o640); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}
	return nil
}

// GetCtx reads the serialized context for id from queue.
func (m *Manager) GetCtx(q Name, id uuid.UUID) (serializedContext, error) {
	f, err := os.Open(m.ctxPath(q, id))
	if err != nil {
		return serializedContext{}, err
	}
	defer f.Close()

	var sc serializedContext
	if err := json.NewDecoder(f).Decode(&sc); err != nil {
		return serializedContext{}, err
	}
	return sc, nil
}

// GetMsg reads the raw body for id.
func (m *Manager) GetMsg(id uuid.UUID) ([]byte, error) {
	return os.ReadFile(m.msgPath(id))
}

// LoadContext reads and restores the envelope.Context for id from queue,
// without its body.
func (m *Manager) LoadContext(q Name, id uuid.UUID) (*envelope.Context, error) {
	sc, err := m.GetCtx(q, id)
	if err != nil {
		return nil, err
	}
	return ToContext(sc)
}

// HeldBackStats reports the most recent HeldBack error timestamp and the
// number of recipients currently HeldBack across envCtx's delivery map, for
// the deferred sweep's eligible_at computation (§4.12).
func HeldBackStats(envCtx *envelope.Context) (lastError time.Time, heldBackCount int) {
	delivery, err := envCtx.Delivery()
	if err != nil {
		return time.Time{}, 0
	}
	for _, entries := range delivery {
		for _, e := range entries {
			if e.Status.Kind != transfer.HeldBack {
				continue
			}
			heldBackCount++
			if ts := e.Status.LastErrorTimestamp(); ts.After(lastError) {
				lastError = ts
			}
		}
	}
	return lastError, heldBackCount
}

// GetBoth reads both the context and the body for id.
func (m *Manager) GetBoth(q Name, id uuid.UUID) (serializedContext, []byte, error) {
	sc, err := m.GetCtx(q, id)
	if err != nil {
		return serializedContext{}, nil, err
	}
	body, err := m.GetMsg(id)
	if err != nil {
		return serializedContext{}, nil, err
	}
	return sc, body, nil
}

// MoveTo atomically renames id's context file from one queue to another.
// The body file is never touched: it lives in a single shared namespace
// keyed by uuid for the message's entire lifetime.
func (m *Manager) MoveTo(from, to Name, id uuid.UUID) error {
	return os.Rename(m.ctxPath(from, id), m.ctxPath(to, id))
}

// RemoveBoth unlinks both the context and body files for id. Idempotent:
// a missing file is not an error.
func (m *Manager) RemoveBoth(q Name, id uuid.UUID) error {
	if err := os.Remove(m.ctxPath(q, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(m.msgPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List enumerates the message UUIDs currently present in queue.
func (m *Manager) List(q Name) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(m.queueDir(q))
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".new") {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReportQueueLengths sets metrics.QueueLength to the current message count
// of every standard queue. Called on a timer by the server's metrics
// exporter; List is cheap enough (a single ReadDir) for a periodic poll.
func (m *Manager) ReportQueueLengths() {
	for _, q := range StandardQueues {
		ids, err := m.List(q)
		if err != nil {
			continue
		}
		metrics.QueueLength.WithLabelValues(string(q)).Set(float64(len(ids)))
	}
}

// Orphans reports ids present in queue whose body file is missing. Body
// files that no queue references are not reported.
func (m *Manager) Orphans(q Name) (missingBody []uuid.UUID, err error) {
	ids, err := m.List(q)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := os.Stat(m.msgPath(id)); os.IsNotExist(err) {
			missingBody = append(missingBody, id)
		}
	}
	return missingBody, nil
}

// ToSerializedContext converts a Finished-stage envelope.Context into its
// on-disk form.
func ToSerializedContext(ctx *envelope.Context, delegated bool) (serializedContext, error) {
	uid, err := ctx.MessageUUID()
	if err != nil {
		return serializedContext{}, err
	}
	var reversePath *string
	if rp, err := ctx.ReversePath(); err == nil && rp != nil {
		s := rp.String()
		reversePath = &s
	}
	paths, err := ctx.ForwardPaths()
	if err != nil {
		return serializedContext{}, fmt.Errorf("queue: context has no forward paths: %w", err)
	}
	fps := make([]string, len(paths))
	for i, p := range paths {
		fps[i] = p.String()
	}
	tt, err := ctx.TransactionType()
	ttStr := ""
	if err == nil {
		ttStr = transactionTypeName(tt)
	}
	delivery, err := ctx.Delivery()
	if err != nil {
		return serializedContext{}, fmt.Errorf("queue: context has no delivery map: %w", err)
	}
	return serializedContext{
		MessageUUID:     uid,
		ConnectUUID:     ctx.ConnectUUID(),
		ReversePath:     reversePath,
		ForwardPaths:    fps,
		TransactionType: ttStr,
		Delegated:       delegated,
		Delivery:        serializeDelivery(delivery),
	}, nil
}

// ToContext rebuilds a Finished-stage envelope.Context from sc, the inverse
// of ToSerializedContext. It is used by the working, delivery, and deferred
// processors to resume a message loaded from disk.
func ToContext(sc serializedContext) (*envelope.Context, error) {
	var reversePath *envelope.Address
	if sc.ReversePath != nil {
		addr, err := envelope.ParseAddress(*sc.ReversePath)
		if err != nil {
			return nil, fmt.Errorf("queue: stored reverse path invalid: %w", err)
		}
		reversePath = &addr
	}

	forwardPaths := make([]envelope.Address, len(sc.ForwardPaths))
	for i, s := range sc.ForwardPaths {
		addr, err := envelope.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("queue: stored forward path invalid: %w", err)
		}
		forwardPaths[i] = addr
	}

	delivery, err := deserializeDelivery(sc.Delivery)
	if err != nil {
		return nil, err
	}

	return envelope.Restore(envelope.RestoreParams{
		ConnectUUID:     sc.ConnectUUID,
		MessageUUID:     sc.MessageUUID,
		ReversePath:     reversePath,
		ForwardPaths:    forwardPaths,
		Delivery:        delivery,
		TransactionType: parseTransactionType(sc.TransactionType),
	}), nil
}

func transactionTypeName(t envelope.TransactionType) string {
	switch t.Kind {
	case envelope.TransactionIncoming:
		if t.HasDomain {
			return "incoming:" + t.Domain
		}
		return "incoming"
	case envelope.TransactionOutgoing:
		return "outgoing:" + t.Domain
	case envelope.TransactionInternal:
		return "internal:" + t.Domain
	default:
		return "unknown"
	}
}

func parseTransactionType(s string) envelope.TransactionType {
	kind, rest, hasRest := strings.Cut(s, ":")
	switch kind {
	case "incoming":
		if hasRest {
			return envelope.TransactionType{Kind: envelope.TransactionIncoming, Domain: rest, HasDomain: true}
		}
		return envelope.TransactionType{Kind: envelope.TransactionIncoming}
	case "outgoing":
		return envelope.TransactionType{Kind: envelope.TransactionOutgoing, Domain: rest, HasDomain: true}
	case "internal":
		return envelope.TransactionType{Kind: envelope.TransactionInternal, Domain: rest, HasDomain: true}
	default:
		return envelope.TransactionType{}
	}
}

func statusKindName(k transfer.Kind) string {
	switch k {
	case transfer.Waiting:
		return "waiting"
	case transfer.Sent:
		return "sent"
	case transfer.HeldBack:
		return "held_back"
	case transfer.Failed:
		return "failed"
	default:
		return "waiting"
	}
}

func parseStatusKind(s string) transfer.Kind {
	switch s {
	case "sent":
		return transfer.Sent
	case "held_back":
		return transfer.HeldBack
	case "failed":
		return transfer.Failed
	default:
		return transfer.Waiting
	}
}

func serializeDelivery(delivery map[string][]envelope.DeliveryEntry) map[string][]deliveryRecord {
	out := make(map[string][]deliveryRecord, len(delivery))
	for transportName, entries := range delivery {
		recs := make([]deliveryRecord, len(entries))
		for i, e := range entries {
			rec := deliveryRecord{
				Recipient: e.Recipient.Full(),
				Kind:      statusKindName(e.Status.Kind),
				Denied:    e.Status.Reason.Denied,
				Transport: e.Status.Reason.Transport,
			}
			for _, ae := range e.Status.Errors {
				rec.Errors = append(rec.Errors, attemptErrorRecord{
					Timestamp: ae.Timestamp,
					Kind:      ae.Kind,
					Message:   ae.Message,
				})
			}
			recs[i] = rec
		}
		out[transportName] = recs
	}
	return out
}

func deserializeDelivery(recorded map[string][]deliveryRecord) (map[string][]envelope.DeliveryEntry, error) {
	out := make(map[string][]envelope.DeliveryEntry, len(recorded))
	for transportName, recs := range recorded {
		entries := make([]envelope.DeliveryEntry, len(recs))
		for i, rec := range recs {
			addr, err := envelope.ParseAddress(rec.Recipient)
			if err != nil {
				return nil, fmt.Errorf("queue: stored recipient invalid: %w", err)
			}
			status := transfer.Status{
				Kind:   parseStatusKind(rec.Kind),
				Reason: transfer.Reason{Denied: rec.Denied, Transport: rec.Transport},
			}
			for _, ae := range rec.Errors {
				status.Errors = append(status.Errors, transfer.AttemptError{
					Timestamp: ae.Timestamp,
					Kind:      ae.Kind,
					Message:   ae.Message,
				})
			}
			entries[i] = envelope.DeliveryEntry{Recipient: addr, Status: status}
		}
		out[transportName] = entries
	}
	return out, nil
}
