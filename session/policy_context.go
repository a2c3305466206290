package session

import "github.com/yonasBSD/vsmtpd/envelope"

// PolicyContext is the read/write view a Policy gets of the in-flight
// transaction. It wraps the envelope.Context so policies can inspect
// stage-gated fields without depending on the receiver or command packages.
type PolicyContext struct {
	Envelope *envelope.Context

	// RawCommand/RawArgs carry the triggering command text for policies
	// that want to log or pattern-match it (e.g. HELO string checks).
	RawCommand string
	RawArgs    string

	// Body carries the raw, undecoded message (header + body) once it has
	// been fully received. Only populated for StagePreQ: it is the one
	// policy stage that runs with the full message already in memory and
	// before it is written to the queue (e.g. DKIM verification).
	Body []byte
}
