package wire

import (
	"bufio"
	"io"
)

// Verb identifies the command a reply is answering, to decide whether the
// reply writer may batch it. Declared here (rather than imported from
// command) to keep wire free of a dependency on the parser package; the
// command package's Verb values map onto these via IsBufferable.
type Verb int

const (
	VerbOther Verb = iota
	VerbEhlo
	VerbData
	VerbQuit
	VerbNoop
)

// IsBufferable reports whether a reply to this verb may be held in the
// writer's buffer rather than flushed immediately. Only EHLO, DATA, QUIT,
// and NOOP flush immediately; every other verb may batch, which is what
// lets the receiver answer a pipelined run of commands with one write.
func (v Verb) IsBufferable() bool {
	switch v {
	case VerbEhlo, VerbData, VerbQuit, VerbNoop:
		return false
	default:
		return true
	}
}

// ErrorCounter tracks per-connection error-reply accounting (§4.2):
// every 4yz/5yz reply increments the counter; two independently
// configured thresholds (soft, hard; -1 disables) flag when the handler
// should apply a delay, or close the connection, respectively.
type ErrorCounter struct {
	count            int
	thresholdSoft    int
	thresholdHard    int
}

// NewErrorCounter builds a counter with the given soft/hard thresholds;
// -1 disables a threshold.
func NewErrorCounter(soft, hard int) *ErrorCounter {
	return &ErrorCounter{thresholdSoft: soft, thresholdHard: hard}
}

// Count returns the current error count.
func (c *ErrorCounter) Count() int { return c.count }

// Observe records reply r, incrementing the error count if it is 4yz/5yz,
// and reports whether the hard threshold has now been reached (checked
// first, since it takes priority over the soft threshold) or the soft
// threshold has been reached.
func (c *ErrorCounter) Observe(r Reply) (hard, soft bool) {
	if !r.IsError() {
		return false, false
	}
	c.count++
	if c.thresholdHard >= 0 && c.count >= c.thresholdHard {
		return true, false
	}
	if c.thresholdSoft >= 0 && c.count >= c.thresholdSoft {
		return false, true
	}
	return false, false
}

// Writer buffers outgoing replies per the verb's bufferability and flushes
// on demand, preserving strict request/reply ordering under pipelining:
// before flushing a bufferable reply's write is appended to the buffer;
// a non-bufferable reply first flushes anything already pending, then is
// written directly (bypassing the buffer), so the client never sees it
// reordered behind earlier buffered output.
type Writer struct {
	w       *bufio.Writer
	pending []Reply
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Send queues (or immediately sends) reply for verb. Callers that need the
// write to happen synchronously regardless of bufferability should call
// SendDirect instead (used for accept/TLS/auth replies, which are never
// subject to pipelining).
func (w *Writer) Send(verb Verb, r Reply) error {
	if verb.IsBufferable() {
		w.pending = append(w.pending, r)
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return w.writeDirect(r)
}

// SendDirect bypasses buffering entirely.
func (w *Writer) SendDirect(r Reply) error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.writeDirect(r)
}

func (w *Writer) writeDirect(r Reply) error {
	if _, err := w.w.Write(r.Bytes()); err != nil {
		return err
	}
	return w.w.Flush()
}

// Flush writes and clears any buffered replies as one concatenated write,
// called at the end of a pipelined batch or before a non-bufferable reply.
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	var buf []byte
	for _, r := range w.pending {
		buf = append(buf, r.Bytes()...)
	}
	w.pending = w.pending[:0]
	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	return w.w.Flush()
}
