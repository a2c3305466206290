package wire

import (
	"bufio"
	"bytes"
	"io"
)

// MaxLineSize is the default per-command maximum, large enough to hold
// AUTH initial responses up to typical SASL limits plus SMTPUTF8 headroom.
const MaxLineSize = 1024

// Reader decodes a byte stream into CRLF-terminated lines, in either
// single-line mode or pipelined "window" mode. It never reorders lines; a
// partial trailing line is preserved across reads.
type Reader struct {
	br         *bufio.Reader
	maxLine    int
	pipelining bool
	partial    []byte
}

// NewReader wraps r. pipelining enables window-mode batch reads; it should
// be set once PIPELINING has been advertised to the client.
func NewReader(r io.Reader, maxLine int, pipelining bool) *Reader {
	if maxLine <= 0 {
		maxLine = MaxLineSize
	}
	return &Reader{br: bufio.NewReaderSize(r, maxLine*4), maxLine: maxLine, pipelining: pipelining}
}

// SetPipelining toggles window-mode batch reads.
func (r *Reader) SetPipelining(enabled bool) { r.pipelining = enabled }

// ReadLine reads exactly one CRLF-terminated line (without the CRLF),
// enforcing the maximum line size. Used in line mode.
func (r *Reader) ReadLine() ([]byte, error) {
	line, err := r.readOneLine()
	if err != nil {
		return nil, err
	}
	return line, nil
}

// ReadWindow reads as much as is immediately available (at least one full
// line), splitting every CRLF-terminated line found, and returns the whole
// batch. In non-pipelining mode it behaves like ReadLine wrapped in a
// single-element batch. A partial trailing line (no terminating CRLF yet)
// is buffered internally and prefixed onto the next read.
func (r *Reader) ReadWindow() ([][]byte, error) {
	first, err := r.readOneLine()
	if err != nil {
		return nil, err
	}
	batch := [][]byte{first}

	if !r.pipelining {
		return batch, nil
	}

	for r.br.Buffered() > 0 {
		line, err := r.tryReadBufferedLine()
		if err != nil {
			if err == errNoCompleteLine {
				break
			}
			return batch, err
		}
		if line == nil {
			break
		}
		batch = append(batch, line)
	}
	return batch, nil
}

var errNoCompleteLine = io.ErrNoProgress

// tryReadBufferedLine returns a line only if it is already fully buffered
// (no blocking read), so ReadWindow never blocks mid-batch.
func (r *Reader) tryReadBufferedLine() ([]byte, error) {
	peek, _ := r.br.Peek(r.br.Buffered())
	idx := bytes.Index(peek, []byte("\r\n"))
	if idx < 0 {
		return nil, errNoCompleteLine
	}
	if idx > r.maxLine {
		r.br.Discard(idx + 2)
		return nil, BufferTooLong(r.maxLine, idx)
	}
	line := make([]byte, idx)
	copy(line, peek[:idx])
	r.br.Discard(idx + 2)
	return line, nil
}

// readOneLine performs a (possibly blocking) read of the next CRLF line,
// enforcing MaxLineSize.
func (r *Reader) readOneLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == '\n' {
			out := buf.Bytes()
			if len(out) > 0 && out[len(out)-1] == '\r' {
				out = out[:len(out)-1]
			}
			line := make([]byte, len(out))
			copy(line, out)
			return line, nil
		}
		buf.WriteByte(b)
		if buf.Len() > r.maxLine {
			// Drain to the next CRLF so the connection can still be
			// told "line too long" with a clean resync point.
			for {
				c, err := r.br.ReadByte()
				if err != nil {
					break
				}
				if c == '\n' {
					break
				}
			}
			return nil, BufferTooLong(r.maxLine, buf.Len())
		}
	}
}

// MessageReader wraps Reader for the DATA body sub-stream: it reverses
// dot-stuffing (a leading '.' on a line is stripped; a bare "." ends the
// body) and enforces a cumulative size limit.
type MessageReader struct {
	r        *Reader
	limit    int64
	read     int64
	finished bool
}

// NewMessageReader builds a DATA-body reader with the given cumulative
// size limit (0 disables the limit).
func NewMessageReader(r *Reader, limit int64) *MessageReader {
	return &MessageReader{r: r, limit: limit}
}

// ErrDone is returned by ReadLine once the terminating bare "." has been
// consumed.
var ErrDone = io.EOF

// ReadLine returns the next undot-stuffed body line, or ErrDone when the
// terminator has been reached.
func (m *MessageReader) ReadLine() ([]byte, error) {
	if m.finished {
		return nil, ErrDone
	}
	line, err := m.r.ReadLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 1 && line[0] == '.' {
		m.finished = true
		return nil, ErrDone
	}
	if len(line) > 0 && line[0] == '.' {
		line = line[1:]
	}

	m.read += int64(len(line)) + 2
	if m.limit > 0 && m.read > m.limit {
		return nil, BufferTooLong(int(m.limit), int(m.read))
	}
	return line, nil
}

// ReplyReader accumulates continuation lines ("NNN-...") of a reply stream
// (e.g. replies relayed from a downstream peer) until a line whose fourth
// byte is a space, then parses the whole group as a single Reply.
type ReplyReader struct {
	r *Reader
}

// NewReplyReader wraps r for reply-stream parsing.
func NewReplyReader(r *Reader) *ReplyReader { return &ReplyReader{r: r} }

// ReadReply reads one (possibly multi-line) reply.
func (rr *ReplyReader) ReadReply() (Reply, error) {
	var sb []byte
	for {
		line, err := rr.r.ReadLine()
		if err != nil {
			return Reply{}, err
		}
		sb = append(sb, line...)
		sb = append(sb, '\r', '\n')
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}
	return ParseReply(string(sb))
}
