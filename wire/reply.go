// Package wire implements the SMTP wire-protocol primitives: reply
// formatting (C1), the CRLF line framer with pipelined batch decoding (C2),
// and the buffering reply writer with soft/hard error accounting (C3).
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply is a numeric three-digit SMTP reply code plus an ordered sequence
// of text lines. Multi-line replies use '-' between code and text on every
// line but the last, which uses a space.
type Reply struct {
	Code  int
	Lines []string
}

// NewReply builds a single-line reply.
func NewReply(code int, line string) Reply {
	return Reply{Code: code, Lines: []string{line}}
}

// ParseReply parses one or more CRLF-terminated "NNN[- ]text" lines into a
// Reply. Continuation lines (fourth byte '-') are accumulated until a line
// whose fourth byte is a space.
func ParseReply(s string) (Reply, error) {
	lines := strings.Split(strings.TrimRight(s, "\r\n"), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return Reply{}, fmt.Errorf("wire: empty reply")
	}

	var code int
	var texts []string
	for i, line := range lines {
		if len(line) < 3 {
			return Reply{}, fmt.Errorf("wire: malformed reply line %q", line)
		}
		c, err := strconv.Atoi(line[:3])
		if err != nil {
			return Reply{}, fmt.Errorf("wire: bad reply code %q: %w", line[:3], err)
		}
		if i == 0 {
			code = c
		} else if c != code {
			return Reply{}, fmt.Errorf("wire: reply code mismatch in continuation: %d != %d", c, code)
		}

		sep := byte(' ')
		text := ""
		if len(line) > 3 {
			sep = line[3]
			text = line[4:]
		}
		texts = append(texts, text)

		isLast := i == len(lines)-1
		if isLast && sep != ' ' {
			return Reply{}, fmt.Errorf("wire: last reply line must use space separator")
		}
		if !isLast && sep != '-' {
			return Reply{}, fmt.Errorf("wire: non-last reply line must use '-' separator")
		}
	}

	return Reply{Code: code, Lines: texts}, nil
}

// String serializes the reply to its CRLF wire form.
func (r Reply) String() string {
	var b strings.Builder
	for i, line := range r.Lines {
		sep := byte('-')
		if i == len(r.Lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(&b, "%03d%c%s\r\n", r.Code, sep, line)
	}
	return b.String()
}

// Bytes is a convenience wrapper over String for writers.
func (r Reply) Bytes() []byte {
	return []byte(r.String())
}

// IsError reports whether the reply's code falls in 4yz or 5yz.
func (r Reply) IsError() bool {
	class := r.Code / 100
	return class == 4 || class == 5
}

// Extended appends other's lines to r, returning a new Reply. Used to tack
// a "too many errors" tail line onto an existing reply (hard-error path).
func (r Reply) Extended(other Reply) Reply {
	lines := make([]string, 0, len(r.Lines)+len(other.Lines))
	lines = append(lines, r.Lines...)
	lines = append(lines, other.Lines...)
	return Reply{Code: r.Code, Lines: lines}
}

// MustParseReply parses s and panics on error; used for static reply
// literals defined at init time.
func MustParseReply(s string) Reply {
	r, err := ParseReply(s)
	if err != nil {
		panic(err)
	}
	return r
}
