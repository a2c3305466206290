package wire

import (
	"bytes"
	"testing"
)

func TestWriterPipeliningOrdering(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// MAIL FROM and RCPT TO replies batch; DATA flushes everything first,
	// then writes its own reply directly.
	if err := w.Send(VerbOther, MustParseReply("250 Ok\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Send(VerbOther, MustParseReply("250 Ok\r\n")); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatalf("bufferable replies must not be written yet, got %q", buf.String())
	}
	if err := w.Send(VerbData, MustParseReply("354 Start mail input; end with <CRLF>.<CRLF>\r\n")); err != nil {
		t.Fatal(err)
	}

	want := "250 Ok\r\n250 Ok\r\n354 Start mail input; end with <CRLF>.<CRLF>\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestErrorCounterThresholds(t *testing.T) {
	c := NewErrorCounter(3, 5)
	var lastHard, lastSoft bool
	for i := 0; i < 5; i++ {
		lastHard, lastSoft = c.Observe(MustParseReply("550 no\r\n"))
	}
	if c.Count() != 5 {
		t.Fatalf("count = %d, want 5", c.Count())
	}
	if !lastHard {
		t.Error("expected hard threshold reached at 5th error")
	}
	if lastSoft {
		t.Error("hard takes priority over soft once both are satisfied")
	}
}
