package wire

import "testing"

func TestReplyRoundTrip(t *testing.T) {
	cases := []string{
		"250 Ok\r\n",
		"250-testserver.com\r\n250-8BITMIME\r\n250 SIZE 20000000\r\n",
		"554 5.5.1 Error: TLS already active\r\n",
	}
	for _, c := range cases {
		r, err := ParseReply(c)
		if err != nil {
			t.Fatalf("ParseReply(%q): %v", c, err)
		}
		if got := r.String(); got != c {
			t.Errorf("round trip mismatch: got %q, want %q", got, c)
		}
	}
}

func TestReplyIsError(t *testing.T) {
	if !MustParseReply("452 too many recipients\r\n").IsError() {
		t.Error("452 should be an error reply")
	}
	if !MustParseReply("550 no such user\r\n").IsError() {
		t.Error("550 should be an error reply")
	}
	if MustParseReply("250 Ok\r\n").IsError() {
		t.Error("250 should not be an error reply")
	}
}

func TestReplyExtended(t *testing.T) {
	base := MustParseReply("554 5.5.1 too many errors\r\n")
	tail := MustParseReply("451 Too many errors from the client\r\n")
	got := base.Extended(tail)
	want := "554-5.5.1 too many errors\r\n554 Too many errors from the client\r\n"
	if got.String() != want {
		t.Errorf("Extended = %q, want %q", got.String(), want)
	}
}
