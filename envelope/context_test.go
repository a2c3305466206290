package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFieldAccessErrorMessage(t *testing.T) {
	ctx := NewConnect(uuid.New(), time.Now(), nil, nil, "testserver.com")
	_, err := ctx.ReversePath()
	if err == nil {
		t.Fatal("expected field access error before MailFrom")
	}
	want := "field 'reverse_path' is available in [MailFrom, RcptTo, Finished]"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	var faErr *FieldAccessError
	if !errors.As(err, &faErr) {
		t.Error("expected *FieldAccessError")
	}
}

func TestStageMonotonicityAndReset(t *testing.T) {
	ctx := NewConnect(uuid.New(), time.Now(), nil, nil, "testserver.com")
	if ctx.Stage() != StageConnect {
		t.Fatalf("expected Connect, got %s", ctx.Stage())
	}

	name, _ := ParseClientName("client.example")
	if err := ctx.ToHelo(name, false); err != nil {
		t.Fatal(err)
	}
	if ctx.Stage() != StageHelo {
		t.Fatalf("expected Helo, got %s", ctx.Stage())
	}

	addr, err := ParseAddress("a@client.example")
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.ToMailFrom(MailFromParams{ReversePath: &addr}); err != nil {
		t.Fatal(err)
	}
	firstUUID, _ := ctx.MessageUUID()

	// RSET must restore exactly to Helo.
	ctx.Reset()
	if ctx.Stage() != StageHelo {
		t.Fatalf("expected Helo after reset, got %s", ctx.Stage())
	}
	if _, err := ctx.ReversePath(); err == nil {
		t.Error("reverse_path must not be readable after reset")
	}

	// Re-entering MailFrom after a reset regenerates the uuid (first
	// Helo->MailFrom transition again).
	if err := ctx.ToMailFrom(MailFromParams{ReversePath: &addr}); err != nil {
		t.Fatal(err)
	}
	secondUUID, _ := ctx.MessageUUID()
	if firstUUID == secondUUID {
		t.Error("message_uuid must be regenerated on a fresh Helo->MailFrom transition")
	}
}

func TestMessageUUIDStableAcrossRcpt(t *testing.T) {
	ctx := NewConnect(uuid.New(), time.Now(), nil, nil, "testserver.com")
	name, _ := ParseClientName("client.example")
	_ = ctx.ToHelo(name, false)
	addr, _ := ParseAddress("a@client.example")
	_ = ctx.ToMailFrom(MailFromParams{ReversePath: &addr})

	before, _ := ctx.MessageUUID()
	rcpt, _ := ParseAddress("b@local.test")
	if err := ctx.AddForwardPath(rcpt, "remote"); err != nil {
		t.Fatal(err)
	}
	after, _ := ctx.MessageUUID()
	if before != after {
		t.Error("message_uuid must not change across RCPT TO")
	}
	fps, _ := ctx.ForwardPaths()
	if len(fps) != 1 || !fps[0].Equal(rcpt) {
		t.Errorf("forward_paths = %v", fps)
	}
}

func TestClassifyRecipient(t *testing.T) {
	local := func(d string) bool { return d == "local.test" }

	r, _ := ParseAddress("a@local.test")
	t1, _ := ParseAddress("b@local.test")
	if got := ClassifyRecipient(&r, t1, local); got.Kind != TransactionInternal {
		t.Errorf("same-domain local->local should be Internal, got %v", got.Kind)
	}

	t2, _ := ParseAddress("b@remote.example")
	if got := ClassifyRecipient(&r, t2, local); got.Kind != TransactionOutgoing {
		t.Errorf("local->remote should be Outgoing, got %v", got.Kind)
	}

	rExt, _ := ParseAddress("a@remote.example")
	if got := ClassifyRecipient(&rExt, t1, local); got.Kind != TransactionIncoming || !got.HasDomain {
		t.Errorf("remote->local should be Incoming(local.test), got %v", got)
	}

	if got := ClassifyRecipient(nil, t1, local); got.Kind != TransactionIncoming || !got.HasDomain {
		t.Errorf("null sender -> local should be Incoming(local.test), got %v", got)
	}
}
