package route

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/session"
)

func buildContext(t *testing.T, from, to string, local envelope.LocalDomainFunc) *envelope.Context {
	t.Helper()
	ctx := envelope.NewConnect(uuid.New(), time.Now(), nil, nil, "testserver.com")
	name, err := envelope.ParseClientName("client.example")
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.ToHelo(name, false); err != nil {
		t.Fatal(err)
	}
	fromAddr, err := envelope.ParseAddress(from)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.ToMailFrom(envelope.MailFromParams{ReversePath: &fromAddr}); err != nil {
		t.Fatal(err)
	}
	toAddr, err := envelope.ParseAddress(to)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.AddForwardPath(toAddr, ""); err != nil {
		t.Fatal(err)
	}
	tt := envelope.ClassifyRecipient(&fromAddr, toAddr, local)
	if err := ctx.SetTransactionType(tt); err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestByLocalityRoutesLocalRecipient(t *testing.T) {
	local := func(d string) bool { return d == "local.test" }
	ctx := buildContext(t, "a@remote.example", "b@local.test", local)

	r := ByLocality{LocalTransport: "local", RemoteTransport: "remote"}
	v := r.Evaluate(session.StageDeliveryPolicy, &session.PolicyContext{Envelope: ctx})
	if v.Kind != session.VerdictNext {
		t.Fatalf("expected Next, got %v", v.Kind)
	}

	delivery, err := ctx.Delivery()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := delivery["local"]; !ok {
		t.Errorf("expected recipient routed to 'local', got %v", delivery)
	}
}

func TestByLocalityRoutesRemoteRecipient(t *testing.T) {
	local := func(d string) bool { return d == "local.test" }
	ctx := buildContext(t, "a@local.test", "b@remote.example", local)

	r := ByLocality{LocalTransport: "local", RemoteTransport: "remote"}
	r.Evaluate(session.StageDeliveryPolicy, &session.PolicyContext{Envelope: ctx})

	delivery, err := ctx.Delivery()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := delivery["remote"]; !ok {
		t.Errorf("expected recipient routed to 'remote', got %v", delivery)
	}
}

func TestByLocalityIgnoresOtherStages(t *testing.T) {
	r := ByLocality{LocalTransport: "local", RemoteTransport: "remote"}
	v := r.Evaluate(session.StageMailFromPolicy, &session.PolicyContext{})
	if v.Kind != session.VerdictNext {
		t.Fatalf("expected Next for a non-delivery stage, got %v", v.Kind)
	}
}
