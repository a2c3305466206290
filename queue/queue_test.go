package queue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yonasBSD/vsmtpd/metrics"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(t.TempDir())
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestWriteListMoveRemove(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()

	if err := m.WriteCtx(Working, serializedContext{MessageUUID: id}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteMsg(id, []byte("body")); err != nil {
		t.Fatal(err)
	}

	ids, err := m.List(Working)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("got %v, want [%v]", ids, id)
	}

	if err := m.MoveTo(Working, Deliver, id); err != nil {
		t.Fatal(err)
	}
	if ids, err := m.List(Working); err != nil || len(ids) != 0 {
		t.Fatalf("working should be empty after move, got %v (err=%v)", ids, err)
	}
	if ids, err := m.List(Deliver); err != nil || len(ids) != 1 {
		t.Fatalf("deliver should hold the moved message, got %v (err=%v)", ids, err)
	}

	if err := m.RemoveBoth(Deliver, id); err != nil {
		t.Fatal(err)
	}
	if ids, err := m.List(Deliver); err != nil || len(ids) != 0 {
		t.Fatalf("deliver should be empty after removal, got %v (err=%v)", ids, err)
	}
	if _, err := m.GetMsg(id); err == nil {
		t.Error("expected body file to be removed alongside the context")
	}
}

func TestReportQueueLengths(t *testing.T) {
	m := newTestManager(t)

	id := uuid.New()
	if err := m.WriteCtx(Deliver, serializedContext{MessageUUID: id}); err != nil {
		t.Fatal(err)
	}

	m.ReportQueueLengths()

	got := testutil.ToFloat64(metrics.QueueLength.WithLabelValues(string(Deliver)))
	if got != 1 {
		t.Errorf("QueueLength{queue=deliver} = %v, want 1", got)
	}

	if err := m.RemoveBoth(Deliver, id); err != nil {
		t.Fatal(err)
	}
	m.ReportQueueLengths()

	got = testutil.ToFloat64(metrics.QueueLength.WithLabelValues(string(Deliver)))
	if got != 0 {
		t.Errorf("QueueLength{queue=deliver} = %v, want 0", got)
	}
}
