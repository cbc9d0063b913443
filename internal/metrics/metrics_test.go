package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recorders(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Request("guest", "granted")
	m.Request("guest", "granted")
	m.Request("user", "queued")
	m.LeaseEnded("expired")
	m.Extension("approved")
	m.ConflictRetry()
	m.Sweep(3, 1, time.Unix(1_770_000_000, 0))
	m.Reconciled(5)
	m.EventDropped()
	m.ObserveSince("request_access", time.Now())

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("guest", "granted")); got != 2 {
		t.Fatalf("requests guest/granted: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.SweepExpired); got != 3 {
		t.Fatalf("sweep expired: got %v want 3", got)
	}
	if got := testutil.ToFloat64(m.SweepLastRun); got != 1_770_000_000 {
		t.Fatalf("sweep last run: got %v", got)
	}
	if got := testutil.ToFloat64(m.CountersReconciled); got != 5 {
		t.Fatalf("reconciled: got %v want 5", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected registered series")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Request("guest", "granted")
	m.LeaseEnded("expired")
	m.Extension("rejected")
	m.ConflictRetry()
	m.Sweep(1, 0, time.Now())
	m.Reconciled(1)
	m.EventDropped()
	m.ObserveSince("op", time.Now())
}
