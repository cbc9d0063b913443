package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/projectdesk/accessq/internal/access"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReconciler_ConvergesGuestCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	mustGrant(t, h, "p1", "g1", access.RoleGuest)
	mustGrant(t, h, "p2", "g2", access.RoleGuest)

	if err := h.store.SetCounters(ctx, []access.Counter{
		{RequesterID: "g1", Role: access.RoleGuest, ActiveLeases: 5},
		{RequesterID: "g2", Role: access.RoleGuest, ActiveLeases: 0},
		{RequesterID: "g3", Role: access.RoleGuest, ActiveLeases: 3},
		{RequesterID: "alice", Role: access.RoleUser, ActiveLeases: 7},
	}); err != nil {
		t.Fatalf("SetCounters: %v", err)
	}

	r, err := NewReconciler(ReconcilerConfig{BatchSize: 2}, h.store, h.metrics, nil)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	n, err := r.ReconcileAllGuestCounters(ctx)
	if err != nil {
		t.Fatalf("ReconcileAllGuestCounters: %v", err)
	}
	if n != 3 {
		t.Fatalf("reconciled %d counters, want 3", n)
	}

	want := map[string]int{"g1": 1, "g2": 1, "g3": 0, "alice": 7}
	for id, w := range want {
		c, err := h.store.GetCounter(ctx, id)
		if err != nil {
			t.Fatalf("GetCounter(%s): %v", id, err)
		}
		if c.ActiveLeases != w {
			t.Fatalf("%s: got %d want %d", id, c.ActiveLeases, w)
		}
	}

	c, err := r.ReconcileCounter(ctx, "alice")
	if err != nil {
		t.Fatalf("ReconcileCounter: %v", err)
	}
	if c.ActiveLeases != 0 || c.Role != access.RoleUser {
		t.Fatalf("alice counter: %+v", c)
	}
	if got := testutil.ToFloat64(h.metrics.CountersReconciled); got != 4 {
		t.Fatalf("reconciled metric: %v", got)
	}

	// Reconciliation never touches leases.
	active, err := h.svc.ListActiveLeases(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("active leases: %d err=%v", len(active), err)
	}
}

func TestNewReconciler_Validates(t *testing.T) {
	t.Parallel()

	if _, err := NewReconciler(ReconcilerConfig{}, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewReconciler(ReconcilerConfig{BatchSize: -1}, access.NewMemoryStore(nil), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	r, err := NewReconciler(ReconcilerConfig{}, access.NewMemoryStore(nil), nil, nil)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	if _, err := r.ReconcileCounter(context.Background(), ""); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
