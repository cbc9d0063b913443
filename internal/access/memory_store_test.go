package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_WithResourceCommitsOnSuccessOnly(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	lease := Lease{
		ID:         "l1",
		ResourceID: "p1",
		HolderID:   "alice",
		HolderRole: RoleUser,
		Status:     LeaseStatusActive,
		StartedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}

	errBoom := errors.New("boom")
	err := s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		if err := tx.InsertLease(ctx, lease); err != nil {
			return err
		}
		if err := tx.PutLock(ctx, Lock{ResourceID: "p1", HolderID: "alice", LastGrantedAt: now}); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, QueueEntry{ResourceID: "p1", RequesterID: "bob", Role: RoleUser, PriorityTier: 3, JoinedAt: now}); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := s.GetLease(ctx, "l1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rolled back lease, got %v", err)
	}
	queues, _ := s.ListQueues(ctx)
	if len(queues) != 0 {
		t.Fatalf("expected no queues after rollback, got %v", queues)
	}

	err = s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		l, err := tx.Lock(ctx)
		if err != nil {
			return err
		}
		if !l.Free {
			t.Fatalf("expected free lock after rollback: %+v", l)
		}
		if err := tx.InsertLease(ctx, lease); err != nil {
			return err
		}
		if err := tx.AdjustCounter(ctx, "alice", RoleUser, 1); err != nil {
			return err
		}
		return tx.PutLock(ctx, Lock{ResourceID: "p1", HolderID: "alice", LastGrantedAt: now})
	})
	if err != nil {
		t.Fatalf("WithResource: %v", err)
	}

	got, err := s.GetLease(ctx, "l1")
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	if got.HolderID != "alice" || !got.Active() {
		t.Fatalf("unexpected lease: %+v", got)
	}
	c, err := s.GetCounter(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if c.ActiveLeases != 1 || c.Role != RoleUser || !c.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected counter: %+v", c)
	}
}

func TestMemoryStore_RejectsSecondActiveLease(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	mk := func(id, holder string) Lease {
		return Lease{ID: id, ResourceID: "p1", HolderID: holder, HolderRole: RoleUser, Status: LeaseStatusActive, StartedAt: now, ExpiresAt: now.Add(time.Minute)}
	}

	if err := s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		return tx.InsertLease(ctx, mk("l1", "alice"))
	}); err != nil {
		t.Fatalf("insert l1: %v", err)
	}
	err := s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		return tx.InsertLease(ctx, mk("l2", "bob"))
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	err = s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		return tx.InsertLease(ctx, mk("l1", "alice"))
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate id, got %v", err)
	}
}

func TestMemoryStore_QueueOrderingAndDuplicates(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	entries := []QueueEntry{
		{ResourceID: "p1", RequesterID: "guest", Role: RoleGuest, PriorityTier: 5, JoinedAt: now},
		{ResourceID: "p1", RequesterID: "user-b", Role: RoleUser, PriorityTier: 3, JoinedAt: now.Add(2 * time.Second)},
		{ResourceID: "p1", RequesterID: "user-a", Role: RoleUser, PriorityTier: 3, JoinedAt: now.Add(time.Second)},
		{ResourceID: "p1", RequesterID: "user-c", Role: RoleUser, PriorityTier: 3, JoinedAt: now.Add(time.Second)},
		{ResourceID: "p1", RequesterID: "admin", Role: RoleAdmin, PriorityTier: 2, JoinedAt: now.Add(3 * time.Second)},
	}
	err := s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		for _, e := range entries {
			got, err := tx.Enqueue(ctx, e)
			if err != nil {
				return err
			}
			if got.Seq == 0 {
				t.Fatalf("expected seq to be assigned")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err = s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		_, err := tx.Enqueue(ctx, entries[0])
		return err
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for duplicate, got %v", err)
	}

	queues, err := s.ListQueues(ctx)
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	want := []string{"admin", "user-a", "user-c", "user-b", "guest"}
	q := queues["p1"]
	if len(q) != len(want) {
		t.Fatalf("queue len: got %d want %d", len(q), len(want))
	}
	for i, id := range want {
		if q[i].RequesterID != id {
			t.Fatalf("queue[%d]: got %q want %q", i, q[i].RequesterID, id)
		}
	}

	err = s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		removed, err := tx.Dequeue(ctx, "user-a")
		if err != nil {
			return err
		}
		if !removed {
			t.Fatalf("expected user-a removed")
		}
		removed, err = tx.Dequeue(ctx, "nobody")
		if err != nil {
			return err
		}
		if removed {
			t.Fatalf("expected no-op dequeue")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	queues, _ = s.ListQueues(ctx)
	if Position(queues["p1"], "user-a") != 0 || Position(queues["p1"], "user-c") != 2 {
		t.Fatalf("unexpected queue after dequeue: %+v", queues["p1"])
	}
}

func TestMemoryStore_ExtensionsAndMarkExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	lease := Lease{ID: "l1", ResourceID: "p1", HolderID: "alice", HolderRole: RoleUser, Status: LeaseStatusActive, StartedAt: now, ExpiresAt: now.Add(time.Minute)}
	ext := ExtensionRequest{ID: "e1", LeaseID: "l1", ResourceID: "p1", RequesterID: "alice", Status: ExtensionStatusPending, RequestedAt: now, PriorLeaseExpiresAt: lease.ExpiresAt}

	err := s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		if err := tx.InsertLease(ctx, lease); err != nil {
			return err
		}
		if err := tx.InsertExtension(ctx, ext); err != nil {
			return err
		}
		r, ok, err := tx.PendingExtension(ctx, "l1")
		if err != nil {
			return err
		}
		if !ok || r.ID != "e1" {
			t.Fatalf("expected staged pending extension, ok=%v r=%+v", ok, r)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithResource: %v", err)
	}

	pending, err := s.ListPendingExtensions(ctx)
	if err != nil {
		t.Fatalf("ListPendingExtensions: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "e1" {
		t.Fatalf("unexpected pending: %+v", pending)
	}

	overdue, err := s.ListOverdueLeases(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListOverdueLeases: %v", err)
	}
	if len(overdue) != 1 {
		t.Fatalf("expected lease overdue at its exact expiry, got %d", len(overdue))
	}

	ok, err := s.MarkExpired(ctx, "l1", now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("MarkExpired: ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkExpired(ctx, "l1", now.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("MarkExpired #2: ok=%v err=%v", ok, err)
	}
	if _, err := s.MarkExpired(ctx, "nope", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	n, err := s.CountActiveLeases(ctx, "alice")
	if err != nil || n != 0 {
		t.Fatalf("CountActiveLeases: n=%d err=%v", n, err)
	}
}

func TestMemoryStore_CountersAndRecent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	err := s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		return tx.AdjustCounter(ctx, "g1", RoleGuest, -3)
	})
	if err != nil {
		t.Fatalf("AdjustCounter: %v", err)
	}
	c, err := s.GetCounter(ctx, "g1")
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if c.ActiveLeases != 0 {
		t.Fatalf("expected counter clamped at zero, got %d", c.ActiveLeases)
	}

	if err := s.SetCounters(ctx, []Counter{{RequesterID: "g1", ActiveLeases: 2}, {RequesterID: "g2", Role: RoleGuest}}); err != nil {
		t.Fatalf("SetCounters: %v", err)
	}
	c, _ = s.GetCounter(ctx, "g1")
	if c.Role != RoleGuest || c.ActiveLeases != 2 {
		t.Fatalf("expected role preserved, got %+v", c)
	}
	if err := s.SetCounters(ctx, []Counter{{RequesterID: "", ActiveLeases: 1}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	ids, err := s.ListRequestersByRole(ctx, RoleGuest)
	if err != nil {
		t.Fatalf("ListRequestersByRole: %v", err)
	}
	if len(ids) != 2 || ids[0] != "g1" || ids[1] != "g2" {
		t.Fatalf("unexpected requesters: %v", ids)
	}

	for i, id := range []string{"a", "b", "c"} {
		start := now.Add(time.Duration(i) * time.Minute)
		err := s.WithResource(ctx, "r-"+id, func(ctx context.Context, tx ResourceTx) error {
			return tx.InsertLease(ctx, Lease{ID: id, ResourceID: "r-" + id, HolderID: "h", HolderRole: RoleUser, Status: LeaseStatusCompleted, StartedAt: start, ExpiresAt: start.Add(time.Minute)})
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	recent, err := s.ListRecentLeases(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentLeases: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("unexpected recent: %+v", recent)
	}
	if _, err := s.ListRecentLeases(ctx, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMemoryStore_WithResourceSerializesPerResource(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := string(rune('a' + i%26))
			_ = s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
				l, err := tx.Lock(ctx)
				if err != nil {
					return err
				}
				if !l.Free {
					return nil
				}
				id := holder + "-" + time.Duration(i).String()
				if err := tx.InsertLease(ctx, Lease{ID: id, ResourceID: "p1", HolderID: holder, HolderRole: RoleUser, Status: LeaseStatusActive, StartedAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
					return err
				}
				mu.Lock()
				granted++
				mu.Unlock()
				return tx.PutLock(ctx, Lock{ResourceID: "p1", HolderID: holder, LastGrantedAt: now})
			})
		}(i)
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted)
	}
	active, _ := s.ListActiveLeases(ctx)
	if len(active) != 1 {
		t.Fatalf("expected one active lease, got %d", len(active))
	}
}

func TestMemoryStore_WithResourceValidatesInput(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()

	if err := s.WithResource(ctx, " ", func(context.Context, ResourceTx) error { return nil }); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank resource, got %v", err)
	}
	if err := s.WithResource(ctx, "p1", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil callback, got %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.WithResource(cctx, "p1", func(context.Context, ResourceTx) error { return nil }); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on cancelled ctx, got %v", err)
	}

	err := s.WithResource(ctx, "p1", func(ctx context.Context, tx ResourceTx) error {
		return tx.PutLock(ctx, Lock{ResourceID: "p1"})
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for holderless occupied lock, got %v", err)
	}
}
