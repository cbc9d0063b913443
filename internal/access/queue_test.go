package access

import (
	"errors"
	"testing"
	"time"
)

func TestSortQueue_TierThenJoinTimeThenSeq(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	in := []QueueEntry{
		{RequesterID: "guest", PriorityTier: 5, JoinedAt: base, Seq: 1},
		{RequesterID: "late-user", PriorityTier: 3, JoinedAt: base.Add(time.Minute), Seq: 2},
		{RequesterID: "tie-second", PriorityTier: 3, JoinedAt: base, Seq: 4},
		{RequesterID: "tie-first", PriorityTier: 3, JoinedAt: base, Seq: 3},
		{RequesterID: "superadmin", PriorityTier: 1, JoinedAt: base.Add(time.Hour), Seq: 5},
	}
	got := SortQueue(in)

	want := []string{"superadmin", "tie-first", "tie-second", "late-user", "guest"}
	for i, id := range want {
		if got[i].RequesterID != id {
			t.Fatalf("sorted[%d]: got %q want %q", i, got[i].RequesterID, id)
		}
	}
	if in[0].RequesterID != "guest" {
		t.Fatalf("SortQueue must not mutate its input")
	}

	if Position(got, "late-user") != 4 {
		t.Fatalf("Position: got %d want 4", Position(got, "late-user"))
	}
	if Position(got, "absent") != 0 {
		t.Fatalf("Position of absent requester must be 0")
	}
}

func TestRank_CumulativeWait(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	sorted := []QueueEntry{
		{RequesterID: "u1", Role: RoleUser, PriorityTier: 3},
		{RequesterID: "g1", Role: RoleGuest, PriorityTier: 5},
		{RequesterID: "g2", Role: RoleGuest, PriorityTier: 5},
	}
	ranked := Rank(sorted, 90*time.Second, p)
	if len(ranked) != 3 {
		t.Fatalf("len: got %d want 3", len(ranked))
	}

	cases := []struct {
		pos  int
		wait time.Duration
	}{
		{1, 90 * time.Second},
		{2, 90*time.Second + 5*time.Minute},
		{3, 90*time.Second + 5*time.Minute + 60*time.Second},
	}
	for i, tc := range cases {
		if ranked[i].Position != tc.pos {
			t.Fatalf("ranked[%d].Position: got %d want %d", i, ranked[i].Position, tc.pos)
		}
		if ranked[i].EstimatedWait != tc.wait {
			t.Fatalf("ranked[%d].EstimatedWait: got %v want %v", i, ranked[i].EstimatedWait, tc.wait)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		role      Role
		tier      int
		lease     time.Duration
		extension time.Duration
	}{
		{RoleSuperadmin, 1, 5 * time.Minute, 5 * time.Minute},
		{RoleAdmin, 2, 5 * time.Minute, 5 * time.Minute},
		{RoleUser, 3, 5 * time.Minute, 5 * time.Minute},
		{RolePriorityUser, 4, 5 * time.Minute, 5 * time.Minute},
		{RoleGuest, 5, 60 * time.Second, 30 * time.Second},
	}
	for _, tc := range cases {
		tier, err := p.PriorityTier(tc.role)
		if err != nil || tier != tc.tier {
			t.Fatalf("%s tier: got %d err=%v want %d", tc.role, tier, err, tc.tier)
		}
		d, _ := p.LeaseDuration(tc.role)
		if d != tc.lease {
			t.Fatalf("%s lease: got %v want %v", tc.role, d, tc.lease)
		}
		e, _ := p.ExtensionDuration(tc.role)
		if e != tc.extension {
			t.Fatalf("%s extension: got %v want %v", tc.role, e, tc.extension)
		}
		if p.MaxActiveLeases(tc.role) != 0 {
			t.Fatalf("%s: expected cap disabled by default", tc.role)
		}
	}

	if _, err := p.PriorityTier(RoleUnknown); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}

	broken := DefaultPolicy()
	delete(broken, RoleGuest)
	if err := broken.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing role, got %v", err)
	}
	broken = DefaultPolicy()
	rp := broken[RoleUser]
	rp.LeaseDuration = 0
	broken[RoleUser] = rp
	if err := broken.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero duration, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	cases := map[string]Role{
		"superadmin":    RoleSuperadmin,
		"Admin":         RoleAdmin,
		" user ":        RoleUser,
		"priority_user": RolePriorityUser,
		"priorityUser":  RolePriorityUser,
		"priority-user": RolePriorityUser,
		"guest":         RoleGuest,
	}
	for in, want := range cases {
		got, err := ParseRole(in)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseRole(%q): got %v want %v", in, got, want)
		}
	}
	if _, err := ParseRole("root"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if RoleUser.Privileged() || !RoleAdmin.Privileged() || !RoleSuperadmin.Privileged() {
		t.Fatalf("unexpected Privileged results")
	}
}

func TestLeaseRemaining(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	l := Lease{Status: LeaseStatusActive, ExpiresAt: now.Add(30 * time.Second)}
	if got := l.Remaining(now); got != 30*time.Second {
		t.Fatalf("Remaining: got %v", got)
	}
	if got := l.Remaining(now.Add(time.Minute)); got != 0 {
		t.Fatalf("Remaining past expiry: got %v", got)
	}
	l.Status = LeaseStatusCompleted
	if got := l.Remaining(now); got != 0 {
		t.Fatalf("Remaining of ended lease: got %v", got)
	}
}
