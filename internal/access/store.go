package access

import (
	"context"
	"time"
)

// ResourceTx is an atomic read-modify-write view of one resource: its lock,
// its leases, its queue and the extension requests against its leases.
// Writes become visible only if the enclosing WithResource callback returns nil.
type ResourceTx interface {
	ResourceID() string

	// Lock returns the resource lock. A resource never seen before reads as free.
	Lock(ctx context.Context) (Lock, error)
	PutLock(ctx context.Context, l Lock) error

	// ActiveLease returns the resource's active lease, if any.
	ActiveLease(ctx context.Context) (Lease, bool, error)
	// Lease returns a lease of this resource by id, ErrNotFound otherwise.
	Lease(ctx context.Context, leaseID string) (Lease, error)
	InsertLease(ctx context.Context, l Lease) error
	UpdateLease(ctx context.Context, l Lease) error

	// Queue returns the waiting list sorted by CompareEntries.
	Queue(ctx context.Context) ([]QueueEntry, error)
	// Enqueue appends an entry and returns it with Seq assigned. A requester
	// already queued on the resource yields ErrInvalidState.
	Enqueue(ctx context.Context, e QueueEntry) (QueueEntry, error)
	Dequeue(ctx context.Context, requesterID string) (bool, error)

	Extension(ctx context.Context, requestID string) (ExtensionRequest, error)
	PendingExtension(ctx context.Context, leaseID string) (ExtensionRequest, bool, error)
	InsertExtension(ctx context.Context, r ExtensionRequest) error
	UpdateExtension(ctx context.Context, r ExtensionRequest) error

	// AdjustCounter adds delta to the requester's derived counter, clamped at zero.
	AdjustCounter(ctx context.Context, requesterID string, role Role, delta int) error
}

// Store persists locks, leases, queues, extension requests and derived counters.
//
// Semantics:
//   - WithResource serializes callbacks for the same resource; callbacks for
//     different resources may run in parallel.
//   - A callback error discards every write it staged.
//   - Reads outside WithResource are snapshots and may be stale.
type Store interface {
	WithResource(ctx context.Context, resourceID string, fn func(ctx context.Context, tx ResourceTx) error) error

	GetLease(ctx context.Context, leaseID string) (Lease, error)
	GetExtension(ctx context.Context, requestID string) (ExtensionRequest, error)

	ListActiveLeases(ctx context.Context) ([]Lease, error)
	// ListOverdueLeases returns active leases with ExpiresAt <= now.
	ListOverdueLeases(ctx context.Context, now time.Time) ([]Lease, error)
	// ListRecentLeases returns up to limit leases, newest StartedAt first.
	ListRecentLeases(ctx context.Context, limit int) ([]Lease, error)
	// ListQueues returns every non-empty queue keyed by resource, each sorted.
	ListQueues(ctx context.Context) (map[string][]QueueEntry, error)
	ListPendingExtensions(ctx context.Context) ([]ExtensionRequest, error)

	// MarkExpired moves an active lease to expired without touching its
	// resource. It reports false if the lease was no longer active.
	MarkExpired(ctx context.Context, leaseID string, at time.Time) (bool, error)

	CountActiveLeases(ctx context.Context, holderID string) (int, error)
	GetCounter(ctx context.Context, requesterID string) (Counter, error)
	SetCounters(ctx context.Context, counters []Counter) error
	ListRequestersByRole(ctx context.Context, role Role) ([]string, error)
}
