// Package admission decides who holds each resource: it grants leases, queues
// waiting requesters by priority, hands the resource to the next requester
// when a lease ends, and runs the extension workflow.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/projectdesk/accessq/internal/access"
	"github.com/projectdesk/accessq/internal/metrics"
	"github.com/projectdesk/accessq/internal/notify"
)

var ErrInvalidConfig = errors.New("admission: invalid config")

const (
	DefaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type Config struct {
	// Policy defaults to access.DefaultPolicy().
	Policy access.Policy

	Now func() time.Time
	// NewID mints lease and extension request ids. Defaults to random UUIDs.
	NewID func() string
}

// Actor is a resolved caller identity.
type Actor struct {
	ID   string
	Role access.Role
}

func (a Actor) validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing actor id", access.ErrInvalidInput)
	}
	if !a.Role.Valid() {
		return fmt.Errorf("%w: invalid actor role", access.ErrInvalidInput)
	}
	return nil
}

type Service struct {
	cfg Config

	store   access.Store
	events  *notify.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New wires a Service. events and m may be nil.
func New(cfg Config, store access.Store, events *notify.Publisher, m *metrics.Metrics, log *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Policy == nil {
		cfg.Policy = access.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		events:  events,
		metrics: m,
		log:     log,
	}, nil
}

func (s *Service) Policy() access.Policy { return s.cfg.Policy }

// AccessResult is either a grant (Granted, Lease) or a queue placement
// (Position, EstimatedWait).
type AccessResult struct {
	Granted bool
	Lease   access.Lease

	Position      int
	EstimatedWait time.Duration
}

type Status struct {
	HasActiveLease bool
	Lease          access.Lease

	Queued        bool
	QueuePosition int
	EstimatedWait time.Duration
}

// outbox collects events inside a resource transaction; they are published
// only after the transaction commits.
type outbox []notify.Event

func (s *Service) flush(ctx context.Context, out outbox) {
	for _, e := range out {
		s.events.Publish(ctx, e)
	}
}

func (s *Service) RequestAccess(ctx context.Context, resourceID, requesterID string, role access.Role) (AccessResult, error) {
	defer s.metrics.ObserveSince("request_access", time.Now())

	if resourceID == "" || requesterID == "" {
		return AccessResult{}, fmt.Errorf("%w: resource id and requester id are required", access.ErrInvalidInput)
	}
	if _, err := s.cfg.Policy.PriorityTier(role); err != nil {
		return AccessResult{}, err
	}

	res, err := s.requestAccessOnce(ctx, resourceID, requesterID, role)
	if errors.Is(err, access.ErrConflict) {
		s.metrics.ConflictRetry()
		s.log.Info("request access lost a race; retrying", "resource", resourceID, "requester", requesterID)
		res, err = s.requestAccessOnce(ctx, resourceID, requesterID, role)
	}
	switch {
	case err != nil:
		s.metrics.Request(role.String(), "error")
	case res.Granted:
		s.metrics.Request(role.String(), "granted")
	default:
		s.metrics.Request(role.String(), "queued")
	}
	return res, err
}

func (s *Service) requestAccessOnce(ctx context.Context, resourceID, requesterID string, role access.Role) (AccessResult, error) {
	var (
		res AccessResult
		out outbox
	)
	err := s.store.WithResource(ctx, resourceID, func(ctx context.Context, tx access.ResourceTx) error {
		res, out = AccessResult{}, nil
		now := s.cfg.Now()

		active, hasActive, err := tx.ActiveLease(ctx)
		if err != nil {
			return err
		}
		if hasActive && active.HolderID == requesterID {
			res = AccessResult{Granted: true, Lease: active}
			return nil
		}

		queue, err := tx.Queue(ctx)
		if err != nil {
			return err
		}
		if access.Position(queue, requesterID) > 0 {
			res = s.placement(queue, requesterID, active, hasActive, now)
			return nil
		}

		if max := s.cfg.Policy.MaxActiveLeases(role); max > 0 {
			n, err := s.store.CountActiveLeases(ctx, requesterID)
			if err != nil {
				return err
			}
			if n >= max {
				return fmt.Errorf("%w: %s already holds %d active leases", access.ErrInvalidState, requesterID, n)
			}
		}

		if !hasActive && len(queue) == 0 {
			lease, err := s.grant(ctx, tx, requesterID, role, now)
			if err != nil {
				return err
			}
			out = append(out, leaseGranted(lease))
			res = AccessResult{Granted: true, Lease: lease}
			return nil
		}

		tier, err := s.cfg.Policy.PriorityTier(role)
		if err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, access.QueueEntry{
			ResourceID:   resourceID,
			RequesterID:  requesterID,
			Role:         role,
			PriorityTier: tier,
			JoinedAt:     now,
		}); err != nil {
			return err
		}

		if !hasActive {
			// The resource is free but others were left waiting; serve the
			// queue in priority order rather than letting this request jump it.
			granted, ok, err := s.admitNextTx(ctx, tx, now, &out)
			if err != nil {
				return err
			}
			if ok {
				active, hasActive = granted, true
				if granted.HolderID == requesterID {
					res = AccessResult{Granted: true, Lease: granted}
					return nil
				}
			}
		}

		queue, err = tx.Queue(ctx)
		if err != nil {
			return err
		}
		res = s.placement(queue, requesterID, active, hasActive, now)
		ev, err := s.queueUpdated(ctx, tx, now)
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return AccessResult{}, err
	}
	s.flush(ctx, out)
	return res, nil
}

func (s *Service) placement(sorted []access.QueueEntry, requesterID string, active access.Lease, hasActive bool, now time.Time) AccessResult {
	var remaining time.Duration
	if hasActive {
		remaining = active.Remaining(now)
	}
	for _, e := range access.Rank(sorted, remaining, s.cfg.Policy) {
		if e.RequesterID == requesterID {
			return AccessResult{Position: e.Position, EstimatedWait: e.EstimatedWait}
		}
	}
	return AccessResult{}
}

// grant creates an active lease for holder and marks the lock occupied.
func (s *Service) grant(ctx context.Context, tx access.ResourceTx, holderID string, role access.Role, now time.Time) (access.Lease, error) {
	d, err := s.cfg.Policy.LeaseDuration(role)
	if err != nil {
		return access.Lease{}, err
	}
	lease := access.Lease{
		ID:         s.cfg.NewID(),
		ResourceID: tx.ResourceID(),
		HolderID:   holderID,
		HolderRole: role,
		Status:     access.LeaseStatusActive,
		StartedAt:  now,
		ExpiresAt:  now.Add(d),
	}
	if err := tx.InsertLease(ctx, lease); err != nil {
		return access.Lease{}, err
	}
	if err := tx.PutLock(ctx, access.Lock{
		ResourceID:    tx.ResourceID(),
		Free:          false,
		HolderID:      holderID,
		LastGrantedAt: now,
	}); err != nil {
		return access.Lease{}, err
	}
	if err := tx.AdjustCounter(ctx, holderID, role, 1); err != nil {
		return access.Lease{}, err
	}
	s.log.Info("lease granted", "resource", lease.ResourceID, "lease", lease.ID, "holder", holderID, "role", role.String(), "expires_at", lease.ExpiresAt)
	return lease, nil
}

// admitNextTx hands a free resource to the head of its queue, or marks the
// lock free when nobody waits. It is a no-op while an active lease exists.
func (s *Service) admitNextTx(ctx context.Context, tx access.ResourceTx, now time.Time, out *outbox) (access.Lease, bool, error) {
	if _, ok, err := tx.ActiveLease(ctx); err != nil || ok {
		return access.Lease{}, false, err
	}

	queue, err := tx.Queue(ctx)
	if err != nil {
		return access.Lease{}, false, err
	}
	for _, head := range queue {
		if _, err := tx.Dequeue(ctx, head.RequesterID); err != nil {
			return access.Lease{}, false, err
		}
		if _, err := s.cfg.Policy.LeaseDuration(head.Role); err != nil {
			s.log.Warn("dropping queue entry with unknown role", "resource", tx.ResourceID(), "requester", head.RequesterID, "role", head.Role.String())
			continue
		}
		lease, err := s.grant(ctx, tx, head.RequesterID, head.Role, now)
		if err != nil {
			return access.Lease{}, false, err
		}
		*out = append(*out, leaseGranted(lease))
		ev, err := s.queueUpdated(ctx, tx, now)
		if err != nil {
			return access.Lease{}, false, err
		}
		*out = append(*out, ev)
		return lease, true, nil
	}

	lock, err := tx.Lock(ctx)
	if err != nil {
		return access.Lease{}, false, err
	}
	if !lock.Free || lock.HolderID != "" {
		if err := tx.PutLock(ctx, access.Lock{ResourceID: tx.ResourceID(), Free: true, LastGrantedAt: lock.LastGrantedAt}); err != nil {
			return access.Lease{}, false, err
		}
	}
	*out = append(*out, notify.Event{
		Kind:       notify.KindLockFreed,
		Channels:   []string{notify.QueueChannel(tx.ResourceID())},
		ResourceID: tx.ResourceID(),
	})
	return access.Lease{}, false, nil
}

// AdmitNext re-runs admission for a resource. Redundant calls are harmless.
func (s *Service) AdmitNext(ctx context.Context, resourceID string) (access.Lease, bool, error) {
	var (
		lease   access.Lease
		granted bool
		out     outbox
	)
	err := s.store.WithResource(ctx, resourceID, func(ctx context.Context, tx access.ResourceTx) error {
		out = nil
		var err error
		lease, granted, err = s.admitNextTx(ctx, tx, s.cfg.Now(), &out)
		return err
	})
	if err != nil {
		return access.Lease{}, false, err
	}
	s.flush(ctx, out)
	return lease, granted, nil
}

// EndLease completes the requester's own lease.
func (s *Service) EndLease(ctx context.Context, leaseID, requesterID string) (access.Lease, error) {
	if requesterID == "" {
		return access.Lease{}, fmt.Errorf("%w: missing requester id", access.ErrInvalidInput)
	}
	return s.endLease(ctx, leaseID, requesterID, access.LeaseStatusCompleted)
}

// TerminateLease ends any holder's lease on behalf of a privileged actor.
func (s *Service) TerminateLease(ctx context.Context, leaseID string, actor Actor) (access.Lease, error) {
	if err := actor.validate(); err != nil {
		return access.Lease{}, err
	}
	if _, err := s.lookupLease(ctx, leaseID); err != nil {
		return access.Lease{}, err
	}
	if !actor.Role.Privileged() {
		return access.Lease{}, fmt.Errorf("%w: role %s may not terminate leases", access.ErrForbidden, actor.Role)
	}
	return s.endLease(ctx, leaseID, actor.ID, access.LeaseStatusTerminated)
}

func (s *Service) lookupLease(ctx context.Context, leaseID string) (access.Lease, error) {
	if leaseID == "" {
		return access.Lease{}, fmt.Errorf("%w: missing lease id", access.ErrInvalidInput)
	}
	l, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		return access.Lease{}, err
	}
	if l.ResourceID == "" {
		return access.Lease{}, fmt.Errorf("%w: lease %s has no resource", access.ErrInvalidState, leaseID)
	}
	return l, nil
}

func (s *Service) endLease(ctx context.Context, leaseID, actorID string, status access.LeaseStatus) (access.Lease, error) {
	defer s.metrics.ObserveSince("end_lease", time.Now())

	snapshot, err := s.lookupLease(ctx, leaseID)
	if err != nil {
		return access.Lease{}, err
	}

	var (
		ended access.Lease
		out   outbox
	)
	err = s.store.WithResource(ctx, snapshot.ResourceID, func(ctx context.Context, tx access.ResourceTx) error {
		out = nil
		l, err := tx.Lease(ctx, leaseID)
		if err != nil {
			return err
		}
		if status == access.LeaseStatusCompleted && l.HolderID != actorID {
			return fmt.Errorf("%w: lease %s is held by another requester", access.ErrForbidden, leaseID)
		}
		if !l.Active() {
			return fmt.Errorf("%w: lease %s is already %s", access.ErrInvalidState, leaseID, l.Status)
		}
		now := s.cfg.Now()
		ended, err = s.closeLeaseTx(ctx, tx, l, status, actorID, now, &out)
		if err != nil {
			return err
		}
		_, _, err = s.admitNextTx(ctx, tx, now, &out)
		return err
	})
	if err != nil {
		return access.Lease{}, err
	}
	s.metrics.LeaseEnded(status.String())
	s.flush(ctx, out)
	return ended, nil
}

// closeLeaseTx moves an active lease to a terminal status and releases the
// resource lock. Callers run admitNextTx afterwards.
func (s *Service) closeLeaseTx(ctx context.Context, tx access.ResourceTx, l access.Lease, status access.LeaseStatus, by string, now time.Time, out *outbox) (access.Lease, error) {
	l.Status = status
	l.EndedAt = now
	l.EndedBy = by
	if err := tx.UpdateLease(ctx, l); err != nil {
		return access.Lease{}, err
	}
	if err := tx.AdjustCounter(ctx, l.HolderID, l.HolderRole, -1); err != nil {
		return access.Lease{}, err
	}
	lock, err := tx.Lock(ctx)
	if err != nil {
		return access.Lease{}, err
	}
	if err := tx.PutLock(ctx, access.Lock{ResourceID: tx.ResourceID(), Free: true, LastGrantedAt: lock.LastGrantedAt}); err != nil {
		return access.Lease{}, err
	}
	*out = append(*out, notify.Event{
		Kind:       notify.KindLeaseEnded,
		Channels:   []string{notify.QueueChannel(l.ResourceID), notify.LeaseChannel(l.ID)},
		ResourceID: l.ResourceID,
		Lease:      notify.NewLeaseView(l),
	})
	s.log.Info("lease ended", "resource", l.ResourceID, "lease", l.ID, "holder", l.HolderID, "status", status.String(), "by", by)
	return l, nil
}

// ExpireOverdue expires the listed leases of one resource that are still
// active and past their deadline, then re-runs admission. Leases that ended
// or were extended since they were listed are skipped.
func (s *Service) ExpireOverdue(ctx context.Context, resourceID string, leaseIDs []string) ([]access.Lease, error) {
	var (
		expired []access.Lease
		out     outbox
	)
	err := s.store.WithResource(ctx, resourceID, func(ctx context.Context, tx access.ResourceTx) error {
		expired, out = nil, nil
		now := s.cfg.Now()
		for _, id := range leaseIDs {
			l, err := tx.Lease(ctx, id)
			if errors.Is(err, access.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !l.Active() || l.ExpiresAt.After(now) {
				continue
			}
			ended, err := s.closeLeaseTx(ctx, tx, l, access.LeaseStatusExpired, "", now, &out)
			if err != nil {
				return err
			}
			expired = append(expired, ended)
		}
		if len(expired) == 0 {
			return nil
		}
		_, _, err := s.admitNextTx(ctx, tx, now, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	for range expired {
		s.metrics.LeaseEnded(access.LeaseStatusExpired.String())
	}
	s.flush(ctx, out)
	return expired, nil
}

func (s *Service) LeaveQueue(ctx context.Context, resourceID, requesterID string) error {
	if resourceID == "" || requesterID == "" {
		return fmt.Errorf("%w: resource id and requester id are required", access.ErrInvalidInput)
	}
	var out outbox
	err := s.store.WithResource(ctx, resourceID, func(ctx context.Context, tx access.ResourceTx) error {
		out = nil
		removed, err := tx.Dequeue(ctx, requesterID)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: %s is not queued for %s", access.ErrNotFound, requesterID, resourceID)
		}
		ev, err := s.queueUpdated(ctx, tx, s.cfg.Now())
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return err
	}
	s.flush(ctx, out)
	return nil
}

func (s *Service) GetStatus(ctx context.Context, resourceID, requesterID string) (Status, error) {
	if resourceID == "" || requesterID == "" {
		return Status{}, fmt.Errorf("%w: resource id and requester id are required", access.ErrInvalidInput)
	}
	var st Status
	err := s.store.WithResource(ctx, resourceID, func(ctx context.Context, tx access.ResourceTx) error {
		st = Status{}
		active, hasActive, err := tx.ActiveLease(ctx)
		if err != nil {
			return err
		}
		if hasActive && active.HolderID == requesterID {
			st.HasActiveLease = true
			st.Lease = active
			return nil
		}
		queue, err := tx.Queue(ctx)
		if err != nil {
			return err
		}
		if access.Position(queue, requesterID) == 0 {
			return nil
		}
		p := s.placement(queue, requesterID, active, hasActive, s.cfg.Now())
		st.Queued = true
		st.QueuePosition = p.Position
		st.EstimatedWait = p.EstimatedWait
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

func (s *Service) ListActiveLeases(ctx context.Context) ([]access.Lease, error) {
	return s.store.ListActiveLeases(ctx)
}

// ListQueues returns every non-empty queue ranked with positions and wait
// estimates, keyed by resource.
func (s *Service) ListQueues(ctx context.Context) (map[string][]access.RankedEntry, error) {
	queues, err := s.store.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ListActiveLeases(ctx)
	if err != nil {
		return nil, err
	}
	now := s.cfg.Now()
	remaining := make(map[string]time.Duration, len(active))
	for _, l := range active {
		remaining[l.ResourceID] = l.Remaining(now)
	}
	out := make(map[string][]access.RankedEntry, len(queues))
	for id, q := range queues {
		out[id] = access.Rank(access.SortQueue(q), remaining[id], s.cfg.Policy)
	}
	return out, nil
}

func (s *Service) ListPendingExtensions(ctx context.Context) ([]access.ExtensionRequest, error) {
	return s.store.ListPendingExtensions(ctx)
}

// ListRecentLeases returns lease history newest first. limit <= 0 means
// DefaultHistoryLimit.
func (s *Service) ListRecentLeases(ctx context.Context, limit int) ([]access.Lease, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.ListRecentLeases(ctx, limit)
}

func (s *Service) queueUpdated(ctx context.Context, tx access.ResourceTx, now time.Time) (notify.Event, error) {
	queue, err := tx.Queue(ctx)
	if err != nil {
		return notify.Event{}, err
	}
	active, ok, err := tx.ActiveLease(ctx)
	if err != nil {
		return notify.Event{}, err
	}
	var remaining time.Duration
	if ok {
		remaining = active.Remaining(now)
	}
	return notify.Event{
		Kind:       notify.KindQueueUpdated,
		Channels:   []string{notify.QueueChannel(tx.ResourceID())},
		ResourceID: tx.ResourceID(),
		Queue:      notify.NewQueueView(access.Rank(queue, remaining, s.cfg.Policy)),
	}, nil
}

func leaseGranted(l access.Lease) notify.Event {
	return notify.Event{
		Kind:       notify.KindLeaseGranted,
		Channels:   []string{notify.QueueChannel(l.ResourceID), notify.LeaseChannel(l.ID)},
		ResourceID: l.ResourceID,
		Lease:      notify.NewLeaseView(l),
	}
}
