// Package sweeper periodically expires overdue leases and warns holders whose
// leases are about to end.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/projectdesk/accessq/internal/access"
	"github.com/projectdesk/accessq/internal/metrics"
	"github.com/projectdesk/accessq/internal/notify"
)

var ErrInvalidConfig = errors.New("sweeper: invalid config")

const (
	DefaultInterval      = 5 * time.Second
	DefaultEndingWarning = 10 * time.Second
)

// Expirer expires overdue leases of one resource and re-runs admission for it.
type Expirer interface {
	ExpireOverdue(ctx context.Context, resourceID string, leaseIDs []string) ([]access.Lease, error)
}

type Config struct {
	Interval time.Duration
	// EndingWarning is how long before expiry a lease.ending event is sent.
	// Negative disables warnings.
	EndingWarning time.Duration

	Now func() time.Time
}

// Summary describes one sweep pass.
type Summary struct {
	ExpiredCount int
	ResourceIDs  []string
	LeaseIDs     []string
	// Orphans are leases without a resource or holder, expired in place.
	Orphans []string
	// Failed lists resources whose expiry failed; they are retried next pass.
	Failed []string
}

type Sweeper struct {
	cfg Config

	store   access.Store
	expirer Expirer
	events  *notify.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	warned map[string]time.Time // lease id -> deadline that was warned about
}

func New(cfg Config, store access.Store, expirer Expirer, events *notify.Publisher, m *metrics.Metrics, log *slog.Logger) (*Sweeper, error) {
	if store == nil || expirer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("%w: interval must be >= 0", ErrInvalidConfig)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.EndingWarning == 0 {
		cfg.EndingWarning = DefaultEndingWarning
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Sweeper{
		cfg:     cfg,
		store:   store,
		expirer: expirer,
		events:  events,
		metrics: m,
		log:     log,
		warned:  make(map[string]time.Time),
	}, nil
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.runOnce(ctx)

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("sweep", "err", err)
	}
	if err := s.WarnEnding(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("ending warnings", "err", err)
	}
}

// Sweep expires every overdue lease. A failure on one resource does not stop
// the others; the returned error covers only the initial listing.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	now := s.cfg.Now()
	overdue, err := s.store.ListOverdueLeases(ctx, now)
	if err != nil {
		s.metrics.Sweep(0, 1, now)
		return Summary{}, err
	}

	var sum Summary
	byResource := make(map[string][]string)
	for _, l := range overdue {
		if l.ResourceID == "" || l.HolderID == "" {
			ok, err := s.store.MarkExpired(ctx, l.ID, now)
			if err != nil {
				s.log.Error("expire orphan lease", "lease", l.ID, "err", err)
				continue
			}
			if ok {
				s.log.Warn("expired orphan lease", "lease", l.ID, "resource", l.ResourceID, "holder", l.HolderID)
				sum.Orphans = append(sum.Orphans, l.ID)
			}
			continue
		}
		byResource[l.ResourceID] = append(byResource[l.ResourceID], l.ID)
	}

	resources := make([]string, 0, len(byResource))
	for id := range byResource {
		resources = append(resources, id)
	}
	slices.Sort(resources)

	for _, resourceID := range resources {
		expired, err := s.expirer.ExpireOverdue(ctx, resourceID, byResource[resourceID])
		if err != nil {
			s.log.Error("expire resource", "resource", resourceID, "err", err)
			sum.Failed = append(sum.Failed, resourceID)
			continue
		}
		if len(expired) == 0 {
			continue
		}
		sum.ResourceIDs = append(sum.ResourceIDs, resourceID)
		for _, l := range expired {
			sum.LeaseIDs = append(sum.LeaseIDs, l.ID)
			s.forget(l.ID)
		}
	}
	sum.ExpiredCount = len(sum.LeaseIDs) + len(sum.Orphans)

	s.metrics.Sweep(sum.ExpiredCount, len(sum.Failed), now)
	if sum.ExpiredCount > 0 || len(sum.Failed) > 0 {
		s.log.Info("sweep completed", "expired", sum.ExpiredCount, "resources", len(sum.ResourceIDs), "failed", len(sum.Failed))
		s.events.Publish(ctx, notify.Event{
			Kind: notify.KindSweepCompleted,
			Sweep: &notify.SweepView{
				ExpiredCount: sum.ExpiredCount,
				ResourceIDs:  sum.ResourceIDs,
				LeaseIDs:     append(slices.Clone(sum.LeaseIDs), sum.Orphans...),
				Failed:       sum.Failed,
			},
		})
	}
	return sum, nil
}

// WarnEnding emits one lease.ending event per lease deadline inside the
// warning window. An extended lease is warned again about its new deadline.
func (s *Sweeper) WarnEnding(ctx context.Context) error {
	if s.cfg.EndingWarning < 0 {
		return nil
	}
	active, err := s.store.ListActiveLeases(ctx)
	if err != nil {
		return err
	}
	now := s.cfg.Now()

	s.mu.Lock()
	live := make(map[string]struct{}, len(active))
	var due []access.Lease
	for _, l := range active {
		live[l.ID] = struct{}{}
		remaining := l.Remaining(now)
		if remaining <= 0 || remaining > s.cfg.EndingWarning {
			continue
		}
		if at, ok := s.warned[l.ID]; ok && at.Equal(l.ExpiresAt) {
			continue
		}
		s.warned[l.ID] = l.ExpiresAt
		due = append(due, l)
	}
	for id := range s.warned {
		if _, ok := live[id]; !ok {
			delete(s.warned, id)
		}
	}
	s.mu.Unlock()

	for _, l := range due {
		s.events.Publish(ctx, notify.Event{
			Kind:        notify.KindLeaseEnding,
			Channels:    []string{notify.LeaseChannel(l.ID)},
			ResourceID:  l.ResourceID,
			Lease:       notify.NewLeaseView(l),
			RemainingMS: l.Remaining(now).Milliseconds(),
		})
	}
	return nil
}

func (s *Sweeper) forget(leaseID string) {
	s.mu.Lock()
	delete(s.warned, leaseID)
	s.mu.Unlock()
}
