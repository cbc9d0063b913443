package admission

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/projectdesk/accessq/internal/access"
	"github.com/projectdesk/accessq/internal/metrics"
)

const DefaultReconcileBatchSize = 400

type ReconcilerConfig struct {
	// BatchSize bounds the counters written per store call.
	BatchSize int
}

// Reconciler recomputes derived per-requester counters from lease records.
// It never grants or revokes access.
type Reconciler struct {
	batchSize int

	store   access.Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewReconciler(cfg ReconcilerConfig, store access.Store, m *metrics.Metrics, log *slog.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("%w: batch size must be >= 0", ErrInvalidConfig)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultReconcileBatchSize
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Reconciler{
		batchSize: cfg.BatchSize,
		store:     store,
		metrics:   m,
		log:       log,
	}, nil
}

// ReconcileCounter sets one requester's counter to its number of active leases.
func (r *Reconciler) ReconcileCounter(ctx context.Context, requesterID string) (access.Counter, error) {
	if requesterID == "" {
		return access.Counter{}, fmt.Errorf("%w: missing requester id", access.ErrInvalidInput)
	}
	n, err := r.store.CountActiveLeases(ctx, requesterID)
	if err != nil {
		return access.Counter{}, err
	}
	if err := r.store.SetCounters(ctx, []access.Counter{{RequesterID: requesterID, ActiveLeases: n}}); err != nil {
		return access.Counter{}, err
	}
	r.metrics.Reconciled(1)
	return r.store.GetCounter(ctx, requesterID)
}

// ReconcileAllGuestCounters recomputes the counter of every guest requester,
// writing in batches. It returns the number of counters written.
func (r *Reconciler) ReconcileAllGuestCounters(ctx context.Context) (int, error) {
	ids, err := r.store.ListRequestersByRole(ctx, access.RoleGuest)
	if err != nil {
		return 0, err
	}

	written := 0
	batch := make([]access.Counter, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.store.SetCounters(ctx, batch); err != nil {
			return err
		}
		written += len(batch)
		r.metrics.Reconciled(len(batch))
		batch = batch[:0]
		return nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := r.store.CountActiveLeases(ctx, id)
		if err != nil {
			return written, err
		}
		batch = append(batch, access.Counter{RequesterID: id, Role: access.RoleGuest, ActiveLeases: n})
		if len(batch) == r.batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	r.log.Info("guest counters reconciled", "count", written)
	return written, nil
}
