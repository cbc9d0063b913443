package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/projectdesk/accessq/internal/access"
)

var ErrInvalidConfig = errors.New("access/postgres: invalid config")

// counterBatchSize bounds the statements sent per pgx batch in SetCounters.
const counterBatchSize = 400

type Store struct {
	pool *pgxpool.Pool
}

var _ access.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("access/postgres: ensure schema: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// mapErr classifies driver errors into the access taxonomy. Errors that are
// already access sentinels pass through unchanged.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		access.ErrInvalidInput,
		access.ErrNotFound,
		access.ErrForbidden,
		access.ErrInvalidState,
		access.ErrConflict,
		access.ErrUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: access/postgres: %s: %w", access.ErrConflict, op, err)
		}
	}
	return fmt.Errorf("%w: access/postgres: %s: %w", access.ErrUnavailable, op, err)
}

func (s *Store) WithResource(ctx context.Context, resourceID string, fn func(ctx context.Context, tx access.ResourceTx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if resourceID == "" {
		return fmt.Errorf("%w: missing resource id", access.ErrInvalidInput)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil callback", access.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The lock row is created lazily and then held FOR UPDATE for the whole
	// transaction; every per-resource mutation serializes on it.
	_, err = tx.Exec(ctx, `
		INSERT INTO resource_locks (resource_id, free, created_at, updated_at)
		VALUES ($1, TRUE, now(), now())
		ON CONFLICT (resource_id) DO NOTHING
	`, resourceID)
	if err != nil {
		return mapErr("ensure lock row", err)
	}

	var (
		free          bool
		holderID      *string
		lastGrantedAt *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT free, holder_id, last_granted_at
		FROM resource_locks
		WHERE resource_id = $1
		FOR UPDATE
	`, resourceID).Scan(&free, &holderID, &lastGrantedAt)
	if err != nil {
		return mapErr("lock resource", err)
	}

	rtx := &resourceTx{
		tx:         tx,
		resourceID: resourceID,
		lock: access.Lock{
			ResourceID:    resourceID,
			Free:          free,
			HolderID:      derefString(holderID),
			LastGrantedAt: derefTime(lastGrantedAt),
		},
	}
	if err := fn(ctx, rtx); err != nil {
		return mapErr("resource callback", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

type resourceTx struct {
	tx         pgx.Tx
	resourceID string
	lock       access.Lock
}

func (t *resourceTx) ResourceID() string { return t.resourceID }

func (t *resourceTx) Lock(_ context.Context) (access.Lock, error) {
	return t.lock, nil
}

func (t *resourceTx) PutLock(ctx context.Context, l access.Lock) error {
	if l.ResourceID != t.resourceID {
		return fmt.Errorf("%w: lock for %q in tx for %q", access.ErrInvalidInput, l.ResourceID, t.resourceID)
	}
	if !l.Free && l.HolderID == "" {
		return fmt.Errorf("%w: occupied lock without holder", access.ErrInvalidInput)
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE resource_locks
		SET free = $2,
			holder_id = $3,
			last_granted_at = $4,
			updated_at = now()
		WHERE resource_id = $1
	`, t.resourceID, l.Free, nullString(l.HolderID), nullTime(l.LastGrantedAt))
	if err != nil {
		return mapErr("put lock", err)
	}
	t.lock = l
	return nil
}

const leaseColumns = `lease_id, resource_id, holder_id, holder_role, status, started_at, expires_at, extended, ended_at, ended_by`

func scanLease(row pgx.Row) (access.Lease, error) {
	var (
		l       access.Lease
		role    int16
		status  int16
		endedAt *time.Time
		endedBy *string
	)
	if err := row.Scan(&l.ID, &l.ResourceID, &l.HolderID, &role, &status, &l.StartedAt, &l.ExpiresAt, &l.Extended, &endedAt, &endedBy); err != nil {
		return access.Lease{}, err
	}
	l.HolderRole = access.Role(role)
	l.Status = access.LeaseStatus(status)
	l.EndedAt = derefTime(endedAt)
	l.EndedBy = derefString(endedBy)
	return l, nil
}

func queryLeases(ctx context.Context, q querier, op string, sql string, args ...any) ([]access.Lease, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var out []access.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, mapErr(op+": scan", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op+": rows", err)
	}
	return out, nil
}

func (t *resourceTx) ActiveLease(ctx context.Context) (access.Lease, bool, error) {
	l, err := scanLease(t.tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM access_leases WHERE resource_id = $1 AND status = $2`,
		t.resourceID, int16(access.LeaseStatusActive)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.Lease{}, false, nil
		}
		return access.Lease{}, false, mapErr("active lease", err)
	}
	return l, true, nil
}

func (t *resourceTx) Lease(ctx context.Context, leaseID string) (access.Lease, error) {
	l, err := scanLease(t.tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM access_leases WHERE lease_id = $1 AND resource_id = $2`,
		leaseID, t.resourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.Lease{}, access.ErrNotFound
		}
		return access.Lease{}, mapErr("get lease", err)
	}
	return l, nil
}

func (t *resourceTx) InsertLease(ctx context.Context, l access.Lease) error {
	if err := t.checkLease(l); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO access_leases (
			lease_id, resource_id, holder_id, holder_role, status,
			started_at, expires_at, extended, ended_at, ended_by, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
	`, l.ID, l.ResourceID, l.HolderID, int16(l.HolderRole), int16(l.Status),
		l.StartedAt, l.ExpiresAt, l.Extended, nullTime(l.EndedAt), nullString(l.EndedBy))
	if err != nil {
		return mapErr("insert lease", err)
	}
	return nil
}

func (t *resourceTx) UpdateLease(ctx context.Context, l access.Lease) error {
	if err := t.checkLease(l); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE access_leases
		SET status = $3,
			expires_at = $4,
			extended = $5,
			ended_at = $6,
			ended_by = $7,
			updated_at = now()
		WHERE lease_id = $1 AND resource_id = $2
	`, l.ID, l.ResourceID, int16(l.Status), l.ExpiresAt, l.Extended, nullTime(l.EndedAt), nullString(l.EndedBy))
	if err != nil {
		return mapErr("update lease", err)
	}
	if tag.RowsAffected() != 1 {
		return access.ErrNotFound
	}
	return nil
}

func (t *resourceTx) checkLease(l access.Lease) error {
	if l.ID == "" || l.HolderID == "" {
		return fmt.Errorf("%w: lease id and holder are required", access.ErrInvalidInput)
	}
	if l.ResourceID != t.resourceID {
		return fmt.Errorf("%w: lease for %q in tx for %q", access.ErrInvalidInput, l.ResourceID, t.resourceID)
	}
	return nil
}

const queueColumns = `resource_id, requester_id, role, priority_tier, joined_at, extension_requested, seq`
const queueOrder = `ORDER BY priority_tier ASC, joined_at ASC, seq ASC`

func scanEntry(row pgx.Row) (access.QueueEntry, error) {
	var (
		e    access.QueueEntry
		role int16
		tier int32
	)
	if err := row.Scan(&e.ResourceID, &e.RequesterID, &role, &tier, &e.JoinedAt, &e.ExtensionRequested, &e.Seq); err != nil {
		return access.QueueEntry{}, err
	}
	e.Role = access.Role(role)
	e.PriorityTier = int(tier)
	return e, nil
}

func (t *resourceTx) Queue(ctx context.Context) ([]access.QueueEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+queueColumns+` FROM access_queue_entries WHERE resource_id = $1 `+queueOrder, t.resourceID)
	if err != nil {
		return nil, mapErr("queue", err)
	}
	defer rows.Close()

	var out []access.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapErr("queue: scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("queue: rows", err)
	}
	return out, nil
}

func (t *resourceTx) Enqueue(ctx context.Context, e access.QueueEntry) (access.QueueEntry, error) {
	if e.RequesterID == "" {
		return access.QueueEntry{}, fmt.Errorf("%w: missing requester id", access.ErrInvalidInput)
	}
	if e.ResourceID != t.resourceID {
		return access.QueueEntry{}, fmt.Errorf("%w: entry for %q in tx for %q", access.ErrInvalidInput, e.ResourceID, t.resourceID)
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO access_queue_entries (resource_id, requester_id, role, priority_tier, joined_at, extension_requested)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (resource_id, requester_id) DO NOTHING
		RETURNING seq
	`, e.ResourceID, e.RequesterID, int16(e.Role), int32(e.PriorityTier), e.JoinedAt, e.ExtensionRequested).Scan(&e.Seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.QueueEntry{}, fmt.Errorf("%w: %q already queued", access.ErrInvalidState, e.RequesterID)
		}
		return access.QueueEntry{}, mapErr("enqueue", err)
	}
	return e, nil
}

func (t *resourceTx) Dequeue(ctx context.Context, requesterID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM access_queue_entries WHERE resource_id = $1 AND requester_id = $2`, t.resourceID, requesterID)
	if err != nil {
		return false, mapErr("dequeue", err)
	}
	return tag.RowsAffected() == 1, nil
}

const extensionColumns = `request_id, lease_id, resource_id, requester_id, status, requested_at, prior_lease_expires_at, requested_duration_ms, decided_by, decided_at, reason, new_expires_at`

func scanExtension(row pgx.Row) (access.ExtensionRequest, error) {
	var (
		r          access.ExtensionRequest
		status     int16
		durationMS int64
		decidedBy  *string
		decidedAt  *time.Time
		reason     *string
		newExpires *time.Time
	)
	if err := row.Scan(&r.ID, &r.LeaseID, &r.ResourceID, &r.RequesterID, &status, &r.RequestedAt, &r.PriorLeaseExpiresAt, &durationMS, &decidedBy, &decidedAt, &reason, &newExpires); err != nil {
		return access.ExtensionRequest{}, err
	}
	r.Status = access.ExtensionStatus(status)
	r.RequestedDuration = time.Duration(durationMS) * time.Millisecond
	r.DecidedBy = derefString(decidedBy)
	r.DecidedAt = derefTime(decidedAt)
	r.Reason = derefString(reason)
	r.NewExpiresAt = derefTime(newExpires)
	return r, nil
}

func (t *resourceTx) Extension(ctx context.Context, requestID string) (access.ExtensionRequest, error) {
	r, err := scanExtension(t.tx.QueryRow(ctx, `SELECT `+extensionColumns+` FROM access_extension_requests WHERE request_id = $1 AND resource_id = $2`,
		requestID, t.resourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.ExtensionRequest{}, access.ErrNotFound
		}
		return access.ExtensionRequest{}, mapErr("get extension", err)
	}
	return r, nil
}

func (t *resourceTx) PendingExtension(ctx context.Context, leaseID string) (access.ExtensionRequest, bool, error) {
	r, err := scanExtension(t.tx.QueryRow(ctx, `SELECT `+extensionColumns+` FROM access_extension_requests WHERE lease_id = $1 AND status = $2`,
		leaseID, int16(access.ExtensionStatusPending)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.ExtensionRequest{}, false, nil
		}
		return access.ExtensionRequest{}, false, mapErr("pending extension", err)
	}
	return r, true, nil
}

func (t *resourceTx) InsertExtension(ctx context.Context, r access.ExtensionRequest) error {
	if r.ID == "" || r.LeaseID == "" {
		return fmt.Errorf("%w: extension id and lease id are required", access.ErrInvalidInput)
	}
	if r.ResourceID != t.resourceID {
		return fmt.Errorf("%w: extension for %q in tx for %q", access.ErrInvalidInput, r.ResourceID, t.resourceID)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO access_extension_requests (
			request_id, lease_id, resource_id, requester_id, status,
			requested_at, prior_lease_expires_at, requested_duration_ms,
			decided_by, decided_at, reason, new_expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, r.ID, r.LeaseID, r.ResourceID, r.RequesterID, int16(r.Status),
		r.RequestedAt, r.PriorLeaseExpiresAt, r.RequestedDuration.Milliseconds(),
		nullString(r.DecidedBy), nullTime(r.DecidedAt), nullString(r.Reason), nullTime(r.NewExpiresAt))
	if err != nil {
		return mapErr("insert extension", err)
	}
	return nil
}

func (t *resourceTx) UpdateExtension(ctx context.Context, r access.ExtensionRequest) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE access_extension_requests
		SET status = $3,
			decided_by = $4,
			decided_at = $5,
			reason = $6,
			new_expires_at = $7
		WHERE request_id = $1 AND resource_id = $2
	`, r.ID, t.resourceID, int16(r.Status), nullString(r.DecidedBy), nullTime(r.DecidedAt), nullString(r.Reason), nullTime(r.NewExpiresAt))
	if err != nil {
		return mapErr("update extension", err)
	}
	if tag.RowsAffected() != 1 {
		return access.ErrNotFound
	}
	return nil
}

func (t *resourceTx) AdjustCounter(ctx context.Context, requesterID string, role access.Role, delta int) error {
	if requesterID == "" {
		return fmt.Errorf("%w: missing requester id", access.ErrInvalidInput)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO requester_counters (requester_id, role, active_leases, updated_at)
		VALUES ($1, $2, GREATEST($3::int, 0), now())
		ON CONFLICT (requester_id) DO UPDATE
		SET role = EXCLUDED.role,
			active_leases = GREATEST(requester_counters.active_leases + $3::int, 0),
			updated_at = now()
	`, requesterID, int16(role), int32(delta))
	if err != nil {
		return mapErr("adjust counter", err)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, leaseID string) (access.Lease, error) {
	if s == nil || s.pool == nil {
		return access.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	l, err := scanLease(s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM access_leases WHERE lease_id = $1`, leaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.Lease{}, access.ErrNotFound
		}
		return access.Lease{}, mapErr("get lease", err)
	}
	return l, nil
}

func (s *Store) GetExtension(ctx context.Context, requestID string) (access.ExtensionRequest, error) {
	if s == nil || s.pool == nil {
		return access.ExtensionRequest{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	r, err := scanExtension(s.pool.QueryRow(ctx, `SELECT `+extensionColumns+` FROM access_extension_requests WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.ExtensionRequest{}, access.ErrNotFound
		}
		return access.ExtensionRequest{}, mapErr("get extension", err)
	}
	return r, nil
}

func (s *Store) ListActiveLeases(ctx context.Context) ([]access.Lease, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return queryLeases(ctx, s.pool, "list active leases",
		`SELECT `+leaseColumns+` FROM access_leases WHERE status = $1 ORDER BY started_at ASC, lease_id ASC`,
		int16(access.LeaseStatusActive))
}

func (s *Store) ListOverdueLeases(ctx context.Context, now time.Time) ([]access.Lease, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return queryLeases(ctx, s.pool, "list overdue leases",
		`SELECT `+leaseColumns+` FROM access_leases WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at ASC`,
		int16(access.LeaseStatusActive), now)
}

func (s *Store) ListRecentLeases(ctx context.Context, limit int) ([]access.Lease, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", access.ErrInvalidInput)
	}
	return queryLeases(ctx, s.pool, "list recent leases",
		`SELECT `+leaseColumns+` FROM access_leases ORDER BY started_at DESC LIMIT $1`, limit)
}

func (s *Store) ListQueues(ctx context.Context) (map[string][]access.QueueEntry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+queueColumns+` FROM access_queue_entries ORDER BY resource_id ASC, priority_tier ASC, joined_at ASC, seq ASC`)
	if err != nil {
		return nil, mapErr("list queues", err)
	}
	defer rows.Close()

	out := make(map[string][]access.QueueEntry)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapErr("list queues: scan", err)
		}
		out[e.ResourceID] = append(out[e.ResourceID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list queues: rows", err)
	}
	return out, nil
}

func (s *Store) ListPendingExtensions(ctx context.Context) ([]access.ExtensionRequest, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+extensionColumns+` FROM access_extension_requests WHERE status = $1 ORDER BY requested_at ASC`,
		int16(access.ExtensionStatusPending))
	if err != nil {
		return nil, mapErr("list pending extensions", err)
	}
	defer rows.Close()

	var out []access.ExtensionRequest
	for rows.Next() {
		r, err := scanExtension(rows)
		if err != nil {
			return nil, mapErr("list pending extensions: scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list pending extensions: rows", err)
	}
	return out, nil
}

func (s *Store) MarkExpired(ctx context.Context, leaseID string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE access_leases
		SET status = $2,
			ended_at = $3,
			updated_at = now()
		WHERE lease_id = $1 AND status = $4
	`, leaseID, int16(access.LeaseStatusExpired), at, int16(access.LeaseStatusActive))
	if err != nil {
		return false, mapErr("mark expired", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetLease(ctx, leaseID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) CountActiveLeases(ctx context.Context, holderID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM access_leases WHERE holder_id = $1 AND status = $2`,
		holderID, int16(access.LeaseStatusActive)).Scan(&n)
	if err != nil {
		return 0, mapErr("count active leases", err)
	}
	return int(n), nil
}

func (s *Store) GetCounter(ctx context.Context, requesterID string) (access.Counter, error) {
	if s == nil || s.pool == nil {
		return access.Counter{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var (
		c    access.Counter
		role int16
		n    int32
	)
	err := s.pool.QueryRow(ctx, `SELECT requester_id, role, active_leases, updated_at FROM requester_counters WHERE requester_id = $1`,
		requesterID).Scan(&c.RequesterID, &role, &n, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.Counter{}, access.ErrNotFound
		}
		return access.Counter{}, mapErr("get counter", err)
	}
	c.Role = access.Role(role)
	c.ActiveLeases = int(n)
	return c, nil
}

// SetCounters overwrites counters using pgx batches. A zero Role keeps the
// stored role.
func (s *Store) SetCounters(ctx context.Context, counters []access.Counter) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	for _, c := range counters {
		if c.RequesterID == "" || c.ActiveLeases < 0 {
			return fmt.Errorf("%w: invalid counter", access.ErrInvalidInput)
		}
	}

	for start := 0; start < len(counters); start += counterBatchSize {
		end := min(start+counterBatchSize, len(counters))

		b := &pgx.Batch{}
		for _, c := range counters[start:end] {
			b.Queue(`
				INSERT INTO requester_counters (requester_id, role, active_leases, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (requester_id) DO UPDATE
				SET role = CASE WHEN $2::smallint = 0 THEN requester_counters.role ELSE EXCLUDED.role END,
					active_leases = EXCLUDED.active_leases,
					updated_at = now()
			`, c.RequesterID, int16(c.Role), int32(c.ActiveLeases))
		}
		br := s.pool.SendBatch(ctx, b)
		for range counters[start:end] {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return mapErr("set counters", err)
			}
		}
		if err := br.Close(); err != nil {
			return mapErr("set counters: close batch", err)
		}
	}
	return nil
}

func (s *Store) ListRequestersByRole(ctx context.Context, role access.Role) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `SELECT requester_id FROM requester_counters WHERE role = $1 ORDER BY requester_id ASC`, int16(role))
	if err != nil {
		return nil, mapErr("list requesters", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("list requesters: scan", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list requesters: rows", err)
	}
	return out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
