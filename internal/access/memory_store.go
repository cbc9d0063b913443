package access

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	now func() time.Time

	// resMu guards resLocks; each resource mutex serializes WithResource.
	resMu    sync.Mutex
	resLocks map[string]*sync.Mutex

	mu         sync.Mutex
	seq        int64
	locks      map[string]Lock
	leases     map[string]Lease
	byResource map[string][]string
	queues     map[string][]QueueEntry
	extensions map[string]ExtensionRequest
	counters   map[string]Counter
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:        now,
		resLocks:   make(map[string]*sync.Mutex),
		locks:      make(map[string]Lock),
		leases:     make(map[string]Lease),
		byResource: make(map[string][]string),
		queues:     make(map[string][]QueueEntry),
		extensions: make(map[string]ExtensionRequest),
		counters:   make(map[string]Counter),
	}
}

func (s *MemoryStore) resourceMutex(resourceID string) *sync.Mutex {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	m, ok := s.resLocks[resourceID]
	if !ok {
		m = new(sync.Mutex)
		s.resLocks[resourceID] = m
	}
	return m
}

func (s *MemoryStore) WithResource(ctx context.Context, resourceID string, fn func(ctx context.Context, tx ResourceTx) error) error {
	if err := validateID("resource id", resourceID); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidInput)
	}

	m := s.resourceMutex(resourceID)
	m.Lock()
	defer m.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	tx := &memoryTx{
		s:          s,
		resourceID: resourceID,
		leases:     make(map[string]Lease),
		extensions: make(map[string]ExtensionRequest),
		counters:   make(map[string]counterDelta),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.lock != nil {
		s.locks[tx.resourceID] = *tx.lock
	}
	for id, l := range tx.leases {
		if _, exists := s.leases[id]; !exists {
			s.byResource[l.ResourceID] = append(s.byResource[l.ResourceID], id)
		}
		s.leases[id] = l
	}
	if tx.queueDirty {
		if len(tx.queue) == 0 {
			delete(s.queues, tx.resourceID)
		} else {
			s.queues[tx.resourceID] = slices.Clone(tx.queue)
		}
	}
	for id, r := range tx.extensions {
		s.extensions[id] = r
	}
	now := s.now()
	for id, d := range tx.counters {
		c := s.counters[id]
		c.RequesterID = id
		c.Role = d.role
		c.ActiveLeases += d.delta
		if c.ActiveLeases < 0 {
			c.ActiveLeases = 0
		}
		c.UpdatedAt = now
		s.counters[id] = c
	}
}

type counterDelta struct {
	role  Role
	delta int
}

type memoryTx struct {
	s          *MemoryStore
	resourceID string

	lock       *Lock
	leases     map[string]Lease
	queue      []QueueEntry
	queueRead  bool
	queueDirty bool
	extensions map[string]ExtensionRequest
	counters   map[string]counterDelta
}

func (t *memoryTx) ResourceID() string { return t.resourceID }

func (t *memoryTx) Lock(_ context.Context) (Lock, error) {
	if t.lock != nil {
		return *t.lock, nil
	}
	t.s.mu.Lock()
	l, ok := t.s.locks[t.resourceID]
	t.s.mu.Unlock()
	if !ok {
		return Lock{ResourceID: t.resourceID, Free: true}, nil
	}
	return l, nil
}

func (t *memoryTx) PutLock(_ context.Context, l Lock) error {
	if l.ResourceID != t.resourceID {
		return fmt.Errorf("%w: lock for %q in tx for %q", ErrInvalidInput, l.ResourceID, t.resourceID)
	}
	if !l.Free && l.HolderID == "" {
		return fmt.Errorf("%w: occupied lock without holder", ErrInvalidInput)
	}
	t.lock = &l
	return nil
}

// resourceLeases merges committed leases of the resource with staged writes.
func (t *memoryTx) resourceLeases() []Lease {
	t.s.mu.Lock()
	ids := t.s.byResource[t.resourceID]
	out := make([]Lease, 0, len(ids)+len(t.leases))
	for _, id := range ids {
		if _, staged := t.leases[id]; staged {
			continue
		}
		out = append(out, t.s.leases[id])
	}
	t.s.mu.Unlock()

	for _, l := range t.leases {
		out = append(out, l)
	}
	return out
}

func (t *memoryTx) ActiveLease(_ context.Context) (Lease, bool, error) {
	for _, l := range t.resourceLeases() {
		if l.Active() {
			return l, true, nil
		}
	}
	return Lease{}, false, nil
}

func (t *memoryTx) Lease(_ context.Context, leaseID string) (Lease, error) {
	if l, ok := t.leases[leaseID]; ok {
		return l, nil
	}
	t.s.mu.Lock()
	l, ok := t.s.leases[leaseID]
	t.s.mu.Unlock()
	if !ok || l.ResourceID != t.resourceID {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (t *memoryTx) InsertLease(ctx context.Context, l Lease) error {
	if err := t.checkLease(l); err != nil {
		return err
	}
	if _, err := t.Lease(ctx, l.ID); err == nil {
		return fmt.Errorf("%w: duplicate lease id %q", ErrConflict, l.ID)
	}
	if l.Active() {
		if cur, ok, _ := t.ActiveLease(ctx); ok {
			return fmt.Errorf("%w: resource %q already leased by %q", ErrConflict, t.resourceID, cur.HolderID)
		}
	}
	t.leases[l.ID] = l
	return nil
}

func (t *memoryTx) UpdateLease(ctx context.Context, l Lease) error {
	if err := t.checkLease(l); err != nil {
		return err
	}
	if _, err := t.Lease(ctx, l.ID); err != nil {
		return err
	}
	t.leases[l.ID] = l
	return nil
}

func (t *memoryTx) checkLease(l Lease) error {
	if l.ID == "" || l.HolderID == "" {
		return fmt.Errorf("%w: lease id and holder are required", ErrInvalidInput)
	}
	if l.ResourceID != t.resourceID {
		return fmt.Errorf("%w: lease for %q in tx for %q", ErrInvalidInput, l.ResourceID, t.resourceID)
	}
	return nil
}

func (t *memoryTx) loadQueue() {
	if t.queueRead {
		return
	}
	t.s.mu.Lock()
	t.queue = slices.Clone(t.s.queues[t.resourceID])
	t.s.mu.Unlock()
	t.queueRead = true
}

func (t *memoryTx) Queue(_ context.Context) ([]QueueEntry, error) {
	t.loadQueue()
	return SortQueue(t.queue), nil
}

func (t *memoryTx) Enqueue(_ context.Context, e QueueEntry) (QueueEntry, error) {
	if e.RequesterID == "" {
		return QueueEntry{}, fmt.Errorf("%w: missing requester id", ErrInvalidInput)
	}
	if e.ResourceID != t.resourceID {
		return QueueEntry{}, fmt.Errorf("%w: entry for %q in tx for %q", ErrInvalidInput, e.ResourceID, t.resourceID)
	}
	t.loadQueue()
	if Position(t.queue, e.RequesterID) != 0 {
		return QueueEntry{}, fmt.Errorf("%w: %q already queued", ErrInvalidState, e.RequesterID)
	}

	t.s.mu.Lock()
	t.s.seq++
	e.Seq = t.s.seq
	t.s.mu.Unlock()

	t.queue = append(t.queue, e)
	t.queueDirty = true
	return e, nil
}

func (t *memoryTx) Dequeue(_ context.Context, requesterID string) (bool, error) {
	t.loadQueue()
	i := Position(t.queue, requesterID)
	if i == 0 {
		return false, nil
	}
	t.queue = slices.Delete(t.queue, i-1, i)
	t.queueDirty = true
	return true, nil
}

func (t *memoryTx) Extension(_ context.Context, requestID string) (ExtensionRequest, error) {
	if r, ok := t.extensions[requestID]; ok {
		return r, nil
	}
	t.s.mu.Lock()
	r, ok := t.s.extensions[requestID]
	t.s.mu.Unlock()
	if !ok || r.ResourceID != t.resourceID {
		return ExtensionRequest{}, ErrNotFound
	}
	return r, nil
}

func (t *memoryTx) PendingExtension(_ context.Context, leaseID string) (ExtensionRequest, bool, error) {
	for _, r := range t.extensions {
		if r.LeaseID == leaseID && r.Status == ExtensionStatusPending {
			return r, true, nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, r := range t.s.extensions {
		if _, staged := t.extensions[id]; staged {
			continue
		}
		if r.LeaseID == leaseID && r.Status == ExtensionStatusPending {
			return r, true, nil
		}
	}
	return ExtensionRequest{}, false, nil
}

func (t *memoryTx) InsertExtension(ctx context.Context, r ExtensionRequest) error {
	if r.ID == "" || r.LeaseID == "" {
		return fmt.Errorf("%w: extension id and lease id are required", ErrInvalidInput)
	}
	if r.ResourceID != t.resourceID {
		return fmt.Errorf("%w: extension for %q in tx for %q", ErrInvalidInput, r.ResourceID, t.resourceID)
	}
	if _, err := t.Extension(ctx, r.ID); err == nil {
		return fmt.Errorf("%w: duplicate extension id %q", ErrConflict, r.ID)
	}
	t.extensions[r.ID] = r
	return nil
}

func (t *memoryTx) UpdateExtension(ctx context.Context, r ExtensionRequest) error {
	if _, err := t.Extension(ctx, r.ID); err != nil {
		return err
	}
	t.extensions[r.ID] = r
	return nil
}

func (t *memoryTx) AdjustCounter(_ context.Context, requesterID string, role Role, delta int) error {
	if requesterID == "" {
		return fmt.Errorf("%w: missing requester id", ErrInvalidInput)
	}
	d := t.counters[requesterID]
	d.role = role
	d.delta += delta
	t.counters[requesterID] = d
	return nil
}

func (s *MemoryStore) GetLease(_ context.Context, leaseID string) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) GetExtension(_ context.Context, requestID string) (ExtensionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.extensions[requestID]
	if !ok {
		return ExtensionRequest{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListActiveLeases(_ context.Context) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lease
	for _, l := range s.leases {
		if l.Active() {
			out = append(out, l)
		}
	}
	sortLeasesByStart(out)
	return out, nil
}

func (s *MemoryStore) ListOverdueLeases(_ context.Context, now time.Time) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lease
	for _, l := range s.leases {
		if l.Active() && !l.ExpiresAt.After(now) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Lease) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return out, nil
}

func (s *MemoryStore) ListRecentLeases(_ context.Context, limit int) ([]Lease, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Lease) int { return b.StartedAt.Compare(a.StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListQueues(_ context.Context) (map[string][]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]QueueEntry, len(s.queues))
	for id, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		out[id] = SortQueue(q)
	}
	return out, nil
}

func (s *MemoryStore) ListPendingExtensions(_ context.Context) ([]ExtensionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ExtensionRequest
	for _, r := range s.extensions {
		if r.Status == ExtensionStatusPending {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b ExtensionRequest) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, leaseID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return false, ErrNotFound
	}
	if !l.Active() {
		return false, nil
	}
	l.Status = LeaseStatusExpired
	l.EndedAt = at
	s.leases[leaseID] = l
	return true, nil
}

func (s *MemoryStore) CountActiveLeases(_ context.Context, holderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, l := range s.leases {
		if l.HolderID == holderID && l.Active() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetCounter(_ context.Context, requesterID string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[requesterID]
	if !ok {
		return Counter{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) SetCounters(_ context.Context, counters []Counter) error {
	for _, c := range counters {
		if c.RequesterID == "" || c.ActiveLeases < 0 {
			return fmt.Errorf("%w: invalid counter", ErrInvalidInput)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, c := range counters {
		prev, ok := s.counters[c.RequesterID]
		if ok && c.Role == RoleUnknown {
			c.Role = prev.Role
		}
		c.UpdatedAt = now
		s.counters[c.RequesterID] = c
	}
	return nil
}

func (s *MemoryStore) ListRequestersByRole(_ context.Context, role Role) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, c := range s.counters {
		if c.Role == role {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func sortLeasesByStart(ls []Lease) {
	slices.SortFunc(ls, func(a, b Lease) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
