package repository

import (
	"context"
	"sort"
	"sync"

	"tableside/internal/microservices/order/domain"
)

type submissionKey struct {
	tenantID string
	key      string
}

// MemoryRepository keeps orders in process memory. Transactions buffer their
// writes and apply them at commit under one mutex, so a failed callback leaves
// no trace. It backs tests and the "memory" database driver.
type MemoryRepository struct {
	mu          sync.Mutex
	orders      map[string]*domain.Order
	openByKey   map[domain.Key]string
	reserved    map[domain.Key]*memTx
	logs        map[string][]domain.StatusChange
	submissions map[submissionKey]Submission
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:      make(map[string]*domain.Order),
		openByKey:   make(map[domain.Key]string),
		reserved:    make(map[domain.Key]*memTx),
		logs:        make(map[string][]domain.StatusChange),
		submissions: make(map[submissionKey]Submission),
	}
}

func (m *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify(err, "failed to begin transaction")
	}
	tx := &memTx{
		repo:        m,
		inserted:    make(map[string]*domain.Order),
		saved:       make(map[string]*domain.Order),
		baseVersion: make(map[string]int64),
		submissions: make(map[submissionKey]Submission),
	}
	if err := fn(tx); err != nil {
		tx.release()
		return err
	}
	return tx.commit()
}

func (m *MemoryRepository) GetByID(_ context.Context, tenantID, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, nil
	}
	return o.Clone(), nil
}

func (m *MemoryRepository) GetLatestBySession(_ context.Context, tenantID, sessionID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*domain.Order
	for _, o := range m.orders {
		if o.TenantID == tenantID && o.SessionID == sessionID {
			candidates = append(candidates, o)
		}
	}
	return pickLatest(candidates).Clone(), nil
}

func (m *MemoryRepository) Timeline(_ context.Context, tenantID, orderID string, limit, offset int) ([]domain.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StatusChange, 0)
	o, ok := m.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return out, nil
	}
	log := m.logs[orderID]
	if offset >= len(log) {
		return out, nil
	}
	end := len(log)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append(out, log[offset:end]...), nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

// pickLatest prefers an open order, then the newest by creation time.
func pickLatest(orders []*domain.Order) *domain.Order {
	if len(orders) == 0 {
		return nil
	}
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.IsOrderComplete != b.IsOrderComplete {
			return !a.IsOrderComplete
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return orders[0]
}

type memTx struct {
	repo        *MemoryRepository
	inserted    map[string]*domain.Order
	saved       map[string]*domain.Order
	baseVersion map[string]int64
	logs        []domain.StatusChange
	submissions map[submissionKey]Submission
	keys        []domain.Key
}

// current returns the transaction's view of orderID. Callers hold repo.mu.
func (t *memTx) current(orderID string) *domain.Order {
	if o, ok := t.inserted[orderID]; ok {
		return o
	}
	if o, ok := t.saved[orderID]; ok {
		return o
	}
	return t.repo.orders[orderID]
}

func (t *memTx) FindLatestByKey(ctx context.Context, key domain.Key) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err, "failed to query order")
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	seen := make(map[string]bool)
	var candidates []*domain.Order
	add := func(o *domain.Order) {
		if o.Key() == key && !seen[o.ID] {
			seen[o.ID] = true
			candidates = append(candidates, t.current(o.ID))
		}
	}
	for _, o := range t.inserted {
		add(o)
	}
	for _, o := range t.repo.orders {
		add(o)
	}
	return pickLatest(candidates).Clone(), nil
}

func (t *memTx) FindByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err, "failed to query order")
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	o := t.current(orderID)
	if o == nil || o.TenantID != tenantID {
		return nil, nil
	}
	return o.Clone(), nil
}

func (t *memTx) Insert(ctx context.Context, o *domain.Order) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, classify(err, "failed to insert order")
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	if _, exists := t.repo.orders[o.ID]; exists {
		return false, nil
	}
	if _, exists := t.inserted[o.ID]; exists {
		return false, nil
	}
	key := o.Key()
	if !o.IsOrderComplete {
		if _, open := t.repo.openByKey[key]; open {
			return false, nil
		}
		if _, held := t.repo.reserved[key]; held {
			return false, nil
		}
		t.repo.reserved[key] = t
		t.keys = append(t.keys, key)
	}
	t.inserted[o.ID] = o.Clone()
	return true, nil
}

func (t *memTx) Save(ctx context.Context, o *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return classify(err, "failed to update order")
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	cur := t.current(o.ID)
	if cur == nil || cur.Version != o.Version {
		return ErrStale
	}
	o.Version++
	if _, ok := t.inserted[o.ID]; ok {
		t.inserted[o.ID] = o.Clone()
		return nil
	}
	if _, ok := t.baseVersion[o.ID]; !ok {
		t.baseVersion[o.ID] = cur.Version
	}
	t.saved[o.ID] = o.Clone()
	return nil
}

func (t *memTx) AppendStatus(ctx context.Context, c domain.StatusChange) error {
	if err := ctx.Err(); err != nil {
		return classify(err, "failed to insert order status log")
	}
	t.logs = append(t.logs, c)
	return nil
}

func (t *memTx) FindSubmission(ctx context.Context, tenantID, idempotencyKey string) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err, "failed to query submission")
	}
	k := submissionKey{tenantID: tenantID, key: idempotencyKey}
	if s, ok := t.submissions[k]; ok {
		return &s, nil
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if s, ok := t.repo.submissions[k]; ok {
		return &s, nil
	}
	return nil, nil
}

func (t *memTx) RecordSubmission(ctx context.Context, s Submission) error {
	if err := ctx.Err(); err != nil {
		return classify(err, "failed to record submission")
	}
	k := submissionKey{tenantID: s.TenantID, key: s.IdempotencyKey}
	t.repo.mu.Lock()
	_, committed := t.repo.submissions[k]
	t.repo.mu.Unlock()
	if _, ok := t.submissions[k]; ok || committed {
		return ErrStale
	}
	t.submissions[k] = s
	return nil
}

func (t *memTx) release() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.releaseLocked()
}

func (t *memTx) releaseLocked() {
	for _, k := range t.keys {
		if t.repo.reserved[k] == t {
			delete(t.repo.reserved, k)
		}
	}
	t.keys = nil
}

func (t *memTx) commit() error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	defer t.releaseLocked()

	for id, base := range t.baseVersion {
		if cur, ok := r.orders[id]; !ok || cur.Version != base {
			return ErrStale
		}
	}
	for k := range t.submissions {
		if _, ok := r.submissions[k]; ok {
			return ErrStale
		}
	}

	apply := func(o *domain.Order) {
		r.orders[o.ID] = o
		key := o.Key()
		if o.IsOrderComplete {
			if r.openByKey[key] == o.ID {
				delete(r.openByKey, key)
			}
			return
		}
		r.openByKey[key] = o.ID
	}
	for _, o := range t.inserted {
		apply(o)
	}
	for _, o := range t.saved {
		apply(o)
	}
	for _, c := range t.logs {
		r.logs[c.OrderID] = append(r.logs[c.OrderID], c)
	}
	for k, s := range t.submissions {
		r.submissions[k] = s
	}
	return nil
}
