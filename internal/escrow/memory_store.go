package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ContractID]; ok {
		return ErrDuplicateContract
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.records[r.ContractID] = r.clone()
	return nil
}

// Get returns a deep copy so callers can mutate freely until Update.
func (m *MemoryStore) Get(ctx context.Context, contractID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[contractID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.clone(), nil
}

// Update replaces the stored record if its version still matches. The
// record's Events must already include newEvents.
func (m *MemoryStore) Update(ctx context.Context, r *Record, newEvents ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[r.ContractID]
	if !ok {
		return ErrRecordNotFound
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	if len(r.Events) != len(cur.Events)+len(newEvents) {
		return ErrVersionConflict
	}
	r.Version++
	m.records[r.ContractID] = r.clone()
	return nil
}

func (m *MemoryStore) ListByJob(ctx context.Context, jobID string, limit int) ([]*Record, error) {
	return m.list(limit, func(r *Record) bool { return r.JobID == jobID }, func(a, b *Record) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	return m.list(limit, func(r *Record) bool { return r.Status == status }, func(a, b *Record) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

func (m *MemoryStore) list(limit int, match func(*Record) bool, less func(a, b *Record) bool) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if match(r) {
			result = append(result, r.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if less(result[i], result[j]) {
			return true
		}
		if less(result[j], result[i]) {
			return false
		}
		return result[i].ContractID < result[j].ContractID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
