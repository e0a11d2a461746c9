package settlement

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory settlement store for demo/development mode.
type MemoryStore struct {
	settlements map[string]*Settlement
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[string]*Settlement),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settlements[s.Key]; ok {
		return ErrDuplicateKey
	}
	if s.Status.IsLive() && m.liveLocked(s.ContractID, s.Key) != nil {
		return ErrSettlementInFlight
	}
	m.settlements[s.Key] = s.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settlements[key]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settlements[s.Key]; !ok {
		return ErrSettlementNotFound
	}
	if s.Status.IsLive() && m.liveLocked(s.ContractID, s.Key) != nil {
		return ErrSettlementInFlight
	}
	m.settlements[s.Key] = s.clone()
	return nil
}

func (m *MemoryStore) GetLive(ctx context.Context, contractID string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s := m.liveLocked(contractID, ""); s != nil {
		return s.clone(), nil
	}
	return nil, ErrSettlementNotFound
}

func (m *MemoryStore) ListByContract(ctx context.Context, contractID string) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.settlements {
		if s.ContractID == contractID {
			result = append(result, s.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.settlements {
		if s.Status == status {
			result = append(result, s.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// liveLocked returns the live settlement for contractID other than
// exceptKey. Caller holds m.mu.
func (m *MemoryStore) liveLocked(contractID, exceptKey string) *Settlement {
	for key, s := range m.settlements {
		if key != exceptKey && s.ContractID == contractID && s.Status.IsLive() {
			return s
		}
	}
	return nil
}
