package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; ok {
		return ErrDuplicateDispute
	}
	for _, existing := range m.disputes {
		if existing.ContractID == d.ContractID && !existing.Status.IsTerminal() {
			return ErrDuplicateDispute
		}
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if current.Version != d.Version {
		return ErrVersionConflict
	}
	stored := d.clone()
	stored.Evidence = current.Evidence
	stored.Version++
	m.disputes[d.ID] = stored
	d.Version = stored.Version
	return nil
}

func (m *MemoryStore) AppendEvidence(ctx context.Context, disputeID string, items ...Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status.IsTerminal() {
		return ErrDisputeClosed
	}
	if len(d.Evidence)+len(items) > MaxEvidenceTotal {
		return ErrEvidenceLimit
	}
	d.Evidence = append(d.Evidence, items...)
	return nil
}

func (m *MemoryStore) GetActiveByContract(ctx context.Context, contractID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.ContractID == contractID && !d.Status.IsTerminal() {
			return d.clone(), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListByContract(ctx context.Context, contractID string, limit int, opts ...ListOption) ([]*Dispute, error) {
	return m.list(limit, opts, func(d *Dispute) bool { return d.ContractID == contractID })
}

func (m *MemoryStore) ListByJob(ctx context.Context, jobID string, limit int, opts ...ListOption) ([]*Dispute, error) {
	return m.list(limit, opts, func(d *Dispute) bool { return d.JobID == jobID })
}

func (m *MemoryStore) ListAwaitingConfirmation(ctx context.Context, limit int) ([]*Dispute, error) {
	return m.list(limit, nil, func(d *Dispute) bool { return d.PendingSettlement != nil })
}

func (m *MemoryStore) ListOpenAdminCalls(ctx context.Context, limit int) ([]*Dispute, error) {
	return m.list(limit, nil, func(d *Dispute) bool {
		return d.Status == StatusAdminReview && d.AdminCall != nil && d.AdminCall.Status != AdminCallResolved
	})
}

func (m *MemoryStore) list(limit int, opts []ListOption, match func(*Dispute) bool) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o := applyListOpts(opts)
	var result []*Dispute
	for _, d := range m.disputes {
		if match(d) && o.after(d) {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
