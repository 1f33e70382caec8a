package store

import (
	"cmp"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	"auditchain/pkg/platform/sentinel"
)

// Error Contract:
// - Head returns sentinel.ErrNotFound when the tenant has no entries
// - Insert returns sentinel.ErrConflict when (tenant, chain index) is taken
// - Read methods return copies; callers may mutate them freely

// InMemoryStore keeps every tenant's chain in memory, ordered by chain index.
// It backs unit tests and the AUDIT_STORE=memory development mode.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[id.TenantID][]*models.Entry
	now    func() time.Time
}

// NewInMemory constructs an empty in-memory audit store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		chains: make(map[id.TenantID][]*models.Entry),
		now:    time.Now,
	}
}

func (s *InMemoryStore) Head(_ context.Context, tenantID id.TenantID) (*models.ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return nil, sentinel.ErrNotFound
	}
	head := chain[len(chain)-1].Head()
	return &head, nil
}

func (s *InMemoryStore) Insert(_ context.Context, entry *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[entry.TenantID]
	pos, found := slices.BinarySearchFunc(chain, entry.ChainIndex, func(e *models.Entry, idx int64) int {
		return cmp.Compare(e.ChainIndex, idx)
	})
	if found {
		return sentinel.ErrConflict
	}
	entry.CreatedAt = s.now().UTC()
	s.chains[entry.TenantID] = slices.Insert(chain, pos, entry.Clone())
	return nil
}

func (s *InMemoryStore) Scan(_ context.Context, tenantID id.TenantID, afterIndex int64, limit int) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if limit <= 0 {
		return []*models.Entry{}, nil
	}
	start := sort.Search(len(chain), func(i int) bool { return chain[i].ChainIndex > afterIndex })
	end := min(start+limit, len(chain))
	out := make([]*models.Entry, 0, end-start)
	for _, e := range chain[start:end] {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context, tenantID id.TenantID, filter models.Filter, page models.Page) ([]*models.Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Entry
	for _, e := range s.chains[tenantID] {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	sortNewestFirst(matched)

	total := int64(len(matched))
	offset := page.Offset()
	if offset >= len(matched) {
		return []*models.Entry{}, total, nil
	}
	end := min(offset+page.Limit, len(matched))
	out := make([]*models.Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		out = append(out, e.Clone())
	}
	return out, total, nil
}

func (s *InMemoryStore) ExportBatch(_ context.Context, tenantID id.TenantID, window models.DateRange, cursor *models.ExportCursor, limit int) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Entry
	for _, e := range s.chains[tenantID] {
		if window.Contains(e.Timestamp) && cursor.After(e) {
			matched = append(matched, e)
		}
	}
	sortNewestFirst(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*models.Entry, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Tenants(_ context.Context) ([]id.TenantID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]id.TenantID, 0, len(s.chains))
	for tenantID, chain := range s.chains {
		if len(chain) > 0 {
			out = append(out, tenantID)
		}
	}
	slices.SortFunc(out, func(a, b id.TenantID) int {
		return cmp.Compare(a.String(), b.String())
	})
	return out, nil
}

// DeleteExpired removes at most batch entries from the front of the chain:
// those below the first entry still inside the window. The head always stays.
func (s *InMemoryStore) DeleteExpired(_ context.Context, tenantID id.TenantID, cutoff time.Time, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[tenantID]
	if len(chain) < 2 {
		return 0, nil
	}
	n := 0
	for n < len(chain)-1 && n < batch && chain[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	s.chains[tenantID] = slices.Delete(chain, 0, n)
	return int64(n), nil
}

// Tamper overwrites a stored entry in place. Integrity tests use it to model
// someone with direct write access to the store.
func (s *InMemoryStore) Tamper(tenantID id.TenantID, chainIndex int64, mutate func(*models.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.chains[tenantID] {
		if e.ChainIndex == chainIndex {
			mutate(e)
			return true
		}
	}
	return false
}

func sortNewestFirst(entries []*models.Entry) {
	slices.SortFunc(entries, func(a, b *models.Entry) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ChainIndex, a.ChainIndex)
	})
}
