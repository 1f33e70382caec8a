// Package chain tracks the head of every tenant's audit chain.
//
// The authoritative head is always the highest-index row in the store. The
// caches here only save a round trip; every cache failure degrades to a store
// read and never fails an append.
package chain

import (
	"context"
	"sync"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
)

// HeadCache remembers the last known head per tenant. Set must never move a
// head backwards.
type HeadCache interface {
	Get(ctx context.Context, tenantID id.TenantID) (*models.ChainHead, bool, error)
	Set(ctx context.Context, tenantID id.TenantID, head models.ChainHead) error
	Invalidate(ctx context.Context, tenantID id.TenantID) error
}

// MemoryCache is a process-local HeadCache.
type MemoryCache struct {
	mu    sync.RWMutex
	heads map[id.TenantID]models.ChainHead
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{heads: make(map[id.TenantID]models.ChainHead)}
}

func (c *MemoryCache) Get(_ context.Context, tenantID id.TenantID) (*models.ChainHead, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	head, ok := c.heads[tenantID]
	if !ok {
		return nil, false, nil
	}
	return &head, true, nil
}

func (c *MemoryCache) Set(_ context.Context, tenantID id.TenantID, head models.ChainHead) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.heads[tenantID]; ok && cur.ChainIndex >= head.ChainIndex {
		return nil
	}
	c.heads[tenantID] = head
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, tenantID id.TenantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.heads, tenantID)
	return nil
}
