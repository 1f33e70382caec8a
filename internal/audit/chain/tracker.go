package chain

import (
	"context"
	"errors"
	"log/slog"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	"auditchain/pkg/platform/sentinel"
	psync "auditchain/pkg/platform/sync"
)

// HeadReader is the slice of the audit store the tracker falls back to.
type HeadReader interface {
	Head(ctx context.Context, tenantID id.TenantID) (*models.ChainHead, error)
}

// Tracker resolves chain heads through a cache backed by the store.
type Tracker struct {
	store  HeadReader
	cache  HeadCache
	logger *slog.Logger
}

func NewTracker(store HeadReader, cache HeadCache, logger *slog.Logger) *Tracker {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, cache: cache, logger: logger}
}

// Resolve returns the tenant's current head, or nil when the chain is empty.
func (t *Tracker) Resolve(ctx context.Context, tenantID id.TenantID) (*models.ChainHead, error) {
	head, ok, err := t.cache.Get(ctx, tenantID)
	if err != nil {
		t.logger.WarnContext(ctx, "chain head cache read failed, using store",
			"tenant_id", tenantID.String(),
			"error", err,
		)
	} else if ok {
		return head, nil
	}

	head, err = t.store.Head(ctx, tenantID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Advance(ctx, tenantID, *head)
	return head, nil
}

// Advance records a head that was just persisted.
func (t *Tracker) Advance(ctx context.Context, tenantID id.TenantID, head models.ChainHead) {
	if err := t.cache.Set(ctx, tenantID, head); err != nil {
		t.logger.WarnContext(ctx, "chain head cache write failed",
			"tenant_id", tenantID.String(),
			"chain_index", head.ChainIndex,
			"error", err,
		)
	}
}

// Reset drops the cached head after a lost race so the next Resolve reads
// the store.
func (t *Tracker) Reset(ctx context.Context, tenantID id.TenantID) {
	if err := t.cache.Invalidate(ctx, tenantID); err != nil {
		t.logger.WarnContext(ctx, "chain head cache invalidate failed",
			"tenant_id", tenantID.String(),
			"error", err,
		)
	}
}

// TenantLocks serialises appends per tenant inside one process.
type TenantLocks struct {
	mu *psync.ShardedMutex
}

func NewTenantLocks(shards int) *TenantLocks {
	return &TenantLocks{mu: psync.NewShardedMutex(shards)}
}

func (l *TenantLocks) Do(tenantID id.TenantID, fn func() error) error {
	return l.mu.Do(tenantID.String(), fn)
}
