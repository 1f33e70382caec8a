package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"auditchain/internal/audit/chain"
	"auditchain/internal/audit/codec"
	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/sentinel"
	"auditchain/pkg/requestcontext"
)

const (
	DefaultMaxAppendRetries = 5
	defaultRetryBackoff     = 2 * time.Millisecond
)

// Appender links new entries onto a tenant's chain. Within one process the
// read-head, hash, insert sequence runs under a per-tenant lock; across
// processes the store's conditional insert decides which writer wins and the
// loser retries against the new head.
type Appender struct {
	store      Store
	cache      chain.HeadCache
	tracker    *chain.Tracker
	locks      *chain.TenantLocks
	lockShards int
	maxRetries int
	backoff    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

type AppenderOption func(*Appender)

func WithHeadCache(cache chain.HeadCache) AppenderOption {
	return func(a *Appender) { a.cache = cache }
}

func WithLockShards(n int) AppenderOption {
	return func(a *Appender) { a.lockShards = n }
}

// WithMaxRetries bounds how many times a lost chain position race is retried.
func WithMaxRetries(n int) AppenderOption {
	return func(a *Appender) { a.maxRetries = n }
}

func WithRetryBackoff(d time.Duration) AppenderOption {
	return func(a *Appender) { a.backoff = d }
}

func WithAppenderMetrics(m *metrics.Metrics) AppenderOption {
	return func(a *Appender) { a.metrics = m }
}

func WithAppenderLogger(l *slog.Logger) AppenderOption {
	return func(a *Appender) { a.logger = l }
}

func WithAppenderTracer(t trace.Tracer) AppenderOption {
	return func(a *Appender) { a.tracer = t }
}

func NewAppender(store Store, opts ...AppenderOption) *Appender {
	a := &Appender{
		store:      store,
		maxRetries: DefaultMaxAppendRetries,
		backoff:    defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxRetries < 1 {
		a.maxRetries = DefaultMaxAppendRetries
	}
	if a.backoff <= 0 {
		a.backoff = defaultRetryBackoff
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.tracer == nil {
		a.tracer = defaultTracer()
	}
	if a.cache == nil {
		a.cache = chain.NewMemoryCache()
	}
	a.tracker = chain.NewTracker(store, a.cache, a.logger)
	a.locks = chain.NewTenantLocks(a.lockShards)
	return a
}

// Append validates fields, links them after the tenant's current head and
// persists the resulting entry. Nothing is cached or returned unless the
// insert succeeded.
func (a *Appender) Append(ctx context.Context, tenantID id.TenantID, fields models.Fields) (entry *models.Entry, err error) {
	ctx, span := a.tracer.Start(ctx, "audit.append", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("action", string(fields.Action)),
	))
	defer func() { endSpan(span, err) }()
	start := time.Now()

	draft, err := a.draft(ctx, tenantID, fields)
	if err != nil {
		return nil, err
	}

	err = a.locks.Do(tenantID, func() error {
		var lockErr error
		entry, lockErr = a.link(ctx, draft)
		return lockErr
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("chain_index", entry.ChainIndex))
	if a.metrics != nil {
		a.metrics.ObserveAppend(string(entry.Action), start)
	}
	a.logger.DebugContext(ctx, "audit entry appended",
		"log_type", logger.TypeAudit,
		"tenant_id", tenantID.String(),
		"chain_index", entry.ChainIndex,
		"action", string(entry.Action),
		"request_id", requestcontext.RequestID(ctx),
	)
	return entry, nil
}

// draft builds everything about the entry that does not depend on the head.
func (a *Appender) draft(ctx context.Context, tenantID id.TenantID, fields models.Fields) (*models.Entry, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "tenantId is required")
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	oldValues, err := codec.NormalizeValues(fields.OldValues)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "oldValues must be JSON-encodable")
	}
	newValues, err := codec.NormalizeValues(fields.NewValues)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "newValues must be JSON-encodable")
	}
	metadata, err := codec.NormalizeValues(fields.Metadata)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "metadata must be JSON-encodable")
	}

	ts := requestcontext.Now(ctx)
	if fields.Timestamp != nil {
		ts = *fields.Timestamp
	}

	return &models.Entry{
		ID:            id.NewEntryID(),
		TenantID:      tenantID,
		UserID:        fields.UserID,
		Action:        fields.Action,
		EntityType:    fields.EntityType,
		EntityID:      fields.EntityID,
		OldValues:     oldValues,
		NewValues:     newValues,
		ChangedFields: fields.ChangedFields,
		IPAddress:     fields.IPAddress,
		UserAgent:     fields.UserAgent,
		RequestID:     fields.RequestID,
		SessionID:     fields.SessionID,
		Metadata:      metadata,
		Timestamp:     models.TruncateTimestamp(ts),
	}, nil
}

// link must run under the tenant lock.
func (a *Appender) link(ctx context.Context, draft *models.Entry) (*models.Entry, error) {
	tenantID := draft.TenantID
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "append cancelled")
		}

		head, err := a.tracker.Resolve(ctx, tenantID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read chain head")
		}

		entry := draft.Clone()
		entry.PreviousHash = nil
		entry.ChainIndex = 1
		if head != nil {
			prev := head.Hash
			entry.PreviousHash = &prev
			entry.ChainIndex = head.ChainIndex + 1
		}
		if entry.Hash, err = codec.Hash(entry); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit entry")
		}

		err = a.store.Insert(ctx, entry)
		if err == nil {
			// The row is durable; the cache must learn about it even if the
			// caller has gone away.
			a.tracker.Advance(context.WithoutCancel(ctx), tenantID, entry.Head())
			return entry, nil
		}
		if errors.Is(err, sentinel.ErrInvalidInput) {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "audit entry rejected by store")
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist audit entry")
		}

		a.tracker.Reset(ctx, tenantID)
		if attempt >= a.maxRetries {
			if a.metrics != nil {
				a.metrics.IncrementAppendConflict()
			}
			a.logger.WarnContext(ctx, "audit append retries exhausted",
				"log_type", logger.TypeAudit,
				"tenant_id", tenantID.String(),
				"attempts", attempt+1,
			)
			return nil, dErrors.New(dErrors.CodeConflict, "audit chain is contended, retries exhausted")
		}
		if a.metrics != nil {
			a.metrics.IncrementAppendRetry()
		}
		if err := sleepCtx(ctx, a.jitter(attempt)); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "append cancelled")
		}
	}
}

// jitter returns a randomised, linearly growing pause so racing writers
// spread out instead of colliding again.
func (a *Appender) jitter(attempt int) time.Duration {
	base := a.backoff * time.Duration(attempt+1)
	return base/2 + rand.N(base)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
