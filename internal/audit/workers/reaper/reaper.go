// Package reaper truncates audit chains whose oldest entries have aged out
// of their tenant's retention window.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auditchain/internal/audit/alerts"
	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/retention"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
)

const (
	defaultInterval = 24 * time.Hour
	defaultBatch    = 1000
)

// Store exposes the retention side of the audit store.
type Store interface {
	Tenants(ctx context.Context) ([]id.TenantID, error)
	DeleteExpired(ctx context.Context, tenantID id.TenantID, cutoff time.Time, batch int) (int64, error)
}

// Result summarises one sweep.
type Result struct {
	TenantsScanned   int
	TenantsTruncated int
	Deleted          int64
}

// Reaper periodically removes the expired prefix of every tenant chain.
type Reaper struct {
	store    Store
	policy   retention.Policy
	alerts   alerts.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

type Option func(*Reaper)

// WithInterval overrides the sweep interval when greater than zero.
func WithInterval(interval time.Duration) Option {
	return func(r *Reaper) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithBatch overrides how many entries one delete statement may remove.
func WithBatch(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithAlerts(p alerts.Publisher) Option {
	return func(r *Reaper) {
		if p != nil {
			r.alerts = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock is used by tests to pin the cutoff.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

func New(store Store, policy retention.Policy, opts ...Option) (*Reaper, error) {
	if store == nil || policy == nil {
		return nil, fmt.Errorf("store and retention policy are required")
	}
	r := &Reaper{
		store:    store,
		policy:   policy,
		interval: defaultInterval,
		batch:    defaultBatch,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.alerts == nil {
		r.alerts = alerts.NewLogPublisher(r.logger)
	}
	return r, nil
}

// Start runs a sweep every interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "audit retention sweep failed",
					"log_type", logger.TypeRetention,
					"error", err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce sweeps every tenant once. A failing tenant is reported in the
// joined error and the sweep moves on to the next one.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	tenants, err := r.store.Tenants(ctx)
	if err != nil {
		r.record(false)
		return res, fmt.Errorf("list audit tenants: %w", err)
	}

	var errs []error
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.TenantsScanned++
		deleted, err := r.truncate(ctx, tenantID)
		if deleted > 0 {
			res.TenantsTruncated++
			res.Deleted += deleted
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("truncate tenant %s: %w", tenantID, err))
		}
	}

	if len(errs) > 0 {
		r.record(false)
		return res, errors.Join(errs...)
	}
	r.record(true)
	return res, nil
}

// truncate deletes the tenant's expired prefix batch by batch. Whatever was
// deleted before an error is still reported.
func (r *Reaper) truncate(ctx context.Context, tenantID id.TenantID) (int64, error) {
	days := r.policy.RetentionDays(ctx, tenantID)
	cutoff := r.now().UTC().AddDate(0, 0, -days)

	var (
		total int64
		err   error
	)
	for {
		var n int64
		n, err = r.store.DeleteExpired(ctx, tenantID, cutoff, r.batch)
		total += n
		if err != nil || n < int64(r.batch) {
			break
		}
	}

	if total > 0 {
		r.truncated(ctx, tenantID, cutoff, days, total)
	}
	return total, err
}

func (r *Reaper) truncated(ctx context.Context, tenantID id.TenantID, cutoff time.Time, days int, deleted int64) {
	if r.metrics != nil {
		r.metrics.AddRetentionDeleted(deleted)
	}
	r.logger.InfoContext(ctx, "audit_retention_truncated",
		"log_type", logger.TypeRetention,
		"tenant_id", tenantID.String(),
		"cutoff", cutoff.Format(time.RFC3339),
		"retention_days", days,
		"deleted", deleted,
	)
	alert := alerts.Alert{
		Kind:     alerts.KindRetentionTruncated,
		TenantID: tenantID,
		Deleted:  deleted,
		At:       r.now().UTC(),
	}
	if err := r.alerts.Publish(ctx, alert); err != nil {
		r.logger.WarnContext(ctx, "failed to publish audit alert", "kind", string(alert.Kind), "error", err)
	}
}

func (r *Reaper) record(ok bool) {
	if r.metrics != nil {
		r.metrics.IncrementReaperRun(ok)
	}
}
