// Package service implements the audit chain operations: appending entries
// under per-tenant serialisation, recording them asynchronously for callers
// that must not block, verifying chain integrity and exporting entries.
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
)

// Store defines the persistence contract of the audit chain.
// Error Contract:
// - Head returns sentinel.ErrNotFound when the tenant has no entries
// - Insert returns sentinel.ErrConflict when (tenant, chain index) is taken
// - Other methods return wrapped errors on infrastructure failure
type Store interface {
	Head(ctx context.Context, tenantID id.TenantID) (*models.ChainHead, error)
	Insert(ctx context.Context, entry *models.Entry) error
	Scan(ctx context.Context, tenantID id.TenantID, afterIndex int64, limit int) ([]*models.Entry, error)
	List(ctx context.Context, tenantID id.TenantID, filter models.Filter, page models.Page) ([]*models.Entry, int64, error)
	ExportBatch(ctx context.Context, tenantID id.TenantID, window models.DateRange, cursor *models.ExportCursor, limit int) ([]*models.Entry, error)
	Tenants(ctx context.Context) ([]id.TenantID, error)
	DeleteExpired(ctx context.Context, tenantID id.TenantID, cutoff time.Time, batch int) (int64, error)
}

const tracerName = "auditchain/audit"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
