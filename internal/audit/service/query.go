package service

import (
	"context"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
)

// Reader serves paginated listings.
type Reader struct {
	store Store
}

func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

// List returns one timestamp-descending page of the tenant's entries.
func (r *Reader) List(ctx context.Context, tenantID id.TenantID, filter models.Filter, page models.Page) (*models.ListResult, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "tenantId is required")
	}
	if err := filter.Range.Validate(); err != nil {
		return nil, err
	}
	page = page.Normalize()
	entries, total, err := r.store.List(ctx, tenantID, filter, page)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit entries")
	}
	return models.NewListResult(entries, total, page), nil
}
