package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"auditchain/internal/audit/alerts"
	"auditchain/internal/audit/codec"
	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/requestcontext"
)

const DefaultVerifyBatchSize = 500

// Verifier walks a tenant's chain in index order and reports the first entry
// whose digest or link does not hold. It never writes.
type Verifier struct {
	store     Store
	alerts    alerts.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	batchSize int
}

type VerifierOption func(*Verifier)

func WithVerifyBatchSize(n int) VerifierOption {
	return func(v *Verifier) { v.batchSize = n }
}

func WithVerifierAlerts(p alerts.Publisher) VerifierOption {
	return func(v *Verifier) { v.alerts = p }
}

func WithVerifierMetrics(m *metrics.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func WithVerifierTracer(t trace.Tracer) VerifierOption {
	return func(v *Verifier) { v.tracer = t }
}

func NewVerifier(store Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{store: store, batchSize: DefaultVerifyBatchSize}
	for _, opt := range opts {
		opt(v)
	}
	if v.batchSize < 1 {
		v.batchSize = DefaultVerifyBatchSize
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.alerts == nil {
		v.alerts = alerts.NewLogPublisher(v.logger)
	}
	if v.tracer == nil {
		v.tracer = defaultTracer()
	}
	return v
}

// Verify checks the tenant's chain. The first stored entry is the anchor:
// at chain position 1 it must have no predecessor, above 1 it is the
// survivor of retention truncation and is trusted as the starting point.
// An empty chain is valid.
func (v *Verifier) Verify(ctx context.Context, tenantID id.TenantID) (result *models.VerifyResult, err error) {
	ctx, span := v.tracer.Start(ctx, "audit.verify", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
	))
	defer func() { endSpan(span, err) }()
	start := time.Now()

	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "tenantId is required")
	}

	var (
		prev    *models.Entry
		checked int64
		anchor  *int64
		after   int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "verification cancelled")
		}
		batch, err := v.store.Scan(ctx, tenantID, after, v.batchSize)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit chain")
		}

		for _, e := range batch {
			checked++
			if prev == nil {
				idx := e.ChainIndex
				anchor = &idx
			}
			ok, err := codec.Verify(e)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit entry")
			}
			if !ok {
				return v.broken(ctx, tenantID, e.ChainIndex, models.ReasonHashMismatch, checked, anchor, start), nil
			}

			if prev == nil {
				if e.ChainIndex == 1 && e.PreviousHash != nil {
					return v.broken(ctx, tenantID, e.ChainIndex, models.ReasonChainLinkBroken, checked, anchor, start), nil
				}
			} else if !linked(prev, e) {
				return v.broken(ctx, tenantID, e.ChainIndex, models.ReasonChainLinkBroken, checked, anchor, start), nil
			}
			prev = e
		}

		if len(batch) < v.batchSize {
			break
		}
		after = batch[len(batch)-1].ChainIndex
	}

	span.SetAttributes(attribute.Bool("valid", true), attribute.Int64("entries_checked", checked))
	if v.metrics != nil {
		v.metrics.ObserveVerify(true, "", start)
	}
	return &models.VerifyResult{Valid: true, EntriesChecked: checked, AnchorIndex: anchor}, nil
}

func linked(prev, next *models.Entry) bool {
	if next.ChainIndex != prev.ChainIndex+1 {
		return false
	}
	return next.PreviousHash != nil && *next.PreviousHash == prev.Hash
}

func (v *Verifier) broken(ctx context.Context, tenantID id.TenantID, index int64, reason string, checked int64, anchor *int64, start time.Time) *models.VerifyResult {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Bool("valid", false),
		attribute.Int64("broken_at_index", index),
		attribute.String("reason", reason),
	)
	if v.metrics != nil {
		v.metrics.ObserveVerify(false, reason, start)
	}
	v.logger.ErrorContext(ctx, "audit chain integrity violation",
		"log_type", logger.TypeSecurity,
		"tenant_id", tenantID.String(),
		"broken_at_index", index,
		"reason", reason,
		"entries_checked", checked,
		"request_id", requestcontext.RequestID(ctx),
	)
	alert := alerts.Alert{
		Kind:       alerts.KindIntegrityViolation,
		TenantID:   tenantID,
		ChainIndex: index,
		Reason:     reason,
		RequestID:  requestcontext.RequestID(ctx),
		At:         time.Now().UTC(),
	}
	if err := v.alerts.Publish(ctx, alert); err != nil {
		v.logger.WarnContext(ctx, "failed to publish audit alert", "kind", string(alert.Kind), "error", err)
	}
	return &models.VerifyResult{
		Valid:          false,
		BrokenAtIndex:  &index,
		Reason:         reason,
		EntriesChecked: checked,
		AnchorIndex:    anchor,
	}
}
