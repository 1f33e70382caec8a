// Package ingest appends audit events published to Kafka by producers that
// live in other processes.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	"auditchain/internal/platform/kafka/consumer"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/requestcontext"
)

const (
	outcomeAppended = "appended"
	outcomeSkipped  = "skipped"
	outcomeFailed   = "failed"

	requestIDHeader = "request_id"
)

// Appender is the chain append capability the handler feeds.
type Appender interface {
	Append(ctx context.Context, tenantID id.TenantID, fields models.Fields) (*models.Entry, error)
}

// Event is the wire shape of an ingested audit event.
type Event struct {
	TenantID string `json:"tenantId"`
	models.Fields
}

// Handler implements consumer.Handler. Returning an error leaves the record
// uncommitted so it is redelivered; records that can never be appended are
// logged and acknowledged.
type Handler struct {
	appender Appender
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

var _ consumer.Handler = (*Handler)(nil)

func NewHandler(appender Appender, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{appender: appender, metrics: m, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, msg *consumer.Message) error {
	tenantID, fields, err := decode(msg)
	if err != nil {
		h.skip(ctx, msg, err)
		return nil
	}

	if rid := msg.Headers[requestIDHeader]; rid != "" {
		ctx = requestcontext.WithRequestID(ctx, rid)
		if fields.RequestID == nil {
			fields.RequestID = models.StringPtr(rid)
		}
	}
	if fields.Timestamp == nil && !msg.Timestamp.IsZero() {
		ts := msg.Timestamp
		fields.Timestamp = &ts
	}

	entry, err := h.appender.Append(ctx, tenantID, fields)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			h.skip(ctx, msg, err)
			return nil
		}
		h.count(outcomeFailed)
		return err
	}

	h.count(outcomeAppended)
	h.logger.DebugContext(ctx, "audit event ingested",
		"log_type", logger.TypeAudit,
		"tenant_id", tenantID.String(),
		"chain_index", entry.ChainIndex,
		"offset", msg.Offset,
	)
	return nil
}

// decode reads the event body. The tenant comes from the payload, falling
// back to the record key; when both are present they must agree.
func decode(msg *consumer.Message) (id.TenantID, models.Fields, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return id.TenantID{}, models.Fields{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed audit event")
	}

	raw := ev.TenantID
	key := string(msg.Key)
	switch {
	case raw == "":
		raw = key
	case key != "" && key != raw:
		return id.TenantID{}, models.Fields{}, dErrors.New(dErrors.CodeBadRequest, "record key does not match tenantId")
	}
	tenantID, err := id.ParseTenantID(raw)
	if err != nil {
		return id.TenantID{}, models.Fields{}, err
	}
	return tenantID, ev.Fields, nil
}

func (h *Handler) skip(ctx context.Context, msg *consumer.Message, err error) {
	h.count(outcomeSkipped)
	h.logger.WarnContext(ctx, "audit event skipped",
		"log_type", logger.TypeAudit,
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", err,
	)
}

func (h *Handler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.IncrementIngest(outcome)
	}
}
