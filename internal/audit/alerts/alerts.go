// Package alerts is the operational channel of the audit chain: integrity
// violations, failed or dropped appends and retention truncations are
// published here for on-call tooling.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"auditchain/internal/platform/kafka/producer"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
)

type Kind string

const (
	KindIntegrityViolation Kind = "integrity_violation"
	KindAppendFailed       Kind = "append_failed"
	KindRetentionTruncated Kind = "retention_truncated"
	KindEventDropped       Kind = "event_dropped"
)

// Alert is one operational event.
type Alert struct {
	Kind       Kind        `json:"kind"`
	TenantID   id.TenantID `json:"tenantId"`
	ChainIndex int64       `json:"chainIndex,omitempty"`
	Action     string      `json:"action,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Deleted    int64       `json:"deleted,omitempty"`
	Error      string      `json:"error,omitempty"`
	RequestID  string      `json:"requestId,omitempty"`
	At         time.Time   `json:"at"`
}

// Publisher delivers alerts. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, alert Alert) error
}

// MessageProducer is the producer capability KafkaPublisher needs.
type MessageProducer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// KafkaPublisher writes alerts as JSON records keyed by tenant so one
// tenant's alerts stay ordered within a partition.
type KafkaPublisher struct {
	producer MessageProducer
	topic    string
}

func NewKafkaPublisher(p MessageProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, alert Alert) error {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	err = p.producer.Produce(ctx, &producer.Message{
		Topic:   p.topic,
		Key:     []byte(alert.TenantID.String()),
		Value:   value,
		Headers: map[string]string{"alert_kind": string(alert.Kind)},
	})
	if err != nil {
		return fmt.Errorf("publish %s alert: %w", alert.Kind, err)
	}
	return nil
}

// LogPublisher writes alerts to the structured log. It is the fallback when
// no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, alert Alert) error {
	level := slog.LevelWarn
	logType := logger.TypeAudit
	switch alert.Kind {
	case KindIntegrityViolation:
		level = slog.LevelError
		logType = logger.TypeSecurity
	case KindRetentionTruncated:
		level = slog.LevelInfo
		logType = logger.TypeRetention
	}
	p.logger.Log(ctx, level, "audit_alert",
		"log_type", logType,
		"kind", string(alert.Kind),
		"tenant_id", alert.TenantID.String(),
		"chain_index", alert.ChainIndex,
		"action", alert.Action,
		"reason", alert.Reason,
		"deleted", alert.Deleted,
		"error", alert.Error,
		"request_id", alert.RequestID,
	)
	return nil
}

// Fanout publishes to every publisher and returns the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, alert Alert) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}
