package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"auditchain/internal/platform/config"
	"auditchain/internal/platform/kafka"
)

// Message is one record to publish.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

var ErrClosed = errors.New("producer is closed")

// Producer is a synchronous franz-go producer.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func New(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka brokers not configured")
	}

	opts := append(kafka.ClientOpts(cfg),
		kgo.RequiredAcks(kafka.Acks(cfg.Acks)),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.AllowAutoTopicCreation(),
	)
	if cfg.Acks == "0" || cfg.Acks == "1" {
		// Idempotent production requires acks=all.
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{client: client, logger: logger}, nil
}

// Client exposes the underlying client for health checks and topic setup.
func (p *Producer) Client() *kgo.Client { return p.client }

// Produce blocks until the broker acknowledges the record or ctx ends.
func (p *Producer) Produce(ctx context.Context, msg *Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce message: %w", err)
	}
	return nil
}

// Close flushes buffered records (bounded by ctx) and closes the client.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.client.Flush(ctx)
	if err != nil && p.logger != nil {
		p.logger.Warn("kafka producer closed with unflushed messages", "error", err)
	}
	p.client.Close()
	return err
}
