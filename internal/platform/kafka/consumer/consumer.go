package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"auditchain/internal/platform/config"
	"auditchain/internal/platform/kafka"
)

// Message is a consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes a message. A nil return commits the offset; an error
// causes the same message to be retried after a backoff, so handlers must
// return nil for messages that can never succeed.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type Config struct {
	GroupID      string
	Topics       []string
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Consumer is a franz-go group consumer with manual, in-order commits.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
	cfg     Config

	stopOnce sync.Once
	stop     context.CancelFunc
	stopCtx  context.Context
	started  atomic.Bool
	done     chan struct{}
}

func New(kcfg config.KafkaConfig, cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if !kcfg.Enabled() {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group ID not configured")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer topics not configured")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	opts := append(kafka.ClientOpts(kcfg),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		handler: handler,
		logger:  logger,
		cfg:     cfg,
		stopCtx: stopCtx,
		stop:    stop,
		done:    make(chan struct{}),
	}, nil
}

// Run polls until ctx is cancelled or Stop is called.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("consumer already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer close(c.done)
	defer cancel()
	unregister := context.AfterFunc(c.stopCtx, cancel)
	defer unregister()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var handled []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			if ctx.Err() != nil {
				return
			}
			if c.process(ctx, r) {
				handled = append(handled, r)
			}
		})

		if len(handled) > 0 {
			// Commit with a fresh context so shutdown does not lose progress
			// made in this poll.
			commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := c.client.CommitRecords(commitCtx, handled...); err != nil {
				c.logger.ErrorContext(ctx, "failed to commit offsets", "error", err)
			}
			cancelCommit()
		}
		c.client.AllowRebalance()
	}
}

// process retries the handler with exponential backoff until it succeeds or
// ctx ends. It reports whether the record may be committed.
func (c *Consumer) process(ctx context.Context, r *kgo.Record) bool {
	msg := toMessage(r)
	backoff := c.cfg.RetryBackoff
	for {
		err := c.handler.Handle(ctx, msg)
		if err == nil {
			return true
		}
		c.logger.ErrorContext(ctx, "failed to handle message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"retry_in", backoff.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// Stop cancels polling, waits for Run to return (bounded by ctx) and closes
// the client, leaving the group cleanly.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.stop()
		if c.started.Load() {
			select {
			case <-c.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		c.client.Close()
	})
	return err
}

func toMessage(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}
