package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"auditchain/internal/audit/alerts"
	"auditchain/internal/audit/chain"
	"auditchain/internal/audit/ingest"
	auditmetrics "auditchain/internal/audit/metrics"
	"auditchain/internal/audit/service"
	"auditchain/internal/audit/store"
	"auditchain/internal/platform/config"
	"auditchain/internal/platform/database"
	"auditchain/internal/platform/health"
	"auditchain/internal/platform/kafka"
	"auditchain/internal/platform/kafka/consumer"
	"auditchain/internal/platform/kafka/producer"
	"auditchain/internal/platform/redis"
)

// infra holds the external connections and the adapters built on them.
// Optional backends are nil when not configured.
type infra struct {
	store     service.Store
	headCache chain.HeadCache
	alerts    alerts.Publisher

	pool     *database.Pool
	redis    *redis.Client
	producer *producer.Producer
}

func connect(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer, checks *health.Handler) (*infra, error) {
	in := &infra{}

	switch cfg.Audit.Store {
	case config.StorePostgres:
		pool, err := database.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		in.pool = pool
		in.store = store.NewPostgres(pool.DB())
		reg.MustRegister(pool.Collector())
		checks.RegisterCheck("postgres", pool.Health)
	default:
		log.Warn("using in-memory audit store, entries are lost on restart")
		in.store = store.NewInMemory()
	}

	in.headCache = chain.NewMemoryCache()
	if cfg.Redis.URL != "" {
		client, err := redis.New(ctx, cfg.Redis, reg)
		if err != nil {
			in.close(log)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		in.redis = client
		in.headCache = chain.NewRedisCache(client, cfg.Audit.HeadCacheTTL)
		checks.RegisterCheck("redis", client.Health)
	}

	logAlerts := alerts.NewLogPublisher(log)
	in.alerts = logAlerts
	if cfg.Kafka.Enabled() {
		p, err := producer.New(cfg.Kafka, log)
		if err != nil {
			in.close(log)
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		in.producer = p

		topics := []string{cfg.Audit.AlertsTopic}
		if cfg.Audit.IngestTopic != "" {
			topics = append(topics, cfg.Audit.IngestTopic)
		}
		if err := kafka.EnsureTopics(ctx, p.Client(), 3, topics...); err != nil {
			log.Warn("failed to ensure kafka topics", "topics", topics, "error", err)
		}

		in.alerts = alerts.Fanout{alerts.NewKafkaPublisher(p, cfg.Audit.AlertsTopic), logAlerts}
		checks.RegisterCheck("kafka", kafka.NewHealthChecker(p.Client()).Check)
	}

	return in, nil
}

// ingestConsumer returns nil when no ingest topic is configured.
func (in *infra) ingestConsumer(cfg config.Config, appender ingest.Appender, m *auditmetrics.Metrics, log *slog.Logger) (*consumer.Consumer, error) {
	if cfg.Audit.IngestTopic == "" {
		return nil, nil
	}
	if !cfg.Kafka.Enabled() {
		log.Warn("AUDIT_INGEST_TOPIC is set but KAFKA_BROKERS is empty, ingest disabled")
		return nil, nil
	}
	c, err := consumer.New(cfg.Kafka, consumer.Config{
		GroupID: cfg.Audit.IngestGroup,
		Topics:  []string{cfg.Audit.IngestTopic},
	}, ingest.NewHandler(appender, m, log), log)
	if err != nil {
		return nil, fmt.Errorf("create ingest consumer: %w", err)
	}
	log.Info("kafka ingest enabled", "topic", cfg.Audit.IngestTopic, "group", cfg.Audit.IngestGroup)
	return c, nil
}

// close runs after the recorder has drained, so the producer flush still
// delivers alerts raised during shutdown.
func (in *infra) close(log *slog.Logger) {
	if in.producer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := in.producer.Close(ctx); err != nil {
			log.Error("kafka producer close failed", "error", err)
		}
		cancel()
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			log.Error("redis close failed", "error", err)
		}
	}
	if in.pool != nil {
		if err := in.pool.Close(); err != nil {
			log.Error("database close failed", "error", err)
		}
	}
}
