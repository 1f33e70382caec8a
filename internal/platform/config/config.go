package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration, built from the environment.
type Config struct {
	Server   Server
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Audit    AuditConfig
	Auth     AuthConfig
	LogLevel string

	// Environment is reported by the health status probe.
	Environment string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	TrustedProxies  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers         string
	ClientID        string
	Acks            string
	DeliveryTimeout time.Duration
}

// Enabled reports whether a broker list was configured.
func (k KafkaConfig) Enabled() bool { return strings.TrimSpace(k.Brokers) != "" }

type AuthConfig struct {
	JWTSigningKey string
	Issuer        string
	Audience      string
}

// AuditConfig carries the chain, retention and worker tunables.
type AuditConfig struct {
	Store             string
	HeadCacheTTL      time.Duration
	LockShards        int
	MaxAppendRetries  int
	VerifyBatchSize   int
	ExportBatchSize   int
	RecorderQueueSize int
	RecorderWorkers   int

	RetentionDays        int
	PremiumRetentionDays int
	PremiumTenants       []string
	RetentionOverrides   map[string]int

	ReaperEnabled  bool
	ReaperInterval time.Duration
	ReaperBatch    int

	AlertsTopic string
	IngestTopic string
	IngestGroup string
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

const defaultJWTSigningKey = "dev-secret-key-change-in-production"

// FromEnv builds the configuration from environment variables so main stays
// lean. Malformed numeric or duration values are reported rather than
// silently replaced by defaults.
func FromEnv() (Config, error) {
	p := &parser{}

	cfg := Config{
		Server: Server{
			Addr:            p.str("AUDITCHAIN_ADDR", ":8080"),
			ReadTimeout:     p.duration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    p.duration("HTTP_WRITE_TIMEOUT", 120*time.Second),
			RequestTimeout:  p.duration("HTTP_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 20*time.Second),
			TrustedProxies:  p.str("TRUSTED_PROXIES", ""),
		},
		Database: DatabaseConfig{
			URL:             p.str("DATABASE_URL", ""),
			MaxOpenConns:    p.integer("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    p.integer("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:          p.str("REDIS_URL", ""),
			PoolSize:     p.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:         p.str("KAFKA_BROKERS", ""),
			ClientID:        p.str("KAFKA_CLIENT_ID", "auditchain"),
			Acks:            p.str("KAFKA_ACKS", "all"),
			DeliveryTimeout: p.duration("KAFKA_DELIVERY_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSigningKey: p.str("JWT_SIGNING_KEY", defaultJWTSigningKey),
			Issuer:        p.str("JWT_ISSUER", ""),
			Audience:      p.str("JWT_AUDIENCE", ""),
		},
		Audit: AuditConfig{
			Store:             strings.ToLower(p.str("AUDIT_STORE", StorePostgres)),
			HeadCacheTTL:      p.duration("AUDIT_HEAD_CACHE_TTL", 24*time.Hour),
			LockShards:        p.integer("AUDIT_LOCK_SHARDS", 64),
			MaxAppendRetries:  p.integer("AUDIT_MAX_APPEND_RETRIES", 5),
			VerifyBatchSize:   p.integer("AUDIT_VERIFY_BATCH", 500),
			ExportBatchSize:   p.integer("AUDIT_EXPORT_BATCH", 500),
			RecorderQueueSize: p.integer("AUDIT_RECORDER_QUEUE", 1024),
			RecorderWorkers:   p.integer("AUDIT_RECORDER_WORKERS", 4),

			RetentionDays:        p.integer("AUDIT_RETENTION_DAYS", 365),
			PremiumRetentionDays: p.integer("AUDIT_PREMIUM_RETENTION_DAYS", 2555),
			PremiumTenants:       splitList(p.str("AUDIT_PREMIUM_TENANTS", "")),
			RetentionOverrides:   p.overrides("AUDIT_RETENTION_OVERRIDES"),

			ReaperEnabled:  p.boolean("AUDIT_REAPER_ENABLED", true),
			ReaperInterval: p.duration("AUDIT_REAPER_INTERVAL", 24*time.Hour),
			ReaperBatch:    p.integer("AUDIT_REAPER_BATCH", 1000),

			AlertsTopic: p.str("AUDIT_ALERTS_TOPIC", "auditchain.alerts"),
			IngestTopic: p.str("AUDIT_INGEST_TOPIC", ""),
			IngestGroup: p.str("AUDIT_INGEST_GROUP", "auditchain-ingest"),
		},
		LogLevel:    p.str("LOG_LEVEL", "info"),
		Environment: p.str("AUDITCHAIN_ENV", "development"),
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Audit.Store {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("AUDIT_STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Audit.Store)
	}
	if c.Audit.Store == StorePostgres && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when AUDIT_STORE=%s", StorePostgres)
	}
	if c.Audit.RetentionDays < 1 || c.Audit.PremiumRetentionDays < 1 {
		return fmt.Errorf("retention days must be positive")
	}
	if c.Audit.MaxAppendRetries < 1 {
		return fmt.Errorf("AUDIT_MAX_APPEND_RETRIES must be at least 1")
	}
	if c.Audit.VerifyBatchSize < 1 || c.Audit.ExportBatchSize < 1 || c.Audit.ReaperBatch < 1 {
		return fmt.Errorf("audit batch sizes must be positive")
	}
	if c.Audit.RecorderQueueSize < 1 || c.Audit.RecorderWorkers < 1 {
		return fmt.Errorf("recorder queue size and workers must be positive")
	}
	return nil
}

// UsesDefaultSigningKey reports whether JWT_SIGNING_KEY was left unset.
func (c Config) UsesDefaultSigningKey() bool {
	return c.Auth.JWTSigningKey == defaultJWTSigningKey
}

// parser remembers the first malformed variable.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return d
}

// overrides parses "tenant=days,tenant=days".
func (p *parser) overrides(key string) map[string]int {
	out := map[string]int{}
	raw := p.str(key, "")
	for _, pair := range splitList(raw) {
		tenant, days, ok := strings.Cut(pair, "=")
		if !ok {
			p.fail(key, raw, fmt.Errorf("expected tenant=days, got %q", pair))
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil || n < 1 {
			p.fail(key, raw, fmt.Errorf("days for %q must be a positive integer", tenant))
			continue
		}
		out[strings.ToLower(strings.TrimSpace(tenant))] = n
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
