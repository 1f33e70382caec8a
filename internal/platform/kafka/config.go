// Package kafka holds the franz-go client plumbing shared by the alert
// producer and the ingest consumer.
package kafka

import (
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"auditchain/internal/platform/config"
)

// Brokers splits a comma separated broker list, dropping blanks.
func Brokers(raw string) []string {
	var out []string
	for b := range strings.SplitSeq(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// ClientOpts returns the options every client in the process starts from.
func ClientOpts(cfg config.KafkaConfig) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(Brokers(cfg.Brokers)...),
		kgo.DialTimeout(5 * time.Second),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	return opts
}

// Acks maps the KAFKA_ACKS setting to a franz-go ack level.
func Acks(raw string) kgo.Acks {
	switch raw {
	case "0":
		return kgo.NoAck()
	case "1":
		return kgo.LeaderAck()
	default:
		return kgo.AllISRAcks()
	}
}
