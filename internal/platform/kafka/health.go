package kafka

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kgo"
)

// HealthChecker pings the cluster through an existing client.
type HealthChecker struct {
	client *kgo.Client
}

func NewHealthChecker(client *kgo.Client) *HealthChecker {
	return &HealthChecker{client: client}
}

// Check succeeds when at least one broker answers.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h == nil || h.client == nil {
		return errors.New("kafka not configured")
	}
	return h.client.Ping(ctx)
}

func (h *HealthChecker) Name() string {
	return "kafka"
}
