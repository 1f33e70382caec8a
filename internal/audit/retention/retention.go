// Package retention decides how long each tenant's audit entries are kept.
package retention

import (
	"context"
	"strings"

	"auditchain/internal/audit/models"
	"auditchain/internal/platform/config"
	id "auditchain/pkg/domain"
)

// Policy returns a tenant's retention window in days.
type Policy interface {
	RetentionDays(ctx context.Context, tenantID id.TenantID) int
}

// StaticPolicy resolves retention from configuration: an explicit per-tenant
// override wins, then the premium tier, then the default.
type StaticPolicy struct {
	defaultDays int
	premiumDays int
	premium     map[string]struct{}
	overrides   map[string]int
}

func NewStaticPolicy(cfg config.AuditConfig) *StaticPolicy {
	p := &StaticPolicy{
		defaultDays: cfg.RetentionDays,
		premiumDays: cfg.PremiumRetentionDays,
		premium:     make(map[string]struct{}, len(cfg.PremiumTenants)),
		overrides:   make(map[string]int, len(cfg.RetentionOverrides)),
	}
	for _, t := range cfg.PremiumTenants {
		p.premium[strings.ToLower(t)] = struct{}{}
	}
	for t, days := range cfg.RetentionOverrides {
		if days > 0 {
			p.overrides[strings.ToLower(t)] = days
		}
	}
	return p
}

func (p *StaticPolicy) RetentionDays(_ context.Context, tenantID id.TenantID) int {
	key := tenantID.String()
	if days, ok := p.overrides[key]; ok {
		return days
	}
	if _, ok := p.premium[key]; ok {
		return p.premiumDays
	}
	return p.defaultDays
}

// Info reports the retention window in the shape the API returns.
func Info(days int) models.RetentionInfo {
	return models.NewRetentionInfo(days)
}
