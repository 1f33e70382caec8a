package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
)

const headKeyPrefix = "audit:head:"

// advanceScript stores (hash, index) only when index is greater than the
// cached one, so instances sharing Redis can never roll a head back.
//
// KEYS[1] head key; ARGV[1] hash; ARGV[2] chain index; ARGV[3] ttl in ms.
var advanceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'index')
if current and tonumber(current) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'hash', ARGV[1], 'index', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisCache shares chain heads between instances.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache constructs a Redis-backed head cache. A zero ttl keeps heads
// until they are invalidated.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func headKey(tenantID id.TenantID) string {
	return headKeyPrefix + tenantID.String()
}

func (c *RedisCache) Get(ctx context.Context, tenantID id.TenantID) (*models.ChainHead, bool, error) {
	vals, err := c.client.HMGet(ctx, headKey(tenantID), "hash", "index").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get chain head: %w", err)
	}
	hash, okHash := vals[0].(string)
	rawIndex, okIndex := vals[1].(string)
	if !okHash || !okIndex {
		return nil, false, nil
	}
	index, err := strconv.ParseInt(rawIndex, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("parse cached chain index: %w", err)
	}
	return &models.ChainHead{Hash: hash, ChainIndex: index}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID id.TenantID, head models.ChainHead) error {
	err := advanceScript.Run(ctx, c.client, []string{headKey(tenantID)},
		head.Hash, head.ChainIndex, c.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("advance chain head: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID id.TenantID) error {
	if err := c.client.Del(ctx, headKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("invalidate chain head: %w", err)
	}
	return nil
}
