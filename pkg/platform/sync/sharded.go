package sync

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used when NewShardedMutex is given n <= 0.
const DefaultShards = 64

// ShardedMutex serialises work per key without a map of per-key mutexes that
// would grow with the tenant population. Distinct keys may share a shard;
// that only costs throughput, never correctness.
type ShardedMutex struct {
	shards []sync.Mutex
}

func NewShardedMutex(n int) *ShardedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	return &ShardedMutex{shards: make([]sync.Mutex, n)}
}

func (m *ShardedMutex) Lock(key string)   { m.shards[m.shardFor(key)].Lock() }
func (m *ShardedMutex) Unlock(key string) { m.shards[m.shardFor(key)].Unlock() }

// Do runs fn while holding the shard lock for key.
func (m *ShardedMutex) Do(key string, fn func() error) error {
	shard := &m.shards[m.shardFor(key)]
	shard.Lock()
	defer shard.Unlock()
	return fn()
}

func (m *ShardedMutex) shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
