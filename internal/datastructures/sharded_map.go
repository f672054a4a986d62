package datastructures

import (
	"sync"
)

// DefaultShardCount is used when a caller passes a non-positive shard count.
const DefaultShardCount = 64

// ShardedMap is a concurrent map split into independently locked shards.
// Read-modify-write operations on one key hold only that key's shard lock,
// so the same key always serializes and unrelated keys rarely contend.
type ShardedMap[V any] struct {
	shards     []*mapShard[V]
	shardCount uint32
}

type mapShard[V any] struct {
	items map[string]V
	mu    sync.RWMutex
}

// NewShardedMap creates a sharded map with shardCount shards.
func NewShardedMap[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	m := &ShardedMap[V]{
		shards:     make([]*mapShard[V], shardCount),
		shardCount: uint32(shardCount),
	}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &mapShard[V]{
			items: make(map[string]V),
		}
	}
	return m
}

func (m *ShardedMap[V]) getShard(key string) *mapShard[V] {
	return m.shards[fnvHash(key)%m.shardCount]
}

// Get returns the value stored under key.
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	val, ok := shard.items[key]
	shard.mu.RUnlock()
	return val, ok
}

// Set stores value under key.
func (m *ShardedMap[V]) Set(key string, value V) {
	shard := m.getShard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Delete removes key.
func (m *ShardedMap[V]) Delete(key string) {
	shard := m.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Update runs fn under the key's write lock. fn receives the current value
// and whether it exists, and returns the value to store and whether to keep
// it. Returning keep=false deletes the key.
func (m *ShardedMap[V]) Update(key string, fn func(current V, exists bool) (next V, keep bool)) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, exists := shard.items[key]
	next, keep := fn(current, exists)
	if keep {
		shard.items[key] = next
	} else if exists {
		delete(shard.items, key)
	}
}

// View runs fn under the key's read lock.
func (m *ShardedMap[V]) View(key string, fn func(current V, exists bool)) {
	shard := m.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	current, exists := shard.items[key]
	fn(current, exists)
}

// Range calls fn for every entry, one shard at a time under the shard's
// read lock. Returning false stops the iteration.
func (m *ShardedMap[V]) Range(fn func(key string, value V) bool) {
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k, v := range shard.items {
			if !fn(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// DeleteIf removes every entry for which fn returns true, locking one shard
// at a time. It returns the number of removed entries.
func (m *ShardedMap[V]) DeleteIf(fn func(key string, value V) bool) int {
	removed := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for k, v := range shard.items {
			if fn(k, v) {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Count returns the number of entries across all shards.
func (m *ShardedMap[V]) Count() int {
	count := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// fnvHash is 32-bit FNV-1a.
func fnvHash(key string) uint32 {
	hash := uint32(2166136261)
	const prime32 = uint32(16777619)
	for i := 0; i < len(key); i++ {
		hash ^= uint32(key[i])
		hash *= prime32
	}
	return hash
}
