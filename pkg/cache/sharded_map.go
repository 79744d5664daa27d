package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedMap is a concurrent string-keyed map split across shards so that
// unrelated keys never contend on the same lock.
type ShardedMap[V any] struct {
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value    V
	lastSeen time.Time
}

// NewShardedMap creates an empty sharded map.
func NewShardedMap[V any]() *ShardedMap[V] {
	m := &ShardedMap[V]{}
	for i := 0; i < numShards; i++ {
		m.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return m
}

func (m *ShardedMap[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%numShards]
}

// GetOrCreate returns the value for key, calling create under the shard lock
// when it is absent. create must not block.
func (m *ShardedMap[V]) GetOrCreate(key string, create func() V) V {
	s := m.getShard(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		e.lastSeen = now
		s.items[key] = e
		return e.value
	}
	v := create()
	s.items[key] = entry[V]{value: v, lastSeen: now}
	return v
}

// Get returns the value for key without refreshing its activity.
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e.value, ok
}

// Delete removes key.
func (m *ShardedMap[V]) Delete(key string) {
	s := m.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (m *ShardedMap[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Keys returns every key currently stored.
func (m *ShardedMap[V]) Keys() []string {
	keys := make([]string, 0, m.Len())
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// CleanupIdle removes entries whose last GetOrCreate is older than maxAge.
func (m *ShardedMap[V]) CleanupIdle(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.lastSeen.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
