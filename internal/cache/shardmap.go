package cache

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// ShardMap is a sharded concurrent map from backend-relative path to
// *Entry. Sharding keeps the lock contention a cache with many
// independent files sees under concurrent FUSE lookups down to one
// bucket's worth of readers/writers instead of a single global mutex.
type ShardMap struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewShardMap creates an empty sharded entry table.
func NewShardMap() *ShardMap {
	m := &ShardMap{}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return m
}

func (m *ShardMap) shardFor(path string) *shard {
	h := fnv.New32a()
	h.Write([]byte(path))
	return m.shards[h.Sum32()%shardCount]
}

// Get returns the entry for path, if present.
func (m *ShardMap) Get(path string) (*Entry, bool) {
	s := m.shardFor(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path]
	return e, ok
}

// Set inserts or replaces the entry for path.
func (m *ShardMap) Set(path string, e *Entry) {
	s := m.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = e
}

// GetOrCreate returns the existing entry for path, or atomically
// installs and returns a new one built by create.
func (m *ShardMap) GetOrCreate(path string, create func() *Entry) (*Entry, bool) {
	s := m.shardFor(path)

	s.mu.RLock()
	if e, ok := s.entries[path]; ok {
		s.mu.RUnlock()
		return e, false
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[path]; ok {
		return e, false
	}
	e := create()
	s.entries[path] = e
	return e, true
}

// Delete removes the entry for path, if present.
func (m *ShardMap) Delete(path string) {
	s := m.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path)
}

// Range calls fn for every entry in the map. fn must not call back
// into the ShardMap.
func (m *ShardMap) Range(fn func(path string, e *Entry)) {
	for _, s := range m.shards {
		s.mu.RLock()
		for path, e := range s.entries {
			fn(path, e)
		}
		s.mu.RUnlock()
	}
}

// Len returns the total number of entries across all shards.
func (m *ShardMap) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Snapshot returns a plain map copy of path -> *Entry, for callers
// (like eviction policies) that need a consistent view to sort over.
func (m *ShardMap) Snapshot() map[string]*Entry {
	out := make(map[string]*Entry, m.Len())
	m.Range(func(path string, e *Entry) {
		out[path] = e
	})
	return out
}
