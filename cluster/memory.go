// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultShards is the size of the lock table used by NewShardedLocks when no
// explicit size is given.
const DefaultShards = 256

// ShardedLocks is an in-process LockManager backed by a fixed table of
// mutexes indexed by a hash of the key. The table bounds memory use without a
// mutex per possible key; two distinct keys contend only when they hash to
// the same shard.
type ShardedLocks struct {
	shards []sync.Mutex
}

var _ LockManager = (*ShardedLocks)(nil)

// NewShardedLocks returns a ShardedLocks with n shards. If n is not positive,
// DefaultShards is used.
func NewShardedLocks(n int) *ShardedLocks {
	if n <= 0 {
		n = DefaultShards
	}
	return &ShardedLocks{shards: make([]sync.Mutex, n)}
}

func (l *ShardedLocks) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	// Write to a hash never fails.
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Lock acquires the shard lock for the given key. The context is checked
// before acquisition; a held local mutex is never abandoned mid-section so
// acquisition itself does not watch ctx.
func (l *ShardedLocks) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mu := l.shard(key)
	mu.Lock()
	var once sync.Once
	return func() { once.Do(mu.Unlock) }, nil
}

// MemoryStore is an in-process SetStore.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

var _ SetStore = (*MemoryStore)(nil)

// NewMemoryStore allocates and returns a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]map[string]struct{})}
}

// Add satisfies the SetStore interface.
func (s *MemoryStore) Add(_ context.Context, key, member string) error {
	s.mu.Lock()
	set := s.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Remove satisfies the SetStore interface.
func (s *MemoryStore) Remove(_ context.Context, key, member string) error {
	s.mu.Lock()
	if set := s.sets[key]; set != nil {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Members satisfies the SetStore interface.
func (s *MemoryStore) Members(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	s.mu.RUnlock()
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)
	return members, nil
}

// Keys satisfies the SetStore interface.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.sets))
	for k := range s.sets {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
