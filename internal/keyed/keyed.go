// Package keyed provides sharded maps and per-key locks so that state owned
// by different sensors, subjects or sessions never serialises behind one
// global mutex.
package keyed

import (
	"hash/maphash"
	"sort"
	"sync"
)

const defaultShards = 32

var seed = maphash.MakeSeed()

func shardOf(key string, n int) int {
	return int(maphash.String(seed, key) % uint64(n))
}

// Locks hands out one mutex per key. Entries are reference counted and
// removed once no holder or waiter remains.
type Locks struct {
	shards [defaultShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the caller is the sole holder for key and returns the
// matching unlock func.
func (l *Locks) Lock(key string) (unlock func()) {
	s := &l.shards[shardOf(key, defaultShards)]
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*refLock)
	}
	rl, ok := s.locks[key]
	if !ok {
		rl = &refLock{}
		s.locks[key] = rl
	}
	rl.refs++
	s.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		s.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Map is a sharded map from string keys to V.
type Map[V any] struct {
	shards [defaultShards]mapShard[V]
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return &m.shards[shardOf(key, defaultShards)]
}

// Load returns the value for key.
func (m *Map[V]) Load(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, v V) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]V)
	}
	s.m[key] = v
}

// LoadOrStore returns the existing value for key if present, otherwise it
// stores and returns v.
func (m *Map[V]) LoadOrStore(key string, v V) (actual V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[key]; ok {
		return cur, true
	}
	if s.m == nil {
		s.m = make(map[string]V)
	}
	s.m[key] = v
	return v, false
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// DeleteIf removes key when pred reports true for its current value.
func (m *Map[V]) DeleteIf(key string, pred func(V) bool) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok || !pred(v) {
		return false
	}
	delete(s.m, key)
	return true
}

// Range calls fn for every entry, one shard at a time. fn must not call
// back into m.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys returns all keys in sorted order.
func (m *Map[V]) Keys() []string {
	var keys []string
	m.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
