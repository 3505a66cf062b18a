package bf

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

type safeMap struct {
	mu   sync.RWMutex
	data map[string]*filter
}

func newSafeMap() *safeMap {
	return &safeMap{
		data: make(map[string]*filter),
	}
}

func (sm *safeMap) get(k string) (*filter, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	v, ok := sm.data[k]
	return v, ok
}

// loadOrStore returns the existing value for k if present, otherwise it
// stores v. loaded reports which happened.
func (sm *safeMap) loadOrStore(k string, v *filter) (actual *filter, loaded bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if old, ok := sm.data[k]; ok {
		return old, true
	}
	sm.data[k] = v
	return v, false
}

// compareAndDelete removes k only while it still maps to v.
func (sm *safeMap) compareAndDelete(k string, v *filter) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if old, ok := sm.data[k]; !ok || old != v {
		return false
	}
	delete(sm.data, k)
	return true
}

func (sm *safeMap) keys() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ret := make([]string, 0, len(sm.data))
	for k := range sm.data {
		ret = append(ret, k)
	}
	return ret
}

func (sm *safeMap) len() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return uint64(len(sm.data))
}

const shardsNum uint64 = 256

// shardedMap spreads filter names over shardsNum locks so lookups and
// creations of unrelated names never wait on each other.
type shardedMap struct {
	shards []*safeMap
}

func newShardedMap() *shardedMap {
	sm := &shardedMap{
		shards: make([]*safeMap, shardsNum),
	}
	for i := range sm.shards {
		sm.shards[i] = newSafeMap()
	}
	return sm
}

func (s *shardedMap) shard(k string) *safeMap {
	return s.shards[xxhash.Sum64String(k)%shardsNum]
}

func (s *shardedMap) get(k string) (*filter, bool) {
	return s.shard(k).get(k)
}

func (s *shardedMap) loadOrStore(k string, v *filter) (*filter, bool) {
	return s.shard(k).loadOrStore(k, v)
}

func (s *shardedMap) compareAndDelete(k string, v *filter) bool {
	return s.shard(k).compareAndDelete(k, v)
}

func (s *shardedMap) keys() []string {
	var ret []string
	for _, sm := range s.shards {
		ret = append(ret, sm.keys()...)
	}
	return ret
}

func (s *shardedMap) len() uint64 {
	var length uint64
	for _, sm := range s.shards {
		length += sm.len()
	}
	return length
}
