package stats

import "sync"

// shardedCounters maps a small int32 key (core id or partition id) to an
// int64 counter, guarded by one mutex -- the keyspace here is small
// (cores, partitions) so a single map is fine; no need for the teacher's
// hash-sharded approach at this cardinality.
type shardedCounters struct {
	mu     sync.Mutex
	values map[int32]*int64
}

func newShardedCounters() shardedCounters {
	return shardedCounters{values: make(map[int32]*int64)}
}

func (s *shardedCounters) add(key int32, delta int64) {
	s.mu.Lock()
	v, ok := s.values[key]
	if !ok {
		var zero int64
		v = &zero
		s.values[key] = v
	}
	*v += delta
	s.mu.Unlock()
}

func (s *shardedCounters) get(key int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return *v
	}
	return 0
}
