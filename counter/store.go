// Package counter holds the live per-key and total message counts shared by
// the consumer workers and the reporting loop.
package counter

import (
	"sort"
	"sync"
	"sync/atomic"
)

// KeyCount is one row of a snapshot.
type KeyCount struct {
	Key   string
	Count int64
}

// Snapshot is a consistent copy of the store: Total always equals the sum of
// Counts.
type Snapshot struct {
	Counts []KeyCount
	Total  int64
}

// Store counts messages per key over a fixed key pool.
//
// Increments run under the shared side of an RWMutex so workers never wait on
// each other; Snapshot takes the exclusive side just long enough to copy the
// counters, which makes every snapshot exact.
type Store struct {
	keys   []string
	index  map[string]int
	counts []atomic.Int64
	total  atomic.Int64
	limit  int64

	unknown  atomic.Int64
	rejected atomic.Int64

	mu sync.RWMutex
}

// New creates a store with every key of pool at zero. limit caps the total;
// a limit <= 0 means no cap.
func New(pool []string, limit int64) *Store {
	keys := append([]string(nil), pool...)
	sort.Strings(keys)

	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	return &Store{
		keys:   keys,
		index:  index,
		counts: make([]atomic.Int64, len(keys)),
		limit:  limit,
	}
}

// Increment adds one to key and to the total and returns the new total.
// accepted is false when key is not in the pool or the total already reached
// the limit; nothing is counted in that case.
func (s *Store) Increment(key string) (total int64, accepted bool) {
	i, ok := s.index[key]
	if !ok {
		s.unknown.Add(1)
		return s.total.Load(), false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for {
		cur := s.total.Load()
		if s.limit > 0 && cur >= s.limit {
			s.rejected.Add(1)
			return cur, false
		}
		if s.total.CompareAndSwap(cur, cur+1) {
			s.counts[i].Add(1)
			return cur + 1, true
		}
	}
}

// Total is the number of counted messages. It never decreases.
func (s *Store) Total() int64 {
	return s.total.Load()
}

// Limit returns the configured cap, or 0 when uncapped.
func (s *Store) Limit() int64 { return s.limit }

// Unknown is the number of records whose key was outside the pool.
func (s *Store) Unknown() int64 { return s.unknown.Load() }

// Rejected is the number of records dropped because the limit was reached.
func (s *Store) Rejected() int64 { return s.rejected.Load() }

// Snapshot returns every key of the pool, sorted, with its current count.
func (s *Store) Snapshot() Snapshot {
	out := Snapshot{Counts: make([]KeyCount, len(s.keys))}

	s.mu.Lock()
	for i, k := range s.keys {
		out.Counts[i] = KeyCount{Key: k, Count: s.counts[i].Load()}
	}
	out.Total = s.total.Load()
	s.mu.Unlock()

	return out
}

// Sum adds up the per-key counts of a snapshot.
func (snap Snapshot) Sum() int64 {
	var n int64
	for _, kc := range snap.Counts {
		n += kc.Count
	}
	return n
}
