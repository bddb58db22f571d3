// Package space implements spec.md §4.4: per-partition segmented LRU lists
// with hot/cold balancing, a striped multi-list iterator, freelist
// population, and partition size enforcement (overflow/priority/pinned
// eviction). Linkage is through mapping.CacheLineID indices stored on each
// mapping.Line (LRUPrev/LRUNext/Hot/Dirty), not pointers, continuing the
// arena model of internal/mapping.
//
// Grounded on original_source's ocf_lru.c/ocf_lru_structs.h for the
// hot/cold balance algorithm and striped-list shape, and on the teacher's
// ShardedL1Cache/L1CacheShard (internal/cache/cache_engine_v2.go) for the
// Go idiom of "N independent lists behind a mutex each" -- generalized here
// from shard-count sharding to stripe-count (NumStripes) sharding, and from
// an O(n) access-count scan (teacher's LRUTracker.EvictLRU) to a true O(1)
// head/tail doubly-linked index list, since the spec explicitly requires
// segmented LRU semantics the teacher's simpler tracker does not provide.
package space

import (
	"sync"

	"github.com/coredevice/cacheengine/internal/mapping"
)

// HotRatio is OCF_LRU_HOT_RATIO: the hot prefix is targeted at
// num_nodes/HotRatio.
const HotRatio = 2

// NumStripes is OCF_NUM_LRU_LISTS: the number of parallel LRU lists per
// partition (clean and dirty each have this many).
const NumStripes = 32

// list is one segmented LRU list: head/tail cache-line indices, count, and
// the hot/cold boundary tracking of spec.md §4.4.
type list struct {
	mu       sync.RWMutex
	head     mapping.CacheLineID
	tail     mapping.CacheLineID
	numNodes int
	numHot   int
	lastHot  mapping.CacheLineID // boundary node: last node considered hot
	trackHot bool
}

func newList(trackHot bool) *list {
	return &list{head: mapping.Invalid, tail: mapping.Invalid, lastHot: mapping.Invalid, trackHot: trackHot}
}

// Lists is a set of NumStripes segmented LRU lists (one partition's clean
// or dirty sublist set).
type Lists struct {
	stripes [NumStripes]*list
}

func newLists(trackHot bool) *Lists {
	ls := &Lists{}
	for i := range ls.stripes {
		ls.stripes[i] = newList(trackHot)
	}
	return ls
}

// StripeOf selects a line's stripe, per spec.md §4.4: "line index mod
// OCF_NUM_LRU_LISTS".
func StripeOf(id mapping.CacheLineID) int {
	return int(id) % NumStripes
}

// pushFront links id at the head of its stripe's list. Caller holds the
// stripe's write lock.
func (ls *Lists) pushFront(t *mapping.Table, id mapping.CacheLineID) {
	st := ls.stripes[StripeOf(id)]
	l := t.Line(id)
	l.LRUPrev = mapping.Invalid
	l.LRUNext = st.head
	if st.head != mapping.Invalid {
		t.Line(st.head).LRUPrev = id
	}
	st.head = id
	if st.tail == mapping.Invalid {
		st.tail = id
	}
	if st.trackHot {
		l.Hot = true
		st.numHot++
		if st.lastHot == mapping.Invalid {
			st.lastHot = id
		}
	}
	st.numNodes++
	ls.balance(t, st)
}

// remove unlinks id from its stripe's list. Caller holds the stripe's write
// lock.
func (ls *Lists) remove(t *mapping.Table, id mapping.CacheLineID) {
	st := ls.stripes[StripeOf(id)]
	l := t.Line(id)
	if l.LRUPrev != mapping.Invalid {
		t.Line(l.LRUPrev).LRUNext = l.LRUNext
	} else if st.head == id {
		st.head = l.LRUNext
	}
	if l.LRUNext != mapping.Invalid {
		t.Line(l.LRUNext).LRUPrev = l.LRUPrev
	} else if st.tail == id {
		st.tail = l.LRUPrev
	}
	if st.lastHot == id {
		st.lastHot = l.LRUPrev
	}
	l.LRUPrev = mapping.Invalid
	l.LRUNext = mapping.Invalid
	st.numNodes--
	if l.Hot {
		st.numHot--
		l.Hot = false
	}
	ls.balance(t, st)
}

// balance adjusts the hot/cold boundary by at most one step, per spec.md
// §4.4: "Balancing adjusts last_hot by at most one step per operation and
// flips the hot bit of the one node crossing the boundary." Invariant 6
// (spec.md §8) requires |num_hot - num_nodes/HotRatio| <= 1 after every
// balance.
func (ls *Lists) balance(t *mapping.Table, st *list) {
	if !st.trackHot {
		return
	}
	target := st.numNodes / HotRatio
	if st.numHot < target {
		// Promote the node just past the current hot boundary.
		var next mapping.CacheLineID
		if st.lastHot == mapping.Invalid {
			next = st.head
		} else {
			next = t.Line(st.lastHot).LRUNext
		}
		if next == mapping.Invalid {
			return
		}
		t.Line(next).Hot = true
		st.lastHot = next
		st.numHot++
	} else if st.numHot > target {
		if st.lastHot == mapping.Invalid {
			return
		}
		t.Line(st.lastHot).Hot = false
		st.lastHot = t.Line(st.lastHot).LRUPrev
		st.numHot--
	}
}

// HotCline moves id to the head of its list on a hit, per spec.md §4.4
// "Hot promotion": the only promotion path (WO reads deliberately skip it).
func (ls *Lists) HotCline(t *mapping.Table, id mapping.CacheLineID) {
	st := ls.stripes[StripeOf(id)]
	st.mu.Lock()
	ls.remove(t, id)
	ls.pushFront(t, id)
	st.mu.Unlock()
}

// Add inserts id at the head of its stripe.
func (ls *Lists) Add(t *mapping.Table, id mapping.CacheLineID) {
	st := ls.stripes[StripeOf(id)]
	st.mu.Lock()
	ls.pushFront(t, id)
	st.mu.Unlock()
}

// Remove unlinks id from its stripe's list.
func (ls *Lists) Remove(t *mapping.Table, id mapping.CacheLineID) {
	st := ls.stripes[StripeOf(id)]
	st.mu.Lock()
	ls.remove(t, id)
	st.mu.Unlock()
}

// Len returns the total node count across all stripes (used for partition
// curr_size bookkeeping consistency checks in tests).
func (ls *Lists) Len() int {
	n := 0
	for _, st := range ls.stripes {
		st.mu.RLock()
		n += st.numNodes
		st.mu.RUnlock()
	}
	return n
}
