package space

import (
	"github.com/coredevice/cacheengine/internal/alock"
	"github.com/coredevice/cacheengine/internal/mapping"
)

// Manager ties the arena table, the cache-line alock, the hash-bucket
// locks, partitions and the freelist together for eviction and
// remap purposes (spec.md §4.4).
type Manager struct {
	Table    *mapping.Table
	CL       *alock.Lock // cache-line alock, one entry per line
	Buckets  *mapping.BucketLocks
	Freelist *Freelist
	Parts    map[int32]*Partition
	Layout   Layout
}

// RequestRange lets the evictor reject victims that fall within the
// current request's own LBA range (spec.md §4.4 condition (b) /
// "prevents self-deadlock").
type RequestRange struct {
	Core     mapping.CoreID
	FirstLg  mapping.CoreLine
	LastLg   mapping.CoreLine
	// HashInRange reports whether the caller already holds the hash bucket
	// for (core, line) -- used to avoid re-entrant bucket locking during
	// eviction, per spec.md §4.4 condition (e) / §5 deadlock discipline.
	HashInRange func(core mapping.CoreID, line mapping.CoreLine) bool
}

func (rr *RequestRange) contains(core mapping.CoreID, line mapping.CoreLine) bool {
	if rr == nil {
		return false
	}
	return core == rr.Core && line >= rr.FirstLg && line <= rr.LastLg
}

// victimFromTail walks a stripe's list from the tail looking for an
// acquirable victim, applying the eviction-victim-selection invariants of
// spec.md §4.4: not pinned (caller's choice of which lists to scan encodes
// that), not in the request's own range, WR-lockable without blocking, no
// alock waiters, reachable via its hash-bucket lock. Returns
// mapping.Invalid if the stripe yields nothing.
func (m *Manager) victimFromTail(stripeIdx int, lists *Lists, rr *RequestRange, holdsOwnBuckets bool) mapping.CacheLineID {
	st := lists.stripes[stripeIdx]
	st.mu.Lock()
	defer st.mu.Unlock()

	cur := st.tail
	for cur != mapping.Invalid {
		l := m.Table.Line(cur)
		prev := l.LRUPrev

		if m.tryClaimVictim(cur, l, rr, holdsOwnBuckets) {
			lists.remove(m.Table, cur)
			return cur
		}
		cur = prev
	}
	return mapping.Invalid
}

func (m *Manager) tryClaimVictim(id mapping.CacheLineID, l *mapping.Line, rr *RequestRange, holdsOwnBuckets bool) bool {
	if rr.contains(l.CoreID, l.Core) {
		return false
	}
	if m.CL.HasWaiters(int(id)) {
		return false
	}
	if !m.CL.TryLock(int(id), alock.Write) {
		return false
	}

	already := rr != nil && rr.HashInRange != nil && rr.HashInRange(l.CoreID, l.Core)
	if !already && !holdsOwnBuckets {
		bucket := m.Table.Hash(l.CoreID, l.Core)
		r := m.Buckets.LockRange([]uint32{bucket}, true)
		defer r.Unlock()
	}
	return true
}

// EvictionNext finds and claims one victim from partition p's clean
// sublist, walking stripes round-robin starting at startStripe. It is used
// to evict a line already belonging to some (possibly different) user
// partition when the freelist is empty. The caller is responsible for
// Repart-ing the returned line to its destination and for unlocking the
// alock once done with it (the victim is returned WR-locked).
func (m *Manager) EvictionNext(p *Partition, startStripe int, rr *RequestRange) mapping.CacheLineID {
	for i := 0; i < NumStripes; i++ {
		idx := (startStripe + i) % NumStripes
		if id := m.victimFromTail(idx, p.Clean, rr, false); id != mapping.Invalid {
			return id
		}
	}
	return mapping.Invalid
}

// FreeNext pops one line from the freelist's tail, same selection rules
// minus the invalidation step (the line has no mapping to invalidate),
// spec.md §4.4 "Free-next".
func (m *Manager) FreeNext(startStripe int, rr *RequestRange) mapping.CacheLineID {
	for i := 0; i < NumStripes; i++ {
		idx := (startStripe + i) % NumStripes
		st := m.Freelist.Lines.stripes[idx]
		st.mu.Lock()
		cur := st.tail
		var found mapping.CacheLineID = mapping.Invalid
		for cur != mapping.Invalid {
			l := m.Table.Line(cur)
			prev := l.LRUPrev
			if m.CL.HasWaiters(int(cur)) {
				cur = prev
				continue
			}
			if m.CL.TryLock(int(cur), alock.Write) {
				found = cur
				break
			}
			cur = prev
		}
		if found != mapping.Invalid {
			m.Freelist.Lines.remove(m.Table, found)
			m.Freelist.currSize.Add(-1)
		}
		st.mu.Unlock()
		if found != mapping.Invalid {
			return found
		}
	}
	return mapping.Invalid
}

// CleanerNext is the weaker iterator variant used by the cleaner (spec.md
// §4.4 "Cleaner-next"): the caller holds all LRU stripe locks for the
// entire scan (Open Question #3 / DESIGN.md), each yielded line is
// RD-locked on the alock and left locked for the caller to clean, and a
// per-partition cursor resumes where the previous call left off. This is
// intentionally a different locking protocol from the evictor: ALRU-style
// whole-partition scans need a stable view across stripes, whereas the
// evictor only needs per-victim atomicity and would pay an unacceptable
// stall if it locked every stripe for a single victim.
type CleanerCursor struct {
	stripe int
	node   mapping.CacheLineID
	active bool
}

// NewCleanerCursor starts a fresh scan over partition p's dirty sublist.
func NewCleanerCursor() *CleanerCursor { return &CleanerCursor{node: mapping.Invalid} }

// CleanerNextLocked advances the cursor and returns the next RD-lockable dirty line, or
// mapping.Invalid when the scan is exhausted. Callers must hold all of p's
// dirty-list stripe locks (via LockAllDirty) for the duration of the scan.
func (m *Manager) CleanerNextLocked(p *Partition, cur *CleanerCursor) mapping.CacheLineID {
	for cur.stripe < NumStripes {
		st := p.Dirty.stripes[cur.stripe]
		var start mapping.CacheLineID
		if cur.active {
			start = m.Table.Line(cur.node).LRUPrev
		} else {
			start = st.tail
			cur.active = true
		}
		for start != mapping.Invalid {
			l := m.Table.Line(start)
			if m.CL.TryLock(int(start), alock.Read) {
				cur.node = start
				return start
			}
			start = l.LRUPrev
		}
		cur.stripe++
		cur.active = false
	}
	return mapping.Invalid
}

// LockAllDirty / UnlockAllDirty bracket a cleaner scan per the Open
// Question #3 locking protocol.
func (p *Partition) LockAllDirty() {
	for _, st := range p.Dirty.stripes {
		st.mu.Lock()
	}
}

func (p *Partition) UnlockAllDirty() {
	for i := len(p.Dirty.stripes) - 1; i >= 0; i-- {
		p.Dirty.stripes[i].mu.Unlock()
	}
}
