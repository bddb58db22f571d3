// Package alock implements the asynchronous per-cache-line reader/writer
// lock of spec.md §4.2: a scalable per-entry rwlock with a sharded waiter
// list and fair handoff on unlock. Two instances are used by the cache (one
// keyed by cache-line index, one keyed by metadata-page index); this
// package is entry-kind agnostic -- callers key by whatever int they like.
package alock

import (
	"sync"
	"sync/atomic"
)

// RW selects which mode a lock was requested/held in.
type RW int

const (
	Read RW = iota
	Write
)

// entryState's atomic counter has three regimes, matching spec.md §4.2:
//   idle (0), 1..stateWriter-1 readers, stateWriter == one writer.
const stateWriter = int32(1<<31 - 1) // INT_MAX

// cacheLinePad sizes padding so each entryState sits on its own cache line,
// avoiding false sharing when many goroutines hammer adjacent entries --
// grounded on the teacher's _padding fields in
// internal/tenant/tenantmanager_v3.go (V3TenantShard) and
// internal/cache/cache_engine_v3.go (V3CacheEntry).
const cacheLineSize = 64

type entryState struct {
	v        atomic.Int32
	_padding [cacheLineSize - 4]byte
}

func (e *entryState) tryLockWR() bool {
	return e.v.CompareAndSwap(0, stateWriter)
}

func (e *entryState) tryLockRDIdle() bool {
	return e.v.CompareAndSwap(0, 1)
}

func (e *entryState) tryLockRD() bool {
	for {
		cur := e.v.Load()
		if cur == stateWriter {
			return false
		}
		if e.v.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (e *entryState) unlockWR() {
	if !e.v.CompareAndSwap(stateWriter, 0) {
		panic("alock: unlockWR on entry not held as writer")
	}
}

func (e *entryState) unlockRD() {
	for {
		cur := e.v.Load()
		if cur <= 0 || cur == stateWriter {
			panic("alock: unlockRD on entry not held as reader")
		}
		if e.v.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (e *entryState) readers() int32 {
	v := e.v.Load()
	if v == stateWriter {
		return -1
	}
	return v
}

// Callback is invoked exactly once per queued waiter, from the later Unlock
// (on whichever goroutine calls it) that hands the entry over to that
// waiter. It is never invoked for an acquisition that succeeds immediately.
type Callback func(slot int)

type waiter struct {
	entry    int
	slot     int
	rw       RW
	cb       Callback
	next     *waiter
}

type shard struct {
	mu    sync.Mutex
	heads map[int]*waiter // entry -> head of FIFO waiter list for that entry
	tails map[int]*waiter
}

// Lock is one asynchronous per-entry reader/writer lock instance, sized to
// numEntries and sharded into shardCount waiter-list shards (power of two).
type Lock struct {
	entries []entryState
	shards  []shard
	shardMask uint32
}

// New allocates a Lock over numEntries entries with shardCount waiter-list
// shards (rounded up to the next power of two).
func New(numEntries, shardCount int) *Lock {
	if shardCount <= 0 {
		shardCount = 1
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	l := &Lock{
		entries:   make([]entryState, numEntries),
		shards:    make([]shard, n),
		shardMask: uint32(n - 1),
	}
	for i := range l.shards {
		l.shards[i].heads = make(map[int]*waiter)
		l.shards[i].tails = make(map[int]*waiter)
	}
	return l
}

func (l *Lock) shardFor(entry int) *shard {
	h := uint32(entry)
	h ^= h >> 16
	h *= 0x45d9f3b
	h ^= h >> 16
	return &l.shards[h&l.shardMask]
}

// TryLock attempts the non-blocking fast-path acquisition used by the fast
// path engine (spec.md §4.1 "Fast path"): on success the entry is held; on
// failure nothing changed. Its body is identical to FastLock's: it never
// touches the waiter list, matching the spec's "any failure -> return
// FAST_PATH_NO" contract.
func (l *Lock) TryLock(entry int, rw RW) bool {
	e := &l.entries[entry]
	if rw == Write {
		return e.tryLockWR()
	}
	return e.tryLockRDIdle()
}

// FastLock attempts to acquire entry without ever touching the waiter list
// (spec.md §4.2 "Fast lock"). The waiter list is not consulted: a read
// acquisition succeeds only when the entry is idle (no reader and no
// writer), which stands in for the waiter-list emptiness check.
func (l *Lock) FastLock(entry int, rw RW) bool {
	e := &l.entries[entry]
	if rw == Write {
		return e.tryLockWR()
	}
	return e.tryLockRDIdle()
}

// Unlock releases entry previously held in mode rw, waking waiters per the
// fair handoff algorithm of spec.md §4.2.
func (l *Lock) Unlock(entry int, rw RW) {
	if rw == Write {
		l.unlockWR(entry)
	} else {
		l.unlockRD(entry)
	}
}

func (l *Lock) unlockWR(entry int) {
	sh := l.shardFor(entry)
	sh.mu.Lock()
	e := &l.entries[entry]
	e.unlockWR()
	l.promote(sh, entry)
	sh.mu.Unlock()
}

func (l *Lock) unlockRD(entry int) {
	sh := l.shardFor(entry)
	sh.mu.Lock()
	e := &l.entries[entry]
	e.unlockRD()
	l.promote(sh, entry)
	sh.mu.Unlock()
}

// promote walks the FIFO waiter list for entry, under sh.mu, promoting
// waiters while consistent with the entry's current state. Stops at the
// first waiter that cannot be promoted, per spec.md §4.2's "Lock handoff on
// unlock".
func (l *Lock) promote(sh *shard, entry int) {
	e := &l.entries[entry]
	for {
		w := sh.heads[entry]
		if w == nil {
			return
		}
		var ok bool
		if w.rw == Write {
			ok = e.tryLockWR()
		} else {
			ok = e.tryLockRD()
		}
		if !ok {
			return
		}
		l.popFront(sh, entry)
		cb := w.cb
		slot := w.slot
		cb(slot)
	}
}

func (l *Lock) popFront(sh *shard, entry int) {
	w := sh.heads[entry]
	if w == nil {
		return
	}
	sh.heads[entry] = w.next
	if sh.heads[entry] == nil {
		delete(sh.heads, entry)
		delete(sh.tails, entry)
	}
}

// EnqueueResult reports whether Enqueue acquired the lock synchronously or
// queued the caller for asynchronous wakeup.
type EnqueueResult int

const (
	Acquired EnqueueResult = iota
	Queued
)

// Enqueue is the slow-lock primitive (spec.md §4.2 "Slow lock"): it
// re-attempts the trylock under the shard lock (closing the fast-path
// race), and if still busy, appends a waiter that will be woken by a future
// Unlock. If Acquired is returned the lock is already held and cb is not
// invoked; if Queued is returned, cb is invoked with slot exactly once, from
// the later Unlock that hands the entry over.
func (l *Lock) Enqueue(entry, slot int, rw RW, cb Callback) EnqueueResult {
	sh := l.shardFor(entry)
	sh.mu.Lock()
	e := &l.entries[entry]

	// Only attempt the idle-fast-path re-check if there is no queue yet for
	// this entry -- otherwise a new arrival must queue behind existing
	// waiters for fairness (a pending writer must not be skipped by a
	// same-call reader).
	if sh.heads[entry] == nil {
		var ok bool
		if rw == Write {
			ok = e.tryLockWR()
		} else {
			ok = e.tryLockRD()
		}
		if ok {
			sh.mu.Unlock()
			return Acquired
		}
	}

	w := &waiter{entry: entry, slot: slot, rw: rw, cb: cb}
	if sh.tails[entry] == nil {
		sh.heads[entry] = w
		sh.tails[entry] = w
	} else {
		sh.tails[entry].next = w
		sh.tails[entry] = w
	}
	sh.mu.Unlock()
	return Queued
}

// Abandon removes a still-queued waiter identified by (entry, slot), or, if
// it was already handed off by a concurrent Unlock (the lock is already
// held on the caller's behalf), performs the symmetric unlock -- spec.md
// §4.2 "Cancellation".
func (l *Lock) Abandon(entry, slot int, rw RW) {
	sh := l.shardFor(entry)
	sh.mu.Lock()
	var prev *waiter
	cur := sh.heads[entry]
	for cur != nil {
		if cur.slot == slot {
			if prev == nil {
				sh.heads[entry] = cur.next
			} else {
				prev.next = cur.next
			}
			if sh.tails[entry] == cur {
				sh.tails[entry] = prev
			}
			if sh.heads[entry] == nil {
				delete(sh.heads, entry)
				delete(sh.tails, entry)
			}
			sh.mu.Unlock()
			return
		}
		prev = cur
		cur = cur.next
	}
	sh.mu.Unlock()
	// Not queued: the waiter must already have been handed off by Unlock
	// (its callback already fired with the lock held) -- release it now.
	l.Unlock(entry, rw)
}

// Readers returns the current reader count for entry, or -1 if held by a
// writer, 0 if idle. Test/diagnostic use only.
func (l *Lock) Readers(entry int) int32 {
	return l.entries[entry].readers()
}

// HasWaiters reports whether entry currently has a non-empty waiter list.
// Used by eviction-victim selection (spec.md §4.4 condition (d): "free of
// alock waiters").
func (l *Lock) HasWaiters(entry int) bool {
	sh := l.shardFor(entry)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.heads[entry] != nil
}
