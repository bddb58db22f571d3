package alock

import "sync/atomic"

// Acquisition describes one cache line a multi-line lock attempt must
// acquire: its entry index, the slot used to identify it to Abandon/Enqueue
// callbacks, whether it needs locking at all (spec.md §4.2 step 1: "Skip if
// needs_lock returns false"), and the mode to acquire in.
type Acquisition struct {
	Entry     int
	Slot      int
	NeedsLock bool
	RW        RW
}

// FastLockAll attempts spec.md §4.2's "Fast lock (per request)": for each
// acquisition needing a lock, in order, try the fast (non-waiting)
// acquisition; on the first failure, roll back everything already acquired
// and return false. Acquisitions must already be sorted by ascending Entry
// by the caller (the request's per-core-line ordering), matching the
// spec's "in order of ascending index" requirement.
func (l *Lock) FastLockAll(acqs []Acquisition) (ok bool, locked []bool) {
	locked = make([]bool, len(acqs))
	for i, a := range acqs {
		if !a.NeedsLock {
			continue
		}
		if l.FastLock(a.Entry, a.RW) {
			locked[i] = true
			continue
		}
		// Roll back.
		for j := i - 1; j >= 0; j-- {
			if locked[j] {
				l.Unlock(acqs[j].Entry, acqs[j].RW)
				locked[j] = false
			}
		}
		return false, locked
	}
	return true, locked
}

// SlowLockResult is returned by SlowLockAll.
type SlowLockResult struct {
	// Remaining is the number of acquisitions still pending asynchronous
	// completion after SlowLockAll returns; the caller's completion
	// callback fires (via onZero) when this reaches zero, possibly
	// synchronously inside this call.
	Remaining int32
	Err       error // non-nil only on waiter allocation failure
}

// SlowLockAll is spec.md §4.2's "Slow lock (per request)": for each
// acquisition needing a lock, try the fast variant first; on failure,
// enqueue on the entry's waiter list. The caller enters with
// lock_remaining = len(needed)+1 (the "+1 self reference" of the spec,
// folded into this call: onZero is only invoked once Remaining truly
// reaches zero, accounting for the extra decrement after the loop below).
// markLocked(i) is called once acquisition i (by index into acqs) is held,
// either synchronously or from a waiter callback; onZero is called exactly
// once, when the last pending acquisition completes.
func (l *Lock) SlowLockAll(acqs []Acquisition, markLocked func(i int), onZero func()) SlowLockResult {
	remaining := atomic.Int32{}
	remaining.Store(int32(countNeeded(acqs)) + 1)

	decrement := func() {
		if remaining.Add(-1) == 0 {
			onZero()
		}
	}

	for i, a := range acqs {
		i := i
		a := a
		if !a.NeedsLock {
			continue
		}
		res := l.Enqueue(a.Entry, a.Slot, a.RW, func(slot int) {
			markLocked(i)
			decrement()
		})
		if res == Acquired {
			markLocked(i)
			decrement()
		}
		// res == Queued: markLocked/decrement will be invoked later from
		// promote() on some other goroutine's Unlock call.
	}

	// Release the "+1" self-reference now that every acquisition has been
	// either completed synchronously or handed to the waiter list.
	decrement()

	return SlowLockResult{Remaining: remaining.Load()}
}

func countNeeded(acqs []Acquisition) int {
	n := 0
	for _, a := range acqs {
		if a.NeedsLock {
			n++
		}
	}
	return n
}
