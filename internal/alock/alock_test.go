package alock

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestMutualExclusion exercises invariant 1 (spec.md §8): for any entry and
// any instant, the holders are either at most one writer or any number of
// readers. A shared counter pair lets concurrent goroutines detect a
// violation as soon as it happens rather than only in aggregate.
func TestMutualExclusion(t *testing.T) {
	l := New(4, 8)
	const entry = 2
	var writers, readers int32
	var violated atomic.Bool

	var wg sync.WaitGroup
	iterations := 2000
	workers := 8
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations; i++ {
				rw := Read
				if rnd.Intn(2) == 0 {
					rw = Write
				}
				done := make(chan struct{})
				res := l.Enqueue(entry, i, rw, func(int) { close(done) })
				if res == Queued {
					<-done
				}

				if rw == Write {
					if atomic.AddInt32(&writers, 1) != 1 || atomic.LoadInt32(&readers) != 0 {
						violated.Store(true)
					}
				} else {
					atomic.AddInt32(&readers, 1)
					if atomic.LoadInt32(&writers) != 0 {
						violated.Store(true)
					}
				}

				// Hold briefly so overlapping acquisitions have a chance to
				// actually race instead of serializing by scheduler luck.
				time.Sleep(time.Microsecond)

				if rw == Write {
					atomic.AddInt32(&writers, -1)
				} else {
					atomic.AddInt32(&readers, -1)
				}
				l.Unlock(entry, rw)
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	if violated.Load() {
		t.Fatal("mutual exclusion violated: writer overlapped with another holder")
	}
}

// TestLiveness exercises invariant 2: any finite lock/unlock sequence with
// no pending acquisitions returns every entry to idle (Readers == 0).
func TestLiveness(t *testing.T) {
	l := New(8, 4)
	for entry := 0; entry < 8; entry++ {
		for i := 0; i < 50; i++ {
			rw := Read
			if i%3 == 0 {
				rw = Write
			}
			done := make(chan struct{})
			res := l.Enqueue(entry, i, rw, func(int) { close(done) })
			if res == Queued {
				<-done
			}
			l.Unlock(entry, rw)
		}
		if got := l.Readers(entry); got != 0 {
			t.Fatalf("entry %d: expected idle (0) after drain, got %d", entry, got)
		}
		if l.HasWaiters(entry) {
			t.Fatalf("entry %d: expected no waiters after drain", entry)
		}
	}
}

// TestWriterFairness exercises invariant 3: a writer that enqueues on a busy
// read entry is not starved by new readers arriving after it queued.
func TestWriterFairness(t *testing.T) {
	l := New(1, 1)
	const entry = 0

	// Hold the entry read-locked so the writer below must queue. Enqueue
	// never invokes cb for a synchronous Acquired result (only queued
	// waiters get an async callback from promote), so nothing to wait on.
	if res := l.Enqueue(entry, 0, Read, func(int) {}); res != Acquired {
		t.Fatal("expected immediate read acquisition on idle entry")
	}

	writerAcquired := make(chan struct{})
	writerRes := l.Enqueue(entry, 1, Write, func(int) { close(writerAcquired) })
	if writerRes != Queued {
		t.Fatal("expected writer to queue behind the held reader")
	}

	// A reader arriving after the writer queued must not be served first.
	readerAcquired := make(chan struct{})
	readerRes := l.Enqueue(entry, 2, Read, func(int) { close(readerAcquired) })
	if readerRes == Acquired {
		t.Fatal("reader arriving after a queued writer must not acquire immediately")
	}

	select {
	case <-writerAcquired:
		t.Fatal("writer should still be queued behind the live reader")
	case <-readerAcquired:
		t.Fatal("later reader must not jump the queued writer")
	default:
	}

	l.Unlock(entry, Read) // release the original reader

	select {
	case <-writerAcquired:
	case <-time.After(time.Second):
		t.Fatal("writer was starved after the blocking reader released")
	}

	select {
	case <-readerAcquired:
		t.Fatal("later reader acquired before the writer it queued behind")
	default:
	}

	l.Unlock(entry, Write)
	select {
	case <-readerAcquired:
	case <-time.After(time.Second):
		t.Fatal("reader was never served after the writer released")
	}
}

// TestScenarioS3WriterFairnessStress is spec.md §8 scenario S3: mixed R/W
// across overlapping cache lines from many goroutines must make progress
// within a bounded time, never deadlocking or starving a shard's list.
// Iteration count is reduced from the spec's 10_000 to keep this fast under
// `go test`; the property under test (bounded per-list progress) is
// unchanged by the count.
func TestScenarioS3WriterFairnessStress(t *testing.T) {
	l := New(16, 4)
	const workers = 8
	const iterations = 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations; i++ {
				entry := rnd.Intn(16)
				rw := Read
				if rnd.Intn(3) == 0 {
					rw = Write
				}
				done := make(chan struct{})
				res := l.Enqueue(entry, (int(seed)<<20)|i, rw, func(int) { close(done) })
				if res == Queued {
					<-done
				}
				l.Unlock(entry, rw)
			}
		}(int64(w) + 1)
	}

	progressed := make(chan struct{})
	go func() {
		wg.Wait()
		close(progressed)
	}()

	select {
	case <-progressed:
	case <-time.After(3 * time.Second):
		t.Fatal("worker failed to make progress within the timeout")
	}
}

// TestFastLockAllRollback exercises multi-line acquisition failure rollback:
// if any acquisition in the set fails, every earlier one in the same call is
// released rather than left held.
func TestFastLockAllRollback(t *testing.T) {
	l := New(4, 4)
	if !l.TryLock(2, Write) {
		t.Fatal("setup: expected to acquire entry 2")
	}

	acqs := []Acquisition{
		{Entry: 0, Slot: 0, NeedsLock: true, RW: Write},
		{Entry: 1, Slot: 1, NeedsLock: true, RW: Write},
		{Entry: 2, Slot: 2, NeedsLock: true, RW: Write}, // already held elsewhere, must fail
	}
	ok, locked := l.FastLockAll(acqs)
	if ok {
		t.Fatal("expected FastLockAll to fail when entry 2 is already held")
	}
	for i, held := range locked {
		if held {
			t.Fatalf("acquisition %d left locked after rollback", i)
		}
	}
	if l.Readers(0) != 0 || l.Readers(1) != 0 {
		t.Fatal("rollback did not release entries 0/1")
	}
	l.Unlock(2, Write)
}
