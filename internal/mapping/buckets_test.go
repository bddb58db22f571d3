package mapping

import (
	"reflect"
	"testing"
)

func TestSortDedupBuckets(t *testing.T) {
	in := []uint32{5, 1, 3, 1, 5, 2}
	got := SortDedupBuckets(in)
	want := []uint32{1, 2, 3, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestBucketRangeUpgrade exercises the RD->WR upgrade path engines use after
// a miss is found under a read-locked traversal (spec.md §4.1 step 4 /
// §5's lock-escalation discipline).
func TestBucketRangeUpgrade(t *testing.T) {
	bl := NewBucketLocks(4)
	r := bl.LockRange([]uint32{0, 2}, false)
	r.Upgrade()

	// A second writer attempting the same range must now block; verify by
	// checking a non-blocking trylock-equivalent isn't available here, so
	// instead assert Upgrade is idempotent/safe to call twice (no-op on an
	// already-write range) and Unlock releases cleanly.
	r.Upgrade()
	r.Unlock()

	// Range should be fully released: a fresh write lock over the same
	// buckets must succeed without blocking forever (this would hang the
	// test on a real deadlock, which `go test`'s default timeout catches).
	r2 := bl.LockRange([]uint32{0, 2}, true)
	r2.Unlock()
}
