package space

import (
	"testing"

	"github.com/coredevice/cacheengine/internal/mapping"
)

// TestPartitionCounterIntegrity exercises invariant 5 (spec.md §8):
// part.curr_size == |{lines in that partition's LRUs}| at every quiescent
// point, across freelist population, repartitioning, and dirty/clean
// transitions.
func TestPartitionCounterIntegrity(t *testing.T) {
	const numLines = 16
	tbl := mapping.NewTable(numLines, 64, 4)
	fl := NewFreelist()
	PopulateFreelist(tbl, fl, SequentialLayout{})

	assertClosed := func(p *Partition) {
		t.Helper()
		if got := p.Clean.Len() + p.Dirty.Len(); int64(got) != p.CurrSize() {
			t.Fatalf("partition %d: curr_size=%d but clean+dirty lists hold %d", p.ID, p.CurrSize(), got)
		}
	}

	a := NewPartition(0, 0, 0, 100, CacheMode(0), "a")
	b := NewPartition(1, 1, 0, 100, CacheMode(0), "b")

	// Move 5 lines from freelist into partition a.
	for i := mapping.CacheLineID(0); i < 5; i++ {
		Repart(tbl, i, nil, a, fl, nil)
	}
	assertClosed(a)
	if a.CurrSize() != 5 {
		t.Fatalf("expected curr_size=5 after 5 repartitions, got %d", a.CurrSize())
	}

	// Dirty two of them, then repartition one into b.
	MarkDirty(tbl, a, 0)
	MarkDirty(tbl, a, 1)
	assertClosed(a)
	Repart(tbl, 0, a, b, nil, nil)
	assertClosed(a)
	assertClosed(b)
	if a.CurrSize() != 4 || b.CurrSize() != 1 {
		t.Fatalf("expected a=4,b=1 after cross-partition repart, got a=%d,b=%d", a.CurrSize(), b.CurrSize())
	}

	// The moved line's dirtiness crosses partitions with it.
	if !tbl.Line(0).Dirty {
		t.Fatal("Repart must preserve the line's dirty bit across partitions")
	}
	if b.Dirty.Len() != 1 {
		t.Fatal("dirty line repartitioned into b must land on b's dirty sublist")
	}

	// Return a line to the freelist and verify the source partition's
	// counter still reconciles.
	Repart(tbl, 1, a, nil, nil, fl)
	assertClosed(a)
	if a.CurrSize() != 3 {
		t.Fatalf("expected curr_size=3 after returning a line to freelist, got %d", a.CurrSize())
	}
	if tbl.Line(1).Partition != mapping.FreelistPartition {
		t.Fatal("line returned to freelist must carry FreelistPartition")
	}
}

// TestFreelistClosure exercises invariant 7 (spec.md §8): every cache line
// is in exactly one LRU list (some partition's clean/dirty sublist, or the
// freelist), and its metadata partition id matches whichever list holds it.
func TestFreelistClosure(t *testing.T) {
	const numLines = 20
	tbl := mapping.NewTable(numLines, 64, 4)
	fl := NewFreelist()
	PopulateFreelist(tbl, fl, SequentialLayout{})

	if fl.CurrSize() != numLines {
		t.Fatalf("expected freelist to hold all %d lines after population, got %d", numLines, fl.CurrSize())
	}
	for i := mapping.CacheLineID(0); i < numLines; i++ {
		if tbl.Line(i).Partition != mapping.FreelistPartition {
			t.Fatalf("line %d: expected FreelistPartition before any repart", i)
		}
	}

	p := NewPartition(0, 0, 0, 100, CacheMode(0), "p")
	moved := mapping.CacheLineID(7)
	for i := mapping.CacheLineID(0); i < mapping.CacheLineID(moved); i++ {
		Repart(tbl, i, nil, p, fl, nil)
	}

	if got := fl.CurrSize() + p.CurrSize(); got != numLines {
		t.Fatalf("closure violated: freelist(%d)+partition(%d) != total(%d)", fl.CurrSize(), p.CurrSize(), numLines)
	}
	for i := mapping.CacheLineID(0); i < moved; i++ {
		if tbl.Line(i).Partition != p.ID {
			t.Fatalf("line %d: partition id %d does not match its holding partition %d", i, tbl.Line(i).Partition, p.ID)
		}
	}
	for i := moved; i < numLines; i++ {
		if tbl.Line(i).Partition != mapping.FreelistPartition {
			t.Fatalf("line %d: expected to remain on the freelist", i)
		}
	}
}
