package mapping

import "testing"

// TestSectorBitMonotonicity exercises invariant 8 (spec.md §8): set_dirty
// implies set_valid on the same bits, and clear_valid on a still-dirty
// sector is a contract violation that must panic rather than silently
// corrupt state.
func TestSectorBitMonotonicity(t *testing.T) {
	b := NewSectorBitmap(4) // 8 sectors

	b.SetDirty(2, 5)
	if !b.TestValid(2, 5) {
		t.Fatal("SetDirty must imply SetValid on the same range")
	}
	if !b.TestDirty(2, 5) {
		t.Fatal("SetDirty did not mark the range dirty")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("ClearValid on a dirty sector must panic")
		}
	}()
	b.ClearValid(2, 5)
}

// TestClearValidAfterClearDirty confirms the documented escape hatch: once
// a sector's dirty bit is cleared, clearing valid on the same range is
// legal and observable.
func TestClearValidAfterClearDirty(t *testing.T) {
	b := NewSectorBitmap(4)
	b.SetDirty(0, 8)
	b.ClearDirty(0, 8)
	if b.AnyDirty() {
		t.Fatal("expected no dirty sectors after ClearDirty")
	}
	b.ClearValid(0, 8)
	if b.AnyValid() {
		t.Fatal("expected no valid sectors after ClearValid")
	}
}

// TestSectorBitmap64KiBLine exercises the 64 KiB line case (128 sectors,
// spanning both words of the two-word mask): every sector beyond bit 63
// must be independently settable and testable, not silently dropped.
func TestSectorBitmap64KiBLine(t *testing.T) {
	b := NewSectorBitmap(64)
	if got := SectorCount(64); got != 128 {
		t.Fatalf("expected 128 sectors for a 64 KiB line, got %d", got)
	}

	// Upper half only (sectors 64..127, entirely in the second word).
	if !b.SetValid(64, 128) {
		t.Fatal("SetValid on the upper 64 sectors reported no change")
	}
	if !b.TestValid(64, 128) {
		t.Fatal("upper-half sectors not observed valid")
	}
	if b.TestAnyValid(0, 64) {
		t.Fatal("lower half must remain untouched")
	}

	if !b.SetDirty(100, 110) {
		t.Fatal("SetDirty within the upper word reported no change")
	}
	if !b.TestDirty(100, 110) {
		t.Fatal("dirty bits in the upper word were not recorded")
	}
	if b.TestAnyDirty(0, 64) {
		t.Fatal("dirty bit leaked into the lower word")
	}

	// A range straddling both words must be handled as one logical range.
	b2 := NewSectorBitmap(64)
	b2.SetValid(60, 70)
	if !b2.TestValid(60, 64) || !b2.TestValid(64, 70) {
		t.Fatal("SetValid across the word boundary did not cover both halves")
	}
	if b2.TestValid(70, 72) {
		t.Fatal("SetValid leaked past its requested range")
	}
}

// TestSectorBitmapWidthMask confirms a bitmap is masked to its configured
// width: operations never touch bits beyond the line's own sector count,
// even though the backing storage is always the full 128-bit pair.
func TestSectorBitmapWidthMask(t *testing.T) {
	b := NewSectorBitmap(4) // 8 sectors only
	b.SetValid(0, 8)
	if !b.AllValid() {
		t.Fatal("expected all 8 sectors valid")
	}
	// Requesting beyond width must not panic and must report no extra bits.
	if b.TestAnyValid(8, 128) {
		t.Fatal("bits beyond the configured width must never be set")
	}
}

// TestValidDirtyRuns exercises ValidRuns/DirtyRuns, used by the WO engine
// and the flush orchestrator to walk maximal contiguous ranges.
func TestValidDirtyRuns(t *testing.T) {
	b := NewSectorBitmap(8) // 16 sectors
	b.SetValid(0, 2)
	b.SetValid(5, 9)
	b.SetDirty(5, 7)

	var validRuns [][2]int
	b.ValidRuns(0, 16, func(from, to int) { validRuns = append(validRuns, [2]int{from, to}) })
	want := [][2]int{{0, 2}, {5, 9}}
	if len(validRuns) != len(want) {
		t.Fatalf("expected %d valid runs, got %v", len(want), validRuns)
	}
	for i, r := range want {
		if validRuns[i] != r {
			t.Fatalf("valid run %d: expected %v, got %v", i, r, validRuns[i])
		}
	}

	var dirtyRuns [][2]int
	b.DirtyRuns(0, 16, func(from, to int) { dirtyRuns = append(dirtyRuns, [2]int{from, to}) })
	if len(dirtyRuns) != 1 || dirtyRuns[0] != [2]int{5, 7} {
		t.Fatalf("expected a single dirty run [5,7), got %v", dirtyRuns)
	}
}
