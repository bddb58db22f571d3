package mapping

// SectorBitmap tracks per-sector valid/dirty state for one cache line.
// Width varies with cache-line size (8/16/32/64/128 bits for 4/8/16/32/64
// KiB lines divided into 512-byte sectors, per original_source's
// metadata_bit.h). State is carried as a pair of 128-bit (two-word) masks
// wide enough for the largest accepted line size, and every operation
// masks against the line's own width -- mirroring metadata_raw.h's
// handful of concrete raw-type implementations instead of one generic
// type, but sized once for every accepted cache_line_size rather than
// splitting into a second "wide" type for the 64 KiB case.
type SectorBitmap struct {
	valid [2]uint64
	dirty [2]uint64
	width uint8 // number of meaningful low bits; 0 < width <= 128
}

// NewSectorBitmap builds a bitmap for a cache line of the given size (KiB).
func NewSectorBitmap(lineSizeKiB int) *SectorBitmap {
	return &SectorBitmap{width: uint8(SectorCount(lineSizeKiB))}
}

// SectorCount returns the number of 512-byte sectors in a cache line of the
// given size in KiB.
func SectorCount(lineSizeKiB int) int {
	return lineSizeKiB * 1024 / 512
}

// word64Mask returns the bits of [from,to) (sector indices over the whole
// 128-bit range) that fall within a single 64-bit word, indexed by
// wordIdx (0 = bits 0-63, 1 = bits 64-127).
func word64Mask(from, to, wordIdx int) uint64 {
	base := wordIdx * 64
	lo := from - base
	hi := to - base
	if lo < 0 {
		lo = 0
	}
	if hi > 64 {
		hi = 64
	}
	if hi <= lo {
		return 0
	}
	if hi >= 64 {
		if lo == 0 {
			return ^uint64(0)
		}
		return ^uint64(0) << uint(lo)
	}
	return ((uint64(1) << uint(hi)) - 1) &^ ((uint64(1) << uint(lo)) - 1)
}

// rangeMask returns the two-word mask of sector indices in [from,to) over
// the full 128-bit range.
func rangeMask(from, to int) [2]uint64 {
	if to <= from {
		return [2]uint64{}
	}
	return [2]uint64{word64Mask(from, to, 0), word64Mask(from, to, 1)}
}

func mask(width uint8) [2]uint64 {
	return rangeMask(0, int(width))
}

func maskAnd(a, b [2]uint64) [2]uint64   { return [2]uint64{a[0] & b[0], a[1] & b[1]} }
func maskOr(a, b [2]uint64) [2]uint64    { return [2]uint64{a[0] | b[0], a[1] | b[1]} }
func maskAndNot(a, b [2]uint64) [2]uint64 { return [2]uint64{a[0] &^ b[0], a[1] &^ b[1]} }
func maskIsZero(a [2]uint64) bool        { return a[0] == 0 && a[1] == 0 }

// SetValid sets sectors in [from,to) valid. Returns whether any bit
// transitioned false->true (the "changed" variant spec.md §4.3 requires for
// accurate counter maintenance).
func (b *SectorBitmap) SetValid(from, to int) (changed bool) {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	before := b.valid
	b.valid = maskOr(b.valid, m)
	return b.valid != before
}

// SetDirty sets sectors in [from,to) dirty. Per invariant, a dirty bit
// implies the corresponding valid bit, so SetDirty also sets validity on the
// same range.
func (b *SectorBitmap) SetDirty(from, to int) (changed bool) {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	b.valid = maskOr(b.valid, m)
	before := b.dirty
	b.dirty = maskOr(b.dirty, m)
	return b.dirty != before
}

// ClearValid clears validity for sectors in [from,to). Clearing a sector
// that is currently dirty is a contract violation (invariant 8, spec.md §8)
// and panics in this implementation rather than silently corrupting state;
// callers must ClearDirty first.
func (b *SectorBitmap) ClearValid(from, to int) (changed bool) {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	if !maskIsZero(maskAnd(b.dirty, m)) {
		panic("mapping: ClearValid on a dirty sector")
	}
	before := b.valid
	b.valid = maskAndNot(b.valid, m)
	return b.valid != before
}

// ClearDirty clears dirtiness for sectors in [from,to).
func (b *SectorBitmap) ClearDirty(from, to int) (changed bool) {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	before := b.dirty
	b.dirty = maskAndNot(b.dirty, m)
	return b.dirty != before
}

// TestValid reports whether every sector in [from,to) is valid.
func (b *SectorBitmap) TestValid(from, to int) bool {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	return maskAnd(b.valid, m) == m
}

// TestDirty reports whether every sector in [from,to) is dirty.
func (b *SectorBitmap) TestDirty(from, to int) bool {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	return maskAnd(b.dirty, m) == m
}

// TestAnyDirty reports whether any sector in [from,to) is dirty.
func (b *SectorBitmap) TestAnyDirty(from, to int) bool {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	return !maskIsZero(maskAnd(b.dirty, m))
}

// TestAnyValid reports whether any sector in [from,to) is valid.
func (b *SectorBitmap) TestAnyValid(from, to int) bool {
	m := maskAnd(rangeMask(from, to), mask(b.width))
	return !maskIsZero(maskAnd(b.valid, m))
}

// TestOutValid reports whether any sector outside [from,to) is valid --
// used by engines (e.g. WO) that must know whether sectors other than the
// request's own range are already cached.
func (b *SectorBitmap) TestOutValid(from, to int) bool {
	in := maskAnd(rangeMask(from, to), mask(b.width))
	out := maskAndNot(mask(b.width), in)
	return !maskIsZero(maskAnd(b.valid, out))
}

// AnyDirty reports whether the line has any dirty sector at all.
func (b *SectorBitmap) AnyDirty() bool { return !maskIsZero(b.dirty) }

// AllDirty reports whether every sector of the line is dirty.
func (b *SectorBitmap) AllDirty() bool { return maskAnd(b.dirty, mask(b.width)) == mask(b.width) }

// AllValid reports whether every sector of the line is valid.
func (b *SectorBitmap) AllValid() bool { return maskAnd(b.valid, mask(b.width)) == mask(b.width) }

// AnyValid reports whether any sector of the line is valid.
func (b *SectorBitmap) AnyValid() bool { return !maskIsZero(b.valid) }

// Clear resets the whole bitmap (used on collision-chain Remove, per
// spec.md §4.3).
func (b *SectorBitmap) Clear() {
	b.valid = [2]uint64{}
	b.dirty = [2]uint64{}
}

// ValidRuns walks maximal runs of valid sectors within [from,to), invoking
// fn(runFrom, runTo) for each. Used by the WO engine to decide, sector by
// sector, which ranges to service from cache vs. core.
func (b *SectorBitmap) ValidRuns(from, to int, fn func(from, to int)) {
	i := from
	for i < to {
		if !b.TestValid(i, i+1) {
			i++
			continue
		}
		start := i
		for i < to && b.TestValid(i, i+1) {
			i++
		}
		fn(start, i)
	}
}

// DirtyRuns walks maximal runs of dirty sectors within [from,to), invoking
// fn(runFrom, runTo) for each. Used by the flush orchestrator to write back
// only the dirty byte ranges of a line rather than the whole line.
func (b *SectorBitmap) DirtyRuns(from, to int, fn func(from, to int)) {
	i := from
	for i < to {
		if !b.TestDirty(i, i+1) {
			i++
			continue
		}
		start := i
		for i < to && b.TestDirty(i, i+1) {
			i++
		}
		fn(start, i)
	}
}
