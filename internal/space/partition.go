package space

import (
	"sync/atomic"

	"github.com/coredevice/cacheengine/internal/mapping"
)

// Pinned is the reserved priority value meaning "never evict" (spec.md §3).
const Pinned = -1

// Partition is a configurable sub-pool of cache lines (an I/O class),
// spec.md §3.
type Partition struct {
	ID       int32
	Priority int32 // lower = higher priority; Pinned = never evict
	MinPct   int
	MaxPct   int
	Mode     CacheMode
	Name     string

	Clean *Lists
	Dirty *Lists

	currSize atomic.Int64
}

// CacheMode mirrors the spec's cache_mode enum (spec.md §6); the concrete
// values are defined in internal/engine to avoid an import cycle, so
// Partition stores an opaque small int here.
type CacheMode int32

// NewPartition builds a partition with its own segmented LRU lists.
func NewPartition(id int32, priority int32, minPct, maxPct int, mode CacheMode, name string) *Partition {
	return &Partition{
		ID:       id,
		Priority: priority,
		MinPct:   minPct,
		MaxPct:   maxPct,
		Mode:     mode,
		Name:     name,
		Clean:    newLists(true),
		Dirty:    newLists(true),
	}
}

// CurrSize returns the partition's current cache-line count (spec.md §3
// invariant: curr_size(partition) == count of lines with that partition id).
func (p *Partition) CurrSize() int64 { return p.currSize.Load() }

// MaxSize returns the partition's line-count ceiling given the cache's total
// line count.
func (p *Partition) MaxSize(totalLines int) int64 {
	return int64(totalLines) * int64(p.MaxPct) / 100
}

// MinSize returns the partition's line-count floor.
func (p *Partition) MinSize(totalLines int) int64 {
	return int64(totalLines) * int64(p.MinPct) / 100
}

// Freelist is the reserved partition of unallocated lines: a single
// (non-hot-tracking) stripe set, per spec.md §4.4 ("the freelist partition
// has only one (clean) list per stripe" -- modeled here as trackHot=false
// rather than a literally different stripe count, which preserves the
// striped-iterator code path for the freelist too).
type Freelist struct {
	Lines    *Lists
	currSize atomic.Int64
}

// NewFreelist builds an empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{Lines: newLists(false)}
}

// CurrSize returns the freelist's current line count.
func (f *Freelist) CurrSize() int64 { return f.currSize.Load() }

// PopulateFreelist adds every invalid physical line (in phy->lg order) to
// the freelist at cache attach, per spec.md §4.4 "Freelist population".
// layout maps a logical index to its physical position; lines are added in
// physical order so that later LRU-order writes land on contiguous cache
// device pages.
func PopulateFreelist(t *mapping.Table, fl *Freelist, layout Layout) {
	n := t.NumLines()
	order := make([]mapping.CacheLineID, n)
	for lg := 0; lg < n; lg++ {
		order[layout.Lg2Phy(lg)] = mapping.CacheLineID(lg)
	}
	for _, id := range order {
		fl.Lines.Add(t, id)
		fl.currSize.Add(1)
	}
}

// Repart moves id from src's LRU (clean or dirty, matching the line's
// current Dirty flag) to dst's LRU of the same kind, updates the line's
// partition id, and adjusts curr_size atomics -- spec.md §4.4 "Repartition".
// src or dst may be nil to represent the freelist; exactly one of
// (src,srcFree) and (dst,dstFree) is used.
func Repart(t *mapping.Table, id mapping.CacheLineID, src, dst *Partition, srcFree, dstFree *Freelist) {
	l := t.Line(id)
	if srcFree != nil {
		srcFree.Lines.Remove(t, id)
		srcFree.currSize.Add(-1)
	} else if src != nil {
		if l.Dirty {
			src.Dirty.Remove(t, id)
		} else {
			src.Clean.Remove(t, id)
		}
		src.currSize.Add(-1)
	}

	if dstFree != nil {
		l.Partition = mapping.FreelistPartition
		l.Dirty = false
		dstFree.Lines.Add(t, id)
		dstFree.currSize.Add(1)
		return
	}
	l.Partition = dst.ID
	if dst != src {
		// Crossing partitions never preserves dirtiness semantics beyond
		// the bit itself; the line keeps whatever Dirty value it already
		// has (callers manage dirty state via MarkClean/MarkDirty).
	}
	if l.Dirty {
		dst.Dirty.Add(t, id)
	} else {
		dst.Clean.Add(t, id)
	}
	dst.currSize.Add(1)
}

// MarkDirty moves id from the clean to the dirty sublist of its current
// partition, per spec.md §4.4 "Dirty <-> clean transitions": triggered when
// a line's dirty bitmap goes from zero to any-bit.
func MarkDirty(t *mapping.Table, p *Partition, id mapping.CacheLineID) {
	l := t.Line(id)
	if l.Dirty {
		return
	}
	p.Clean.Remove(t, id)
	l.Dirty = true
	p.Dirty.Add(t, id)
}

// MarkClean moves id from the dirty to the clean sublist, triggered when a
// line's dirty bitmap goes from any-bit to zero.
func MarkClean(t *mapping.Table, p *Partition, id mapping.CacheLineID) {
	l := t.Line(id)
	if !l.Dirty {
		return
	}
	p.Dirty.Remove(t, id)
	l.Dirty = false
	p.Clean.Add(t, id)
}

// Layout is the logical<->physical line mapping of spec.md §4.3.
type Layout interface {
	Lg2Phy(logical int) int
	Phy2Lg(physical int) int
}

// SequentialLayout is the identity layout.
type SequentialLayout struct{}

func (SequentialLayout) Lg2Phy(i int) int { return i }
func (SequentialLayout) Phy2Lg(i int) int { return i }

// StripedLayout interleaves logical indices across ssdPages pages of
// entriesInPage entries each, per spec.md §4.3, so that consecutive
// logical indices written in LRU order land on consecutive cache-device
// pages.
type StripedLayout struct {
	SSDPages      int
	EntriesInPage int
}

func (s StripedLayout) Lg2Phy(lg int) int {
	page := lg % s.SSDPages
	offset := lg / s.SSDPages
	return page*s.EntriesInPage + offset
}

func (s StripedLayout) Phy2Lg(phy int) int {
	page := phy / s.EntriesInPage
	offset := phy % s.EntriesInPage
	return offset*s.SSDPages + page
}
