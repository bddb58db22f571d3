// Package flush implements spec.md §4.5's flush orchestrator, supplemented
// from original_source/deps/spdk/ocf/src/mngt/ocf_mngt_flush.c: writing
// back dirty cache lines to their cores, one bounded portion at a time, so
// that FlushInterrupt (and ctx cancellation) can be observed between
// portions rather than only at the very end of a run.
package flush

import (
	"context"
	"fmt"
	"sort"

	"github.com/coredevice/cacheengine/internal/alock"
	"github.com/coredevice/cacheengine/internal/engine"
	"github.com/coredevice/cacheengine/internal/flushsnap"
	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/ocferr"
	"github.com/coredevice/cacheengine/internal/space"
	"github.com/coredevice/cacheengine/internal/tracing"
	"github.com/coredevice/cacheengine/internal/volume"
)

// PortionSize bounds how many dirty lines one portion collects before the
// orchestrator checks for interruption, grounded on ocf_mngt_flush.c's
// chunked container list (OCF_MNGT_FLUSH_CONTAINERS-style batching,
// generalized here to a flat line count since our cleaner iterates lines
// directly rather than per-core containers).
const PortionSize = 128

// Result reports how a flush run concluded.
type Result struct {
	Flushed     int
	Interrupted bool

	// Snapshot is the zstd-compressed partition-occupancy snapshot taken at
	// the last portion boundary the run reached, for operator visibility
	// into how the flush left the cache (handed to whatever out-of-scope
	// superblock writer the host wires up; this package never decodes it).
	Snapshot []byte
}

// FlushPartition writes back every dirty line in partitionID, portion by
// portion, until the partition's dirty sublist is empty or the flush is
// interrupted.
func FlushPartition(ctx context.Context, c *engine.Cache, partitionID int32) (Result, error) {
	p := c.Partition(partitionID)
	if p == nil {
		return Result{}, fmt.Errorf("%w: partition %d does not exist", ocferr.ErrIOClassNotExist, partitionID)
	}
	if !c.TryBeginFlush() {
		return Result{}, ocferr.ErrFlushInProgress
	}
	defer c.EndFlush()

	c.ClearFlushInterrupted()
	return flushPartitionLocked(ctx, c, p)
}

// FlushCache writes back every dirty line across every partition, used for
// cache_flush and shutdown drains. It shares FlushPartition's single-flush
// latch, so the two will never run concurrently against the same cache.
func FlushCache(ctx context.Context, c *engine.Cache) (Result, error) {
	if !c.TryBeginFlush() {
		return Result{}, ocferr.ErrFlushInProgress
	}
	defer c.EndFlush()

	c.ClearFlushInterrupted()

	var total Result
	for _, p := range partitionsInOrder(c) {
		r, err := flushPartitionLocked(ctx, c, p)
		total.Flushed += r.Flushed
		if r.Snapshot != nil {
			total.Snapshot = r.Snapshot
		}
		if r.Interrupted {
			total.Interrupted = true
			return total, ocferr.ErrFlushingInterrupted
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Interrupt requests that any in-flight flush on c stop at its next
// portion boundary.
func Interrupt(c *engine.Cache) { c.FlushInterrupt() }

// partitionsInOrder returns c's partitions sorted by id, for a
// deterministic FlushCache traversal order.
func partitionsInOrder(c *engine.Cache) []*space.Partition {
	ids := make([]int32, 0, len(c.Space.Parts))
	for id := range c.Space.Parts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]*space.Partition, len(ids))
	for i, id := range ids {
		parts[i] = c.Space.Parts[id]
	}
	return parts
}

func flushPartitionLocked(ctx context.Context, c *engine.Cache, p *space.Partition) (Result, error) {
	tracer := tracing.GetTracer("flush")
	ctx, span := tracing.StartStage(ctx, tracer, "flush_partition")
	defer span.End()

	var total Result
	for {
		n, err := flushPortion(ctx, c, p, PortionSize)
		total.Flushed += n
		if snap, serr := snapshotOccupancy(c); serr == nil {
			total.Snapshot = snap
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		select {
		case <-ctx.Done():
			total.Interrupted = true
			return total, ctx.Err()
		default:
		}
		if c.FlushInterruptedFlag() {
			total.Interrupted = true
			return total, ocferr.ErrFlushingInterrupted
		}
	}
}

// snapshotOccupancy captures each partition's current clean/dirty line
// counts and compresses them via internal/flushsnap, for the portion-
// boundary diagnostic snapshot described in spec.md §4.5.
func snapshotOccupancy(c *engine.Cache) ([]byte, error) {
	parts := partitionsInOrder(c)
	rows := make([]flushsnap.PartitionOccupancy, len(parts))
	for i, p := range parts {
		rows[i] = flushsnap.PartitionOccupancy{
			PartitionID: p.ID,
			CleanLines:  int64(p.Clean.Len()),
			DirtyLines:  int64(p.Dirty.Len()),
		}
	}
	return flushsnap.Encode(rows)
}

// flushPortion collects up to max dirty lines from p's cleaner iterator,
// writes each back to its core, and transitions each to clean. It returns
// the number of lines actually flushed.
func flushPortion(ctx context.Context, c *engine.Cache, p *space.Partition, max int) (int, error) {
	candidates := collectPortion(c, p, max)
	if len(candidates) == 0 {
		return 0, nil
	}

	flushed := 0
	for i, id := range candidates {
		ok, err := flushLine(ctx, c, p, id)
		if err != nil {
			// flushLine always releases id's own lock before returning; the
			// remaining not-yet-processed candidates are still held and
			// must be released here.
			for _, rest := range candidates[i+1:] {
				c.CL.Unlock(int(rest), alock.Read)
			}
			return flushed, err
		}
		if ok {
			flushed++
		}
	}
	return flushed, nil
}

// collectPortion brackets a cleaner scan with p's dirty-list stripe locks
// (per space.Manager.CleanerNextLocked's documented protocol) and returns
// up to max RD-locked candidate line ids. The stripe locks are released
// before returning; each returned line's alock RD lock is retained by the
// caller until flushLine releases or promotes it.
func collectPortion(c *engine.Cache, p *space.Partition, max int) []mapping.CacheLineID {
	p.LockAllDirty()
	defer p.UnlockAllDirty()

	cur := space.NewCleanerCursor()
	ids := make([]mapping.CacheLineID, 0, max)
	for len(ids) < max {
		id := c.Space.CleanerNextLocked(p, cur)
		if id == mapping.CacheLineID(mapping.Invalid) {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// flushLine writes back id's dirty sector ranges to its core and
// transitions it to clean, still holding the RD alock collectPortion
// acquired: a writer cannot race the bitmap while any reader (including
// this one) holds the line, so clearing dirty bits here needs no lock
// upgrade. Returns false (without error) if the line was concurrently
// invalidated out from under the scan.
func flushLine(ctx context.Context, c *engine.Cache, p *space.Partition, id mapping.CacheLineID) (bool, error) {
	defer c.CL.Unlock(int(id), alock.Read)

	line := c.Table.Line(id)
	if !line.Dirty || !line.Bitmap.AnyDirty() {
		return false, nil
	}
	core, err := c.Core(line.CoreID)
	if err != nil {
		// Core was detached mid-scan; nothing to flush it to. Leave the
		// line dirty for a future flush against whatever replaces it.
		return false, nil
	}

	lineBytes := int64(c.LineSizeKiB()) * 1024
	cacheBase := int64(id) * lineBytes
	coreBase := int64(line.Core) * lineBytes
	width := mapping.SectorCount(c.LineSizeKiB())

	var ioErr error
	line.Bitmap.DirtyRuns(0, width, func(from, to int) {
		if ioErr != nil {
			return
		}
		length := int64(to-from) * 512
		buf := make([]byte, length)
		if err := c.CacheVolume().SubmitIO(ctx, cacheBase+int64(from)*512, length, volume.Read, buf); err != nil {
			ioErr = err
			return
		}
		if err := core.Volume.SubmitIO(ctx, coreBase+int64(from)*512, length, volume.Write, buf); err != nil {
			ioErr = err
		}
	})
	if ioErr != nil {
		return false, fmt.Errorf("%w: %v", ocferr.ErrIO, ioErr)
	}

	line.Bitmap.ClearDirty(0, width)
	space.MarkClean(c.Table, p, id)
	c.Stats.DecDirtyLine(p.ID)
	return true, nil
}
