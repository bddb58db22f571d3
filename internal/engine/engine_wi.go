package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/space"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// handleWI implements write-invalidate, spec.md §4.1: reads behave like WT;
// writes never populate the cache and instead invalidate any existing
// cached copy of the written range, always writing through to the core.
// A second pass then re-walks the collision table for every written
// core-line under that line's bucket write lock, to catch and invalidate
// any line a concurrent request inserted while our core write was in
// flight -- matching original_source/ocf_request.h's SecondPass map-entry
// flag (SPEC_FULL.md §3.1) and testable property §8 invariant 10 / S5.
func handleWI(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("wi")
	ctx, span := tracing.StartStage(ctx, tracer, "wi")
	defer span.End()

	if req.Dir == request.Read {
		if err := traverseAndLock(ctx, c, core, req, true); err != nil {
			finish(ctx, c, req, err)
			return
		}
		finish(ctx, c, req, serviceReadLines(ctx, c, core, req))
		return
	}

	if err := traverseAndLock(ctx, c, core, req, false); err != nil {
		finish(ctx, c, req, err)
		return
	}
	finish(ctx, c, req, serviceWriteInvalidateLines(ctx, c, core, req))
}

func serviceWriteInvalidateLines(ctx context.Context, c *Cache, core *Core, req *request.Request) error {
	// First pass: write through to the core and invalidate the written
	// range in every line this request already knows about.
	for i := range req.Map {
		from, to := lineBounds(c, req, i)
		if err := writeToVolume(ctx, core.Volume, coreOffset(c, req, i, from), reqSlice(c, req, i, from, to)); err != nil {
			recordCoreError(c, core)
			return wrapIOErr(err)
		}
		req.Map[i].SecondPass = true
		e := &req.Map[i]
		if e.CollIdx < 0 {
			continue
		}
		if invalidateBitmapRange(c, e.CollIdx, from, to) {
			reclaimEmptyLine(c, e.CollIdx)
			c.Stats.IncInvalidate()
		}
	}

	// Second pass: re-look-up every written core-line under its bucket's
	// write lock. A concurrent request can have inserted a fresh mapping
	// for the same (core, core_line) in the window between
	// traverseAndLock releasing the bucket lock and this core write
	// completing; any such hit is a racing insert that must be invalidated
	// too, not just the line(s) this request already held.
	for i := range req.Map {
		e := &req.Map[i]
		if !e.SecondPass {
			continue
		}
		from, to := lineBounds(c, req, i)
		bucket := c.Table.Hash(e.CoreID, e.CoreLine)
		r := c.Buckets.LockRange([]uint32{bucket}, true)
		res := c.Table.Lookup(e.CoreID, e.CoreLine)
		if res.Hit {
			if invalidateBitmapRange(c, res.Line, from, to) {
				removeAndRepartLocked(c, res.Line)
				c.Stats.IncInvalidate()
			}
		}
		r.Unlock()
	}
	return nil
}

// invalidateBitmapRange clears sector range [from,to) of id's valid/dirty
// bitmap, transitioning it to clean if no dirty sector remains, and reports
// whether the line is now entirely invalid (zero valid sectors).
func invalidateBitmapRange(c *Cache, id mapping.CacheLineID, from, to int) bool {
	line := c.Table.Line(id)
	if line.Bitmap.TestAnyDirty(from, to) {
		line.Bitmap.ClearDirty(from, to)
		if !line.Bitmap.AnyDirty() {
			markLineClean(c, line.Partition, id)
		}
	}
	line.Bitmap.ClearValid(from, to)
	return !line.Bitmap.AnyValid()
}

// reclaimEmptyLine removes a fully-invalid line's identity from the
// collision table and returns it to its partition's freelist, spec.md §4.3
// "a line with zero valid sectors is returned to the freelist".
func reclaimEmptyLine(c *Cache, id mapping.CacheLineID) {
	line := c.Table.Line(id)
	bucket := c.Table.Hash(line.CoreID, line.Core)
	r := c.Buckets.LockRange([]uint32{bucket}, true)
	removeAndRepartLocked(c, id)
	r.Unlock()
}

// removeAndRepartLocked unlinks id from the collision table and returns it
// to its partition's freelist. Caller must already hold id's bucket under
// a write lock -- used by the WI second pass, which re-looks-up under that
// lock and must not re-acquire it.
func removeAndRepartLocked(c *Cache, id mapping.CacheLineID) {
	line := c.Table.Line(id)
	partID := line.Partition
	c.Table.Remove(id)
	if p := c.Space.Parts[partID]; p != nil {
		space.Repart(c.Table, id, p, nil, nil, c.Space.Freelist)
	}
}
