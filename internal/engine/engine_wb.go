package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// handleWB implements write-back, spec.md §4.1: reads behave like WT (serve
// from cache, backfilling misses), but writes land only in the cache and
// mark the line dirty -- the core is updated later by the flush
// orchestrator or cleaning policy. A write that cannot register against the
// cache's dirty refcount (the cache is draining/quiescing) demotes to WT
// for that request instead of silently losing durability semantics.
func handleWB(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("wb")
	ctx, span := tracing.StartStage(ctx, tracer, "wb")
	defer span.End()

	if req.Dir == request.Read {
		if err := traverseAndLock(ctx, c, core, req, true); err != nil {
			finish(ctx, c, req, err)
			return
		}
		finish(ctx, c, req, serviceReadLines(ctx, c, core, req))
		return
	}

	if !c.RefDirty.Get() {
		// Demoted to WT: spec.md §4.1 "Write requests that target a
		// lazy-write mode and fail to increment the cache's dirty-refcount
		// ... are demoted to WT".
		if err := traverseAndLock(ctx, c, core, req, true); err != nil {
			finish(ctx, c, req, err)
			return
		}
		finish(ctx, c, req, serviceWriteThroughLines(ctx, c, core, req))
		return
	}
	defer c.RefDirty.Put()

	if err := traverseAndLock(ctx, c, core, req, true); err != nil {
		finish(ctx, c, req, err)
		return
	}
	finish(ctx, c, req, serviceWriteBackLines(ctx, c, core, req))
}

// serviceWriteBackLines writes into the cache only, marking each touched
// line dirty and notifying the cleaning policy that it is now hot (spec.md
// §4.1 "WB success path").
func serviceWriteBackLines(ctx context.Context, c *Cache, core *Core, req *request.Request) error {
	for i := range req.Map {
		e := &req.Map[i]
		if e.CollIdx < 0 {
			// Fail-mapping: nothing to cache, write straight to the core so
			// the data isn't lost (spec.md §4.1 step 4 fallback).
			from, to := lineBounds(c, req, i)
			if err := writeToVolume(ctx, core.Volume, coreOffset(c, req, i, from), reqSlice(c, req, i, from, to)); err != nil {
				recordCoreError(c, core)
				return wrapIOErr(err)
			}
			continue
		}
		from, to := lineBounds(c, req, i)
		if err := writeCacheLine(ctx, c, req, i, from, to); err != nil {
			recordCacheError(c, core, false)
			return wrapIOErr(err)
		}
		line := c.Table.Line(e.CollIdx)
		wasDirty := line.Bitmap.AnyDirty()
		line.Bitmap.SetDirty(from, to)
		if !wasDirty && line.Bitmap.AnyDirty() {
			markLineDirty(c, line.Partition, e.CollIdx)
		}
		c.cleaningPolicy.SetHot(e.CollIdx)
	}
	return nil
}
