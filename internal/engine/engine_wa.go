package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// handleWA implements write-around, spec.md §4.1: reads behave like WT
// (cache hits served from cache, misses backfilled); writes go straight to
// the core and never populate the cache, invalidating any stale cached copy
// of the written range so a later read can't return pre-write data.
func handleWA(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("wa")
	ctx, span := tracing.StartStage(ctx, tracer, "wa")
	defer span.End()

	if req.Dir == request.Read {
		if err := traverseAndLock(ctx, c, core, req, true); err != nil {
			finish(ctx, c, req, err)
			return
		}
		finish(ctx, c, req, serviceReadLines(ctx, c, core, req))
		return
	}

	// Writes never map a new line in (cacheLines=false); they only need to
	// discover whether an existing mapping must be invalidated.
	if err := traverseAndLock(ctx, c, core, req, false); err != nil {
		finish(ctx, c, req, err)
		return
	}
	finish(ctx, c, req, serviceWriteAroundLines(ctx, c, core, req))
}

func serviceWriteAroundLines(ctx context.Context, c *Cache, core *Core, req *request.Request) error {
	for i := range req.Map {
		from, to := lineBounds(c, req, i)
		if err := writeToVolume(ctx, core.Volume, coreOffset(c, req, i, from), reqSlice(c, req, i, from, to)); err != nil {
			recordCoreError(c, core)
			return wrapIOErr(err)
		}
		e := &req.Map[i]
		if e.CollIdx < 0 {
			continue
		}
		line := c.Table.Line(e.CollIdx)
		if line.Bitmap.TestAnyDirty(from, to) {
			// The overwritten range is already cache-authoritative-dirty;
			// clearing validity here would lose unflushed data, so instead
			// the sectors are refreshed by writing through to the cache.
			if err := writeCacheLine(ctx, c, req, i, from, to); err != nil {
				recordCacheError(c, core, false)
				return wrapIOErr(err)
			}
			continue
		}
		line.Bitmap.ClearValid(from, to)
	}
	return nil
}
