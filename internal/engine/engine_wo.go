package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// handleWO implements write-only, spec.md §4.1: writes behave like WB
// (cache-only, dirty) but reads never backfill a full line on miss --
// instead each read services whatever sectors are already valid straight
// from the cache and falls through to the core, sector-run by sector-run,
// for the rest, leaving those gaps uncached. This keeps WO's promotion
// cost limited to what was actually written, rather than pulling in
// whole neighboring lines the way WT/WB's full-line backfill does.
func handleWO(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("wo")
	ctx, span := tracing.StartStage(ctx, tracer, "wo")
	defer span.End()

	if req.Dir == request.Write {
		if !c.RefDirty.Get() {
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
		return
	}

	// Mapping is not altered by WO reads: a miss here must not remap or
	// evict lines (spec.md §4.1 WO bullet) since WO exists for write-
	// lifetime partitioning, so reads pass cacheLines=false like WI's
	// write path, servicing whatever is already mapped and falling
	// through to the core for the rest.
	if err := traverseAndLock(ctx, c, core, req, false); err != nil {
		finish(ctx, c, req, err)
		return
	}
	finish(ctx, c, req, serviceWriteOnlyRead(ctx, c, core, req))
}

// serviceWriteOnlyRead walks each line's valid sector runs within the
// request's range, reading valid runs from the cache and the gaps between
// them straight from the core, spec.md §4.1 "WO read servicing".
func serviceWriteOnlyRead(ctx context.Context, c *Cache, core *Core, req *request.Request) error {
	for i := range req.Map {
		e := &req.Map[i]
		from, to := lineBounds(c, req, i)

		if e.CollIdx < 0 {
			if err := readFromVolume(ctx, core.Volume, coreOffset(c, req, i, from), reqSlice(c, req, i, from, to)); err != nil {
				recordCoreError(c, core)
				return wrapIOErr(err)
			}
			c.Stats.IncCacheMiss()
			continue
		}

		line := c.Table.Line(e.CollIdx)
		cursor := from
		var serviceErr error
		line.Bitmap.ValidRuns(from, to, func(runFrom, runTo int) {
			if serviceErr != nil {
				return
			}
			if runFrom > cursor {
				if err := readFromVolume(ctx, core.Volume, coreOffset(c, req, i, cursor), reqSlice(c, req, i, cursor, runFrom)); err != nil {
					serviceErr = err
					return
				}
				c.Stats.IncCacheMiss()
			}
			if err := readCacheLine(ctx, c, req, i, runFrom, runTo); err != nil {
				serviceErr = err
				return
			}
			c.Stats.IncCacheHit()
			cursor = runTo
		})
		if serviceErr != nil {
			recordCoreError(c, core)
			return wrapIOErr(serviceErr)
		}
		if cursor < to {
			if err := readFromVolume(ctx, core.Volume, coreOffset(c, req, i, cursor), reqSlice(c, req, i, cursor, to)); err != nil {
				recordCoreError(c, core)
				return wrapIOErr(err)
			}
			c.Stats.IncCacheMiss()
		}
	}
	return nil
}
