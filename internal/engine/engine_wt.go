package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/coredevice/cacheengine/internal/ocferr"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// handleWT implements write-through, spec.md §4.1: reads are served from
// cache (mapping misses in), writes go to both the core and the cache
// synchronously before completion -- the cache never holds data the core
// doesn't also have, so no line is ever dirty under this mode.
func handleWT(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("wt")
	ctx, span := tracing.StartStage(ctx, tracer, "wt")
	defer span.End()

	if err := traverseAndLock(ctx, c, core, req, true); err != nil {
		finish(ctx, c, req, err)
		return
	}

	var err error
	if req.Dir == request.Read {
		err = serviceReadLines(ctx, c, core, req)
	} else {
		err = serviceWriteThroughLines(ctx, c, core, req)
	}
	finish(ctx, c, req, err)
}

// serviceReadLines fills req.Data by reading each line from the cache on a
// hit (after backfilling misses from the core first), spec.md §4.1 "Read
// hit: serve from cache. Read miss: map line, read the whole line from
// core, populate cache, then serve from cache."
func serviceReadLines(ctx context.Context, c *Cache, core *Core, req *request.Request) error {
	for i := range req.Map {
		e := &req.Map[i]
		from, to := lineBounds(c, req, i)

		if e.CollIdx < 0 {
			// Fail-mapping fallback: read straight from the core.
			if err := readFromVolume(ctx, core.Volume, coreOffset(c, req, i, from), reqSlice(c, req, i, from, to)); err != nil {
				recordCoreError(c, core)
				return wrapIOErr(err)
			}
			c.Stats.IncCacheMiss()
			continue
		}

		line := c.Table.Line(e.CollIdx)
		if line.Bitmap.TestValid(from, to) {
			c.Stats.IncCacheHit()
		} else {
			c.Stats.IncCacheMiss()
			if !c.backfill.admit(req) {
				return fmt.Errorf("%w: backfill queue full", ocferr.ErrAgain)
			}
			err := backfillLineFromCore(ctx, c, core, req, i)
			c.backfill.release(req)
			if err != nil {
				recordCoreError(c, core)
				return wrapIOErr(err)
			}
		}
		if err := readCacheLine(ctx, c, req, i, from, to); err != nil {
			recordCacheError(c, core, false)
			return wrapIOErr(err)
		}
	}
	return nil
}

// serviceWriteThroughLines submits each line's core and cache writes in
// parallel, spec.md §4.1 "submit to cache and to core in parallel". On a
// cache-write error the affected map entry is invalidated rather than left
// with a stale valid bit; on a core-write error the request still returns
// an error to the caller, but the cache side's metadata is updated first if
// its own write succeeded, so the cache does not silently disagree with
// what was actually written to it.
func serviceWriteThroughLines(ctx context.Context, c *Cache, core *Core, req *request.Request) error {
	for i := range req.Map {
		from, to := lineBounds(c, req, i)
		buf := reqSlice(c, req, i, from, to)
		coreOff := coreOffset(c, req, i, from)
		e := &req.Map[i]
		hasCacheLine := e.CollIdx >= 0

		var coreErr, cacheErr error
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			coreErr = writeToVolume(ctx, core.Volume, coreOff, buf)
		}()
		if hasCacheLine {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cacheErr = writeCacheLine(ctx, c, req, i, from, to)
			}()
		}
		wg.Wait()

		if hasCacheLine {
			if cacheErr != nil {
				recordCacheError(c, core, false)
				if invalidateBitmapRange(c, e.CollIdx, from, to) {
					reclaimEmptyLine(c, e.CollIdx)
					c.Stats.IncInvalidate()
				}
			} else {
				c.Table.Line(e.CollIdx).Bitmap.SetValid(from, to)
			}
		}

		if coreErr != nil {
			recordCoreError(c, core)
			return wrapIOErr(coreErr)
		}
		if cacheErr != nil {
			return wrapIOErr(cacheErr)
		}
	}
	return nil
}
