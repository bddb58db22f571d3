package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// handlePT implements pass-through, spec.md §4.1: the request is serviced
// straight against the core, bypassing mapping entirely for fresh traffic,
// but any line the request overlaps that happens to already be cached and
// dirty must still be kept coherent -- a PT write over a dirty cached line
// would otherwise let a stale cache copy later overwrite the newer core
// data during flush. So PT still traverses (without admitting new lines)
// solely to find and refresh/invalidate such overlaps.
func handlePT(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("pt")
	ctx, span := tracing.StartStage(ctx, tracer, "pt")
	defer span.End()

	if err := traverseAndLock(ctx, c, core, req, false); err != nil {
		finish(ctx, c, req, err)
		return
	}
	finish(ctx, c, req, servicePassThroughLines(ctx, c, core, req))
}

func servicePassThroughLines(ctx context.Context, c *Cache, core *Core, req *request.Request) error {
	for i := range req.Map {
		from, to := lineBounds(c, req, i)
		off := coreOffset(c, req, i, from)
		buf := reqSlice(c, req, i, from, to)
		var err error
		if req.Dir == request.Read {
			err = readFromVolume(ctx, core.Volume, off, buf)
		} else {
			err = writeToVolume(ctx, core.Volume, off, buf)
		}
		if err != nil {
			recordCoreError(c, core)
			return wrapIOErr(err)
		}

		e := &req.Map[i]
		if e.CollIdx < 0 || req.Dir == request.Read {
			continue
		}
		line := c.Table.Line(e.CollIdx)
		if line.Bitmap.TestAnyDirty(from, to) {
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
