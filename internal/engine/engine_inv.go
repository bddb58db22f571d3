package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// Invalidate implements spec.md §4.1's invalidate engine: drops any cached
// copy of [coreLineFirst, coreLineFirst+count) for core without writing
// anything anywhere. Used when the host tells the cache that data under a
// range changed through some path the cache never saw (e.g. a core-level
// restore), so any cached bytes for that range are now simply wrong rather
// than merely stale.
func Invalidate(ctx context.Context, c *Cache, core *Core, coreLineFirst mapping.CoreLine, count int) error {
	tracer := tracing.GetTracer("invalidate")
	ctx, span := tracing.StartStage(ctx, tracer, "invalidate")
	defer span.End()

	done := make(chan error, 1)
	lineBytes := int64(c.LineSizeKiB()) * 1024
	req := request.Acquire(core.ID, int64(coreLineFirst)*lineBytes, int64(count)*lineBytes, request.Write, count, nil, func(r *request.Request, err error) {
		done <- err
	})
	req.CoreLineFirst = coreLineFirst
	req.CoreLineLast = coreLineFirst + mapping.CoreLine(count) - 1
	req.CoreLineCount = count

	if err := traverseAndLock(ctx, c, core, req, false); err != nil {
		finish(ctx, c, req, err)
		return <-done
	}

	for i := range req.Map {
		e := &req.Map[i]
		if e.CollIdx < 0 {
			continue
		}
		line := c.Table.Line(e.CollIdx)
		if line.Bitmap.AnyDirty() {
			markLineClean(c, line.Partition, e.CollIdx)
		}
		line.Bitmap.Clear()
		reclaimEmptyLine(c, e.CollIdx)
		c.Stats.IncInvalidate()
	}

	finish(ctx, c, req, nil)
	return <-done
}
