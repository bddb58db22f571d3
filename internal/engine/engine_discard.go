package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// MaxDiscardLines bounds how many cache lines one discard chunk covers,
// grounded on OCF's MAX_TRIM_RQ_SIZE: a single discard can span far more of
// a core than any regular I/O, so it is processed in bounded chunks rather
// than as one giant traversal+lock.
const MaxDiscardLines = 256

// Discard implements spec.md §4.1's discard engine: any cached copy of the
// discarded range is invalidated (its sectors dropped, dirty-or-not, since
// a discard tells the backing store the data no longer matters) and the
// discard is forwarded to the core volume, one bounded chunk at a time.
func Discard(ctx context.Context, c *Cache, core *Core, offset, length int64) error {
	tracer := tracing.GetTracer("discard")
	ctx, span := tracing.StartStage(ctx, tracer, "discard")
	defer span.End()

	lineBytes := int64(c.LineSizeKiB()) * 1024
	chunkBytes := lineBytes * MaxDiscardLines

	for pos := offset; pos < offset+length; {
		end := pos + chunkBytes
		if end > offset+length {
			end = offset + length
		}
		if err := discardChunk(ctx, c, core, pos, end-pos); err != nil {
			return err
		}
		pos = end
	}
	return nil
}

func discardChunk(ctx context.Context, c *Cache, core *Core, pos, length int64) error {
	lineBytes := int64(c.LineSizeKiB()) * 1024
	first := mapping.CoreLine(pos / lineBytes)
	last := mapping.CoreLine((pos + length - 1) / lineBytes)
	count := int(last-first) + 1

	done := make(chan error, 1)
	req := request.Acquire(core.ID, pos, length, request.Write, count, nil, func(r *request.Request, err error) {
		done <- err
	})
	req.CoreLineFirst = first
	req.CoreLineLast = last
	req.CoreLineCount = count

	if err := traverseAndLock(ctx, c, core, req, false); err != nil {
		finish(ctx, c, req, err)
		<-done
		return err
	}

	for i := range req.Map {
		e := &req.Map[i]
		if e.CollIdx < 0 {
			continue
		}
		from, to := lineBounds(c, req, i)
		line := c.Table.Line(e.CollIdx)
		if line.Bitmap.TestAnyDirty(from, to) {
			line.Bitmap.ClearDirty(from, to)
			if !line.Bitmap.AnyDirty() {
				markLineClean(c, line.Partition, e.CollIdx)
			}
		}
		line.Bitmap.ClearValid(from, to)
	}

	var ioErr error
	if err := core.Volume.SubmitDiscard(ctx, pos, length); err != nil {
		recordCoreError(c, core)
		ioErr = wrapIOErr(err)
	}
	finish(ctx, c, req, ioErr)
	return <-done
}
