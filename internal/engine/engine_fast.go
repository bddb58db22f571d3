package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/alock"
	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// SubmitFast attempts spec.md §4.1's fast path: a non-blocking, single
// cache-line shortcut that never touches the waiter list and never
// enqueues on a worker queue. It only ever succeeds for single-line
// requests: a read HIT against WT/WB (always immediately servable without
// further core I/O), or a write against an already-mapped line under WB
// (a "full MAP", in spec.md §4.1's fast-path bullet -- no remap needed,
// service the write in place). Any other shape -- a multi-line span, any
// other mode, a lock that TryLock can't win immediately, or a miss --
// reports FAST_PATH_NO (false) and leaves req completely untouched (no
// partial locks, no side effects) so the caller falls through to Submit's
// full dispatch.
func SubmitFast(ctx context.Context, c *Cache, core *Core, req *request.Request) bool {
	if !c.cfg.UseSubmitIOFast {
		return false
	}
	if req.CoreLineCount != 1 {
		return false
	}
	if req.Dir == request.Read {
		return submitFastRead(ctx, c, core, req)
	}
	return submitFastWrite(ctx, c, core, req)
}

func submitFastRead(ctx context.Context, c *Cache, core *Core, req *request.Request) bool {
	mode := ResolveMode(c, core, req)
	if mode != ModeWT && mode != ModeWB {
		return false
	}

	tracer := tracing.GetTracer("fast")
	ctx, span := tracing.StartStage(ctx, tracer, "fast")
	defer span.End()

	req.Map[0].CoreID = core.ID
	req.Map[0].CoreLine = req.CoreLineFirst
	bucket := c.Table.Hash(mapping.CoreID(core.ID), req.Map[0].CoreLine)
	rng := c.Buckets.LockRange([]uint32{bucket}, false)

	res := c.Table.Lookup(mapping.CoreID(core.ID), req.Map[0].CoreLine)
	if !res.Hit {
		rng.Unlock()
		return false
	}
	if !c.CL.TryLock(int(res.Line), alock.Read) {
		rng.Unlock()
		return false
	}
	rng.Unlock()

	line := c.Table.Line(res.Line)
	from, to := lineBounds(c, req, 0)
	if !line.Bitmap.TestValid(from, to) {
		c.CL.Unlock(int(res.Line), alock.Read)
		return false
	}

	req.Map[0].Status = request.StatusHit
	req.Map[0].CollIdx = res.Line
	req.Map[0].LockedRW = int32(alock.Read)
	req.AlockStatus[0] = true
	req.Mode = int32(mode)

	c.Stats.IncCacheHit()
	err := readCacheLine(ctx, c, req, 0, from, to)
	if err != nil {
		recordCacheError(c, core, false)
	}
	finish(ctx, c, req, wrapIOErr(err))
	return true
}

// submitFastWrite services a single-line write against an already-mapped
// line entirely through the WB success path (ocf_write_fast resumes into
// ocf_write_wb_do in original_source/engine_fast.c), never remapping and
// never touching the core directly.
func submitFastWrite(ctx context.Context, c *Cache, core *Core, req *request.Request) bool {
	mode := ResolveMode(c, core, req)
	if mode != ModeWB {
		return false
	}
	if !c.RefDirty.Get() {
		return false
	}

	tracer := tracing.GetTracer("fast")
	ctx, span := tracing.StartStage(ctx, tracer, "fast")
	defer span.End()

	req.Map[0].CoreID = core.ID
	req.Map[0].CoreLine = req.CoreLineFirst
	bucket := c.Table.Hash(mapping.CoreID(core.ID), req.Map[0].CoreLine)
	rng := c.Buckets.LockRange([]uint32{bucket}, false)

	res := c.Table.Lookup(mapping.CoreID(core.ID), req.Map[0].CoreLine)
	if !res.Hit {
		rng.Unlock()
		c.RefDirty.Put()
		return false
	}
	if !c.CL.TryLock(int(res.Line), alock.Write) {
		rng.Unlock()
		c.RefDirty.Put()
		return false
	}
	rng.Unlock()

	req.Map[0].Status = request.StatusHit
	req.Map[0].CollIdx = res.Line
	req.Map[0].LockedRW = int32(alock.Write)
	req.AlockStatus[0] = true
	req.Mode = int32(mode)

	err := serviceWriteBackLines(ctx, c, core, req)
	c.RefDirty.Put()
	finish(ctx, c, req, err)
	return true
}
