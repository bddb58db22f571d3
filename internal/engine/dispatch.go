package engine

import (
	"context"
	"fmt"

	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/ocferr"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// ResolveMode implements spec.md §4.1's effective-mode resolution: a fixed
// sequence of short-circuiting checks, each of which can force pass-through
// (or D2C) regardless of the partition's configured mode.
func ResolveMode(c *Cache, core *Core, req *request.Request) Mode {
	if req.D2C {
		return ModeD2C
	}
	if core.fallbackPT.Load() {
		return ModePT
	}
	if !c.Running() {
		return ModePT
	}
	if c.cfg.PTUnalignedIO {
		if req.BytePos%4096 != 0 || req.ByteLen%4096 != 0 {
			return ModePT
		}
	}
	// A request that spans more cache lines than the cache actually has
	// can never be fully mapped, so force pass-through rather than let it
	// thrash trying to evict its way to enough free lines.
	if req.CoreLineCount > c.NumLines() {
		return ModePT
	}
	if seqCutoffTriggered(core, req) {
		return ModePT
	}

	part := c.Partition(req.PartitionID)
	if part == nil {
		part = c.DefaultPartition()
	}
	if part == nil {
		return ModePT
	}
	return Mode(part.Mode)
}

// seqCutoffTriggered tracks a core's running sequential-I/O streak and
// reports whether it has crossed the configured cutoff threshold, spec.md
// §6 "seq_cutoff_policy": long sequential streams bypass the cache (the
// assumption being a scan/backup workload gains nothing from caching and
// would only evict useful lines).
func seqCutoffTriggered(core *Core, req *request.Request) bool {
	if core.SeqCutoffPolicy == SeqCutoffNever {
		return false
	}
	last := core.lastOffset.Load()
	if last == req.BytePos {
		run := core.seqRun.Add(req.ByteLen)
		core.lastOffset.Store(req.BytePos + req.ByteLen)
		if core.SeqCutoffThreshold > 0 && run >= core.SeqCutoffThreshold {
			if core.SeqCutoffPolicy == SeqCutoffAlways || req.Dir == request.Write {
				return true
			}
		}
		return false
	}
	core.seqRun.Store(req.ByteLen)
	core.lastOffset.Store(req.BytePos + req.ByteLen)
	return false
}

// NewRequest builds a request.Request for a host-level (offset, length) I/O
// against core, filling in the CoreLineFirst/CoreLineLast/CoreLineCount
// fields request.Acquire leaves to the caller. This is the entry point a
// queue worker or a direct caller uses before passing the result to Submit.
func NewRequest(c *Cache, core mapping.CoreID, bytePos, byteLen int64, dir request.Direction, data []byte, cb request.CompletionFunc) *request.Request {
	first, last, count := c.RequestLineRange(bytePos, byteLen)
	req := request.Acquire(core, bytePos, byteLen, dir, count, data, cb)
	req.CoreLineFirst = first
	req.CoreLineLast = last
	req.CoreLineCount = count
	return req
}

// Submit is the single entrypoint a queue worker calls to drive one request
// through the engine state machine, spec.md §4.1: resolve the effective
// mode, then dispatch to that mode's handler. Handlers are responsible for
// calling finish() exactly once, synchronously or asynchronously.
func Submit(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("dispatch")
	ctx, span := tracing.StartStage(ctx, tracer, "dispatch")
	defer span.End()

	mode := ResolveMode(c, core, req)
	req.Mode = int32(mode)
	for i := 0; i < req.CoreLineCount; i++ {
		c.promotionPolicy.Seen(mapping.CoreID(core.ID), req.CoreLineFirst+mapping.CoreLine(i))
	}

	switch mode {
	case ModeWT:
		handleWT(ctx, c, core, req)
	case ModeWB:
		handleWB(ctx, c, core, req)
	case ModeWA:
		handleWA(ctx, c, core, req)
	case ModeWI:
		handleWI(ctx, c, core, req)
	case ModeWO:
		handleWO(ctx, c, core, req)
	case ModePT:
		handlePT(ctx, c, core, req)
	case ModeD2C:
		handleD2C(ctx, c, core, req)
	default:
		finish(ctx, c, req, fmt.Errorf("%w: unknown engine mode %d", ocferr.ErrInval, mode))
	}
}
