package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/ocferr"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// backfillAdmission gates how many backfills (the read-miss backfill in
// serviceReadLines and the admin Backfill) may be in flight against the
// cache at once, with hysteresis between the block and unblock thresholds,
// spec.md §4.1 "Backfill admission queue": once MaxQueueSize backfills are
// in flight, further backfills are rejected (ErrAgain) until the count
// drains back down to QueueUnblockSize, rather than oscillating at a
// single threshold. Other I/O is not gated.
type backfillAdmission struct {
	mu        sync.Mutex
	inFlight  int
	blocked   bool
	maxSize   int
	unblockAt int
}

func newBackfillAdmission(cfg BackfillConfig) *backfillAdmission {
	b := &backfillAdmission{maxSize: cfg.MaxQueueSize, unblockAt: cfg.QueueUnblockSize}
	if b.maxSize <= 0 {
		b.maxSize = 0 // 0 means unlimited: admit() always succeeds
	}
	if b.unblockAt <= 0 || b.unblockAt >= b.maxSize {
		b.unblockAt = b.maxSize / 2
	}
	return b
}

// admit reports whether a new request may be submitted. Every admitted
// request must eventually call release.
func (b *backfillAdmission) admit(req *request.Request) bool {
	if b.maxSize == 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked {
		if b.inFlight <= b.unblockAt {
			b.blocked = false
		} else {
			return false
		}
	}
	if b.inFlight >= b.maxSize {
		b.blocked = true
		return false
	}
	b.inFlight++
	return true
}

func (b *backfillAdmission) release(req *request.Request) {
	if b.maxSize == 0 {
		return
	}
	b.mu.Lock()
	b.inFlight--
	if b.inFlight <= b.unblockAt {
		b.blocked = false
	}
	b.mu.Unlock()
}

// Backfill implements spec.md §4.1's backfill engine: proactively maps and
// populates count lines starting at coreLineFirst from the core, as if
// each had just missed under WT, without the caller needing to issue real
// reads. Used by admin-triggered cache warming. Subject to the same
// admission hysteresis as the read-miss backfill in serviceReadLines.
func Backfill(ctx context.Context, c *Cache, core *Core, coreLineFirst mapping.CoreLine, count int) error {
	tracer := tracing.GetTracer("backfill")
	ctx, span := tracing.StartStage(ctx, tracer, "backfill")
	defer span.End()

	lineBytes := int64(c.LineSizeKiB()) * 1024
	done := make(chan error, 1)
	req := request.Acquire(core.ID, int64(coreLineFirst)*lineBytes, int64(count)*lineBytes, request.Read, count, nil, func(r *request.Request, err error) {
		done <- err
	})
	req.CoreLineFirst = coreLineFirst
	req.CoreLineLast = coreLineFirst + mapping.CoreLine(count) - 1
	req.CoreLineCount = count

	if !c.backfill.admit(req) {
		finish(ctx, c, req, fmt.Errorf("%w: backfill queue full", ocferr.ErrAgain))
		return <-done
	}
	defer c.backfill.release(req)

	if err := traverseAndLock(ctx, c, core, req, true); err != nil {
		finish(ctx, c, req, err)
		return <-done
	}

	for i := range req.Map {
		e := &req.Map[i]
		if e.CollIdx < 0 {
			continue
		}
		line := c.Table.Line(e.CollIdx)
		if line.Bitmap.AllValid() {
			continue
		}
		if err := backfillLineFromCore(ctx, c, core, req, i); err != nil {
			recordCoreError(c, core)
			finish(ctx, c, req, wrapIOErr(err))
			return <-done
		}
	}
	finish(ctx, c, req, nil)
	return <-done
}
