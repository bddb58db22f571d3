package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coredevice/cacheengine/internal/alock"
	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/ocferr"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/space"
	"github.com/coredevice/cacheengine/internal/tracing"
	"github.com/coredevice/cacheengine/internal/volume"
)

// traverseAndLock resolves the mapping for every core line in req (hit,
// insert-on-miss with eviction, or leave unmapped for PT-style service),
// then acquires every resulting cache line's alock in ascending order,
// per spec.md §4.1/§4.2/§5's lock-ordering discipline. cacheLines controls
// whether misses are mapped into the cache at all (false for PT/D2C).
func traverseAndLock(ctx context.Context, c *Cache, core *Core, req *request.Request, cacheLines bool) error {
	tracer := tracing.GetTracer("traverse")
	ctx, span := tracing.StartStage(ctx, tracer, "traverse")
	defer span.End()

	buckets := make([]uint32, len(req.Map))
	for i := range req.Map {
		req.Map[i].CoreID = core.ID
		req.Map[i].CoreLine = req.CoreLineFirst + mapping.CoreLine(i)
		buckets[i] = c.Table.Hash(mapping.CoreID(core.ID), req.Map[i].CoreLine)
	}
	sorted := append([]uint32(nil), buckets...)
	sorted = mapping.SortDedupBuckets(sorted)

	rng := c.Buckets.LockRange(sorted, false)
	upgraded := false
	needUpgrade := false

	for i := range req.Map {
		e := &req.Map[i]
		res := c.Table.Lookup(mapping.CoreID(core.ID), e.CoreLine)
		if res.Hit {
			e.Status = request.StatusHit
			e.CollIdx = res.Line
			continue
		}
		e.Status = request.StatusMiss
		e.CollIdx = mapping.CacheLineID(mapping.Invalid)
		if cacheLines {
			needUpgrade = true
		}
	}

	if needUpgrade {
		rng.Upgrade()
		upgraded = true
		for i := range req.Map {
			e := &req.Map[i]
			if e.Status == request.StatusHit {
				continue
			}
			// Re-validate under the write lock: a concurrent inserter may
			// have raced us between the read-locked lookup and the upgrade.
			res := c.Table.Lookup(mapping.CoreID(core.ID), e.CoreLine)
			if res.Hit {
				e.Status = request.StatusHit
				e.CollIdx = res.Line
				continue
			}
			if !c.promotionPolicy.ShouldPromote(mapping.CoreID(core.ID), e.CoreLine) {
				e.CollIdx = mapping.CacheLineID(mapping.Invalid)
				continue
			}
			id, err := mapLineForMiss(c, core, e.CoreLine)
			if err != nil {
				// Fail-mapping: service this line straight from the core,
				// spec.md §4.1 step 4 "ask promotion policy; if refuses ->
				// fail-mapping, fall back to PT" generalized to any mapping
				// failure (freelist and every partition exhausted).
				e.CollIdx = mapping.CacheLineID(mapping.Invalid)
				continue
			}
			e.Status = request.StatusRemapped
			e.RePart = true
			e.CollIdx = id
		}
	}

	if upgraded {
		c.Stats.IncInsert()
	}
	rng.Unlock()

	// Entries that were just mapped via mapLineForMiss already hold their
	// alock WR from the eviction/freelist claim step; they must not be
	// re-acquired here, only recorded as held.
	acqs := make([]alock.Acquisition, len(req.Map))
	for i := range req.Map {
		e := &req.Map[i]
		if e.Status == request.StatusRemapped {
			req.Map[i].LockedRW = int32(alock.Write)
			req.AlockStatus[i] = true
			acqs[i] = alock.Acquisition{Entry: int(e.CollIdx), Slot: i, NeedsLock: false}
			continue
		}
		needsLock := e.CollIdx != mapping.CacheLineID(mapping.Invalid)
		rw := alock.Read
		if req.Dir == request.Write {
			rw = alock.Write
		}
		req.Map[i].LockedRW = int32(rw)
		acqs[i] = alock.Acquisition{Entry: int(e.CollIdx), Slot: i, NeedsLock: needsLock, RW: rw}
	}
	order := make([]int, len(acqs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return acqs[order[a]].Entry < acqs[order[b]].Entry })
	sortedAcqs := make([]alock.Acquisition, len(acqs))
	for i, idx := range order {
		sortedAcqs[i] = acqs[idx]
	}

	if ok, _ := c.CL.FastLockAll(sortedAcqs); ok {
		for _, a := range sortedAcqs {
			if a.NeedsLock {
				req.AlockStatus[a.Slot] = true
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	c.CL.SlowLockAll(sortedAcqs, func(i int) {
		req.AlockStatus[sortedAcqs[i].Slot] = true
	}, func() { wg.Done() })
	wg.Wait()
	return nil
}

// mapLineForMiss allocates a cache line for (core, coreLine): free line
// first, then eviction from the target partition, per spec.md §4.4's
// remap order. Caller holds the destination hash bucket write-locked.
func mapLineForMiss(c *Cache, core *Core, coreLine mapping.CoreLine) (mapping.CacheLineID, error) {
	part := c.DefaultPartition()
	if part == nil {
		return 0, ocferr.ErrNoMem
	}
	stripe := c.nextRotatingStripe()
	rr := &space.RequestRange{Core: core.ID, FirstLg: coreLine, LastLg: coreLine}

	id := c.Space.FreeNext(stripe, rr)
	if id == mapping.Invalid {
		id = c.Space.EvictionNext(part, stripe, rr)
		if id == mapping.Invalid {
			return 0, ocferr.ErrNoMem
		}
		evictOldMapping(c, id)
		space.Repart(c.Table, id, part, part, nil, nil)
	} else {
		space.Repart(c.Table, id, nil, part, c.Space.Freelist, nil)
	}

	c.Table.Insert(id, mapping.CoreID(core.ID), coreLine, part.ID)
	c.cleaningPolicy.InitLine(id)
	// The alock WR taken by tryClaimVictim/FreeNext's internal TryLock call
	// is deliberately NOT released here: it becomes the request's own held
	// lock for this line (recorded by the caller), closing the race window
	// a release-then-reacquire would otherwise open against a concurrent
	// eviction scan.
	return id, nil
}

// evictOldMapping removes the previous (core, line) identity from the
// collision table before the slot is reused, taking the old bucket's write
// lock (spec.md §4.4 condition (e)). The eviction victim is never one of
// the request's own lines (RequestRange excludes them), so this can never
// deadlock against the bucket range already held by the caller's own
// traversal.
func evictOldMapping(c *Cache, id mapping.CacheLineID) {
	l := c.Table.Line(id)
	bucket := c.Table.Hash(l.CoreID, l.Core)
	r := c.Buckets.LockRange([]uint32{bucket}, true)
	c.Table.Remove(id)
	r.Unlock()
}

// unlockAll releases every cache-line alock req holds, per spec.md §4.1
// "Completion: release every held alock".
func unlockAll(c *Cache, req *request.Request) {
	for i := range req.Map {
		if !req.AlockStatus[i] {
			continue
		}
		rw := alock.RW(req.Map[i].LockedRW)
		c.CL.Unlock(int(req.Map[i].CollIdx), rw)
		req.AlockStatus[i] = false
	}
}

// finish unlocks req's held alocks, records the terminal error, and drives
// the request's refcount to completion -- the common tail of every engine,
// spec.md §4.1 "Completion".
func finish(ctx context.Context, c *Cache, req *request.Request, err error) {
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	unlockAll(c, req)
	if err != nil {
		req.SetErr(err)
	}
	req.Put()
}

// lineBounds returns the byte-sector range [from,to) of map entry i within
// its cache line, clipped to the request's own byte range, spec.md §3.
func lineBounds(c *Cache, req *request.Request, i int) (from, to int) {
	lineBytes := int64(c.LineSizeKiB()) * 1024
	lineStart := int64(req.Map[i].CoreLine) * lineBytes
	reqStart := req.BytePos
	reqEnd := req.BytePos + req.ByteLen

	start := lineStart
	if reqStart > start {
		start = reqStart
	}
	end := lineStart + lineBytes
	if reqEnd < end {
		end = reqEnd
	}
	from = int((start - lineStart) / 512)
	to = int((end - lineStart + 511) / 512)
	return
}

// readFromVolume reads len(buf) bytes from v starting at offsetBytes into
// buf; writeToVolume is its write counterpart.
func readFromVolume(ctx context.Context, v volume.Volume, offsetBytes int64, buf []byte) error {
	return v.SubmitIO(ctx, offsetBytes, int64(len(buf)), volume.Read, buf)
}

func writeToVolume(ctx context.Context, v volume.Volume, offsetBytes int64, buf []byte) error {
	return v.SubmitIO(ctx, offsetBytes, int64(len(buf)), volume.Write, buf)
}

// cacheLineOffset returns the cache-device byte offset of a cache line.
func cacheLineOffset(c *Cache, id mapping.CacheLineID) int64 {
	return int64(id) * int64(c.LineSizeKiB()) * 1024
}

// coreOffset returns the core-device byte offset of a map entry's sector
// range.
func coreOffset(c *Cache, req *request.Request, i, from int) int64 {
	lineBytes := int64(c.LineSizeKiB()) * 1024
	return int64(req.Map[i].CoreLine)*lineBytes + int64(from)*512
}

// markLineDirty/markLineClean move a line between a partition's clean and
// dirty sublists, mirroring the dirty bitmap transition that triggered the
// call, spec.md §4.4 "Dirty <-> clean transitions". Caller must already
// hold the stripe's implicit protection via the cache-line alock (WR) that
// guards this line's bitmap.
func markLineDirty(c *Cache, partID int32, id mapping.CacheLineID) {
	if p := c.Space.Parts[partID]; p != nil {
		space.MarkDirty(c.Table, p, id)
		c.Stats.IncDirtyLine(partID)
	}
}

func markLineClean(c *Cache, partID int32, id mapping.CacheLineID) {
	if p := c.Space.Parts[partID]; p != nil {
		space.MarkClean(c.Table, p, id)
		c.Stats.DecDirtyLine(partID)
	}
}

// recordCoreError increments the core's cumulative core-error counter and
// re-checks the fallback-PT latch. The latch itself depends only on the
// core's cache-error count (see maybeLatchFallbackPT): it engages once that
// count reaches the configured threshold, spec.md §7 "Fallback
// pass-through".
func recordCoreError(c *Cache, core *Core) {
	core.coreErrCount.Add(1)
	c.Stats.IncCoreError(int32(core.ID))
	maybeLatchFallbackPT(c, core)
}

func recordCacheError(c *Cache, core *Core, fatal bool) {
	core.cacheErrCount.Add(1)
	c.Stats.IncCacheError(int32(core.ID))
	if fatal {
		c.markMetadataFatal()
	}
	maybeLatchFallbackPT(c, core)
}

func maybeLatchFallbackPT(c *Cache, core *Core) {
	if c.cfg.FallbackPTThreshold < 0 {
		return
	}
	if core.cacheErrCount.Load() >= c.cfg.FallbackPTThreshold {
		core.fallbackPT.Store(true)
	}
}

// clearErrOnReentry clears a request's error unconditionally, the behavior
// spec.md §9 Open Question #2 describes for a request re-pushed to resume
// after an async wait. Every engine in this package runs a request to
// completion synchronously and never re-pushes it, so nothing calls this
// helper.
func clearErrOnReentry(req *request.Request) { req.ClearErr() }

// reqSlice returns the slice of req.Data covering sector range [from,to) of
// map entry i, or a fresh scratch buffer of the same length when req.Data
// is nil (mapping/locking-only test requests that never model payload
// bytes).
func reqSlice(c *Cache, req *request.Request, i, from, to int) []byte {
	n := (to - from) * 512
	if req.Data == nil {
		return make([]byte, n)
	}
	// lineBounds() clips [from,to) to the request's own byte range, so the
	// sector range's absolute core byte position always falls inside
	// [req.BytePos, req.BytePos+req.ByteLen) and the offset relative to
	// req.BytePos is a valid index into req.Data.
	absolute := coreOffset(c, req, i, from)
	rel := absolute - req.BytePos
	end := rel + int64(n)
	if end > int64(len(req.Data)) {
		end = int64(len(req.Data))
	}
	if rel > end {
		rel = end
	}
	if rel < 0 {
		rel = 0
	}
	return req.Data[rel:end]
}

// backfillLineFromCore reads a cache line's full extent from the core
// volume into the cache volume, marking the whole line valid -- the
// caching-miss path of serviceReadLines (WT/WB/WA/WI reads) and of the
// admin Backfill, spec.md §4.1. WO reads never backfill.
func backfillLineFromCore(ctx context.Context, c *Cache, core *Core, req *request.Request, i int) error {
	e := &req.Map[i]
	lineBytes := int64(c.LineSizeKiB()) * 1024
	buf := make([]byte, lineBytes)
	coreLineStart := int64(e.CoreLine) * lineBytes
	if err := readFromVolume(ctx, core.Volume, coreLineStart, buf); err != nil {
		return err
	}
	if err := writeToVolume(ctx, c.CacheVolume(), cacheLineOffset(c, e.CollIdx), buf); err != nil {
		return err
	}
	line := c.Table.Line(e.CollIdx)
	line.Bitmap.SetValid(0, mapping.SectorCount(c.LineSizeKiB()))
	return nil
}

// readCacheLine reads sector range [from,to) of map entry i from the cache
// volume into req.Data (or discards into scratch if req.Data is nil).
func readCacheLine(ctx context.Context, c *Cache, req *request.Request, i, from, to int) error {
	e := &req.Map[i]
	off := cacheLineOffset(c, e.CollIdx) + int64(from)*512
	return readFromVolume(ctx, c.CacheVolume(), off, reqSlice(c, req, i, from, to))
}

// writeCacheLine writes sector range [from,to) of map entry i's data into
// the cache volume.
func writeCacheLine(ctx context.Context, c *Cache, req *request.Request, i, from, to int) error {
	e := &req.Map[i]
	off := cacheLineOffset(c, e.CollIdx) + int64(from)*512
	return writeToVolume(ctx, c.CacheVolume(), off, reqSlice(c, req, i, from, to))
}

func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ocferr.ErrIO, err)
}
