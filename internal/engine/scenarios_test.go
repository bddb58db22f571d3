package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/coredevice/cacheengine/internal/alock"
	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/volume"
)

// newScenarioCache builds a Cache with one core, both volumes backed by
// volume.Memory, for the spec.md §8 end-to-end scenarios below.
func newScenarioCache(t *testing.T, numLines, lineSizeKiB int, mode Mode, fallbackThreshold int64) (*Cache, *Core, *volume.Memory, *volume.Memory) {
	t.Helper()
	lineBytes := int64(lineSizeKiB) * 1024
	cacheVol := volume.NewMemory(int64(numLines) * lineBytes)
	coreVol := volume.NewMemory(int64(numLines) * lineBytes * 4)

	c, err := NewCache(Config{
		NumLines:            numLines,
		LineSizeKiB:         lineSizeKiB,
		DefaultMode:         mode,
		FallbackPTThreshold: fallbackThreshold,
		CacheVolume:         cacheVol,
	})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	core, err := c.AddCore("core0", coreVol, SeqCutoffNever, 0)
	if err != nil {
		t.Fatalf("AddCore: %v", err)
	}
	return c, core, cacheVol, coreVol
}

// submitSync drives one request through Submit synchronously, since every
// handler in this package calls finish() (and so req.Put()) exactly once
// before returning control to its caller's goroutine.
func submitSync(ctx context.Context, c *Cache, core *Core, bytePos, byteLen int64, dir request.Direction, data []byte) error {
	done := make(chan error, 1)
	req := NewRequest(c, core.ID, bytePos, byteLen, dir, data, func(_ *request.Request, err error) {
		done <- err
	})
	Submit(ctx, c, core, req)
	return <-done
}

// TestScenarioS1FastPathWTHit is spec.md §8 S1: a WT write followed by a
// read of the same range must be served from the cache volume, leaving the
// core volume's read count unchanged.
func TestScenarioS1FastPathWTHit(t *testing.T) {
	ctx := context.Background()
	c, core, _, coreVol := newScenarioCache(t, 1024, 4, ModeWT, 0)

	payload := bytes.Repeat([]byte{0xAA}, 4096)
	if err := submitSync(ctx, c, core, 0, 4096, request.Write, payload); err != nil {
		t.Fatalf("warm write: %v", err)
	}
	readsBefore, _ := coreVol.Counts()

	out := make([]byte, 4096)
	if err := submitSync(ctx, c, core, 0, 4096, request.Read, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("read did not return the value written")
	}
	readsAfter, _ := coreVol.Counts()
	if readsAfter != readsBefore {
		t.Fatalf("core volume read count changed on a cache hit: %d -> %d", readsBefore, readsAfter)
	}
}

// TestScenarioS2EvictionUnderContention is spec.md §8 S2: a 4-line WB cache
// written at 5 distinct offsets must evict exactly one line to admit the
// 5th, and the evicted line's data must still be recoverable from the
// core. EvictionNext only scans a partition's Clean sublist (it never
// evicts dirty data without a writeback first, a correctness property, not
// a bug), so this test performs the writeback of line 0 itself -- using
// internal/space's exported primitives directly rather than
// internal/flush's FlushPartition, since internal/flush imports this
// package and would create an import cycle from a test file here.
func TestScenarioS2EvictionUnderContention(t *testing.T) {
	ctx := context.Background()
	c, core, cacheVol, coreVol := newScenarioCache(t, 4, 4, ModeWB, 0)
	const lineBytes = 4096

	for i := 0; i < 4; i++ {
		payload := bytes.Repeat([]byte{byte(i + 1)}, lineBytes)
		if err := submitSync(ctx, c, core, int64(i)*lineBytes, lineBytes, request.Write, payload); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	part := c.DefaultPartition()
	if got := part.CurrSize(); got != 4 {
		t.Fatalf("expected occupancy 4 after 4 writes, got %d", got)
	}

	// Manually writeback (clean) line 0's dirty data to the core, the way
	// the flush orchestrator would, so EvictionNext has a Clean victim to
	// reclaim and the evicted data remains recoverable from the core.
	res := c.Table.Lookup(core.ID, 0)
	if !res.Hit {
		t.Fatal("core line 0 not mapped before cleaning")
	}
	line0 := c.Table.Line(res.Line)
	sectors := mapping.SectorCount(c.LineSizeKiB())
	buf := make([]byte, lineBytes)
	if err := readFromVolume(ctx, cacheVol, cacheLineOffset(c, res.Line), buf); err != nil {
		t.Fatalf("read cache line 0: %v", err)
	}
	if err := writeToVolume(ctx, coreVol, 0, buf); err != nil {
		t.Fatalf("writeback core line 0: %v", err)
	}
	line0.Bitmap.ClearDirty(0, sectors)
	markLineClean(c, line0.Partition, res.Line)

	// The 5th write must now evict the clean line 0 to admit core line 4.
	payload5 := bytes.Repeat([]byte{5}, lineBytes)
	if err := submitSync(ctx, c, core, 4*lineBytes, lineBytes, request.Write, payload5); err != nil {
		t.Fatalf("write 5: %v", err)
	}
	if got := part.CurrSize(); got != 4 {
		t.Fatalf("expected occupancy to remain 4 after eviction, got %d", got)
	}
	if res := c.Table.Lookup(core.ID, 0); res.Hit {
		t.Fatal("core line 0 still mapped after it should have been evicted")
	}

	// Reading offset 0 again must fall back to the core (fail-mapping,
	// since the cache has no free/clean victim left at this point) and
	// return the value written in step 1.
	out := make([]byte, lineBytes)
	if err := submitSync(ctx, c, core, 0, lineBytes, request.Read, out); err != nil {
		t.Fatalf("read evicted line: %v", err)
	}
	if !bytes.Equal(out, bytes.Repeat([]byte{1}, lineBytes)) {
		t.Fatal("evicted line did not read back the value written in step 1")
	}
}

// TestScenarioS4DiscardInvalidates is spec.md §8 S4: a discard over a
// written range must invalidate the cached copy (a subsequent service of
// that range is a cache miss) and zero the core.
func TestScenarioS4DiscardInvalidates(t *testing.T) {
	ctx := context.Background()
	c, core, _, _ := newScenarioCache(t, 16, 4, ModeWT, 0)
	const span = 8192 // 2 lines

	if err := submitSync(ctx, c, core, 0, span, request.Write, bytes.Repeat([]byte{0xAA}, span)); err != nil {
		t.Fatalf("warm write: %v", err)
	}
	if err := Discard(ctx, c, core, 0, span); err != nil {
		t.Fatalf("discard: %v", err)
	}

	for _, l := range []mapping.CoreLine{0, 1} {
		res := c.Table.Lookup(core.ID, l)
		if !res.Hit {
			continue // already reclaimed is also an acceptable "miss" outcome
		}
		if c.Table.Line(res.Line).Bitmap.AnyValid() {
			t.Fatalf("core line %d still valid after discard", l)
		}
	}

	out := make([]byte, span)
	for i := range out {
		out[i] = 0xFF
	}
	if err := submitSync(ctx, c, core, 0, span, request.Read, out); err != nil {
		t.Fatalf("read after discard: %v", err)
	}
	if !bytes.Equal(out, make([]byte, span)) {
		t.Fatal("discarded range did not read back all-zero")
	}
}

// raceOnWrite wraps a volume.Memory and, on its next Write call, performs a
// racing Table.Insert for (core, line) before returning -- modeling
// spec.md §8 S5's "Thread B ... inserts L again" without needing actual
// concurrent goroutines, since the WI engine's first pass (the only
// caller that writes to the core in serviceWriteInvalidateLines) runs the
// core write and the removal of this request's own old mapping as two
// separate, sequential steps: the hook fires exactly in the window between
// them.
type raceOnWrite struct {
	*volume.Memory
	armed bool
	race  func()
}

func (r *raceOnWrite) SubmitIO(ctx context.Context, offset, length int64, dir volume.IODirection, data []byte) error {
	err := r.Memory.SubmitIO(ctx, offset, length, dir, data)
	if err == nil && r.armed && dir == volume.Write {
		r.armed = false
		r.race()
	}
	return err
}

// TestScenarioS5WISecondPass is spec.md §8 S5: a concurrent insert racing
// the WI engine's core write must be caught and invalidated by the WI
// second pass, and a subsequent read must see the data the WI write itself
// put on the core.
func TestScenarioS5WISecondPass(t *testing.T) {
	ctx := context.Background()
	c, core, _, coreVol := newScenarioCache(t, 8, 4, ModeWI, 0)
	const lineBytes = 4096
	const L = mapping.CoreLine(0)

	// Pre-populate L: WI writes never populate the cache (they invalidate
	// it), so seed the core directly and let a WI read (which behaves like
	// WT: map on miss, backfill, serve from cache) map the line.
	if err := coreVol.SubmitIO(ctx, 0, lineBytes, volume.Write, bytes.Repeat([]byte{1}, lineBytes)); err != nil {
		t.Fatalf("seed core: %v", err)
	}
	if err := submitSync(ctx, c, core, 0, lineBytes, request.Read, make([]byte, lineBytes)); err != nil {
		t.Fatalf("pre-populate read: %v", err)
	}
	if res := c.Table.Lookup(core.ID, L); !res.Hit {
		t.Fatal("line L not populated before WI")
	}

	raced := &raceOnWrite{Memory: coreVol, armed: true}
	raced.race = func() {
		part := c.DefaultPartition()
		id := c.Space.FreeNext(0, nil)
		if id == mapping.CacheLineID(mapping.Invalid) {
			t.Fatal("no free line available to simulate the racing insert")
		}
		bucket := c.Table.Hash(core.ID, L)
		r := c.Buckets.LockRange([]uint32{bucket}, true)
		c.Table.Insert(id, core.ID, L, part.ID)
		c.Table.Line(id).Bitmap.SetValid(0, mapping.SectorCount(c.LineSizeKiB()))
		r.Unlock()
		c.CL.Unlock(int(id), alock.Write)
	}
	core.Volume = raced

	if err := submitSync(ctx, c, core, 0, lineBytes, request.Write, bytes.Repeat([]byte{2}, lineBytes)); err != nil {
		t.Fatalf("WI write: %v", err)
	}
	core.Volume = coreVol

	if res := c.Table.Lookup(core.ID, L); res.Hit {
		t.Fatal("WI second pass failed to invalidate the racing insert")
	}

	out := make([]byte, lineBytes)
	if err := submitSync(ctx, c, core, 0, lineBytes, request.Read, out); err != nil {
		t.Fatalf("post-WI read: %v", err)
	}
	if !bytes.Equal(out, bytes.Repeat([]byte{2}, lineBytes)) {
		t.Fatal("post-WI read did not see the data the WI write put on the core")
	}
}

// TestScenarioS6FallbackPTLatch is spec.md §8 S6: after fallback_pt_error_
// threshold cache-write errors, subsequent requests must resolve to PT
// regardless of configured mode, and must not touch the cache volume.
func TestScenarioS6FallbackPTLatch(t *testing.T) {
	ctx := context.Background()
	c, core, cacheVol, _ := newScenarioCache(t, 8, 4, ModeWT, 3)
	cacheVol.Errs = func(dir volume.IODirection) error {
		if dir == volume.Write {
			return errors.New("injected cache write error")
		}
		return nil
	}
	const lineBytes = 4096

	for i := 0; i < 3; i++ {
		err := submitSync(ctx, c, core, int64(i)*lineBytes, lineBytes, request.Write, bytes.Repeat([]byte{byte(i)}, lineBytes))
		if err == nil {
			t.Fatalf("write %d: expected the injected cache error to surface", i)
		}
	}
	if !core.fallbackPT.Load() {
		t.Fatal("fallback PT latch did not engage after the configured error threshold")
	}

	_, writesBefore := cacheVol.Counts()
	if err := submitSync(ctx, c, core, 3*lineBytes, lineBytes, request.Write, bytes.Repeat([]byte{9}, lineBytes)); err != nil {
		t.Fatalf("post-latch write should resolve to PT and succeed: %v", err)
	}
	_, writesAfter := cacheVol.Counts()
	if writesAfter != writesBefore {
		t.Fatalf("PT write touched the cache volume: %d -> %d", writesBefore, writesAfter)
	}
}
