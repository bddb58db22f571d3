package engine

import (
	"context"
	"sync"

	"github.com/coredevice/cacheengine/internal/tracing"
)

// Ops implements spec.md §4.1's management-I/O engine, grounded on
// original_source/.../engine_ops.c: a request that is not host I/O at all
// but a management operation (superblock write, partition-config commit)
// that must land on both the core device and the cache device before it
// is considered done. Unlike every other engine path it never maps or
// locks a cache line -- it fans the same payload out to core.Volume and
// c.CacheVolume() concurrently, then issues a cache-device flush so the
// write is durable before completing.
func Ops(ctx context.Context, c *Cache, core *Core, offset int64, data []byte) error {
	tracer := tracing.GetTracer("ops")
	ctx, span := tracing.StartStage(ctx, tracer, "ops")
	defer span.End()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := writeToVolume(ctx, core.Volume, offset, data); err != nil {
			recordCoreError(c, core)
			record(wrapIOErr(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := writeToVolume(ctx, c.CacheVolume(), offset, data); err != nil {
			recordCacheError(c, core, false)
			record(wrapIOErr(err))
		}
	}()
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := c.CacheVolume().SubmitFlush(ctx); err != nil {
		recordCacheError(c, core, false)
		return wrapIOErr(err)
	}
	return nil
}
