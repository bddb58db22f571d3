package engine

import (
	"context"

	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/tracing"
)

// handleD2C implements direct-to-core, spec.md §4.1: the request bypasses
// the engine infrastructure entirely -- no traversal, no hash-bucket or
// cache-line locks, no mapping lookups. It exists for callers that have
// already decided a particular I/O should never touch the cache (e.g. a
// core marked for removal, or a caller-level classifier), so it is the
// cheapest possible path and the one place that never calls
// traverseAndLock.
func handleD2C(ctx context.Context, c *Cache, core *Core, req *request.Request) {
	tracer := tracing.GetTracer("d2c")
	ctx, span := tracing.StartStage(ctx, tracer, "d2c")
	defer span.End()

	var err error
	if req.Dir == request.Read {
		err = readFromVolume(ctx, core.Volume, req.BytePos, reqDirectSlice(req))
	} else {
		err = writeToVolume(ctx, core.Volume, req.BytePos, reqDirectSlice(req))
	}
	if err != nil {
		recordCoreError(c, core)
		err = wrapIOErr(err)
	}
	// req holds no alock/bucket locks on this path (traverseAndLock is
	// never called), so finish's unlockAll is a no-op here; it is still
	// the single place completion/refcount semantics are defined.
	finish(ctx, c, req, err)
}

// reqDirectSlice returns req.Data in full, or a scratch buffer sized to
// ByteLen if the request carries no host buffer.
func reqDirectSlice(req *request.Request) []byte {
	if req.Data != nil {
		return req.Data
	}
	return make([]byte, req.ByteLen)
}
