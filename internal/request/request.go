// Package request implements the cache engine's request object (spec.md
// §3 "Request" / §4.1 "Per-engine state machines"): lifetime,
// reference-counting, the per-core-line map, and lock-status tracking.
// Object reuse is pool-backed, adapted from the teacher's entryPool
// (internal/cache/cache_engine_v2.go's sync.Pool-based CacheEntry reuse).
package request

import (
	"sync"
	"sync/atomic"

	"github.com/coredevice/cacheengine/internal/mapping"
)

// Direction is the request's I/O direction.
type Direction int

const (
	Read Direction = iota
	Write
)

// Status is a per-core-line mapping outcome (spec.md §6 "Lookup status
// sentinels", wire-stable within the core).
type Status int32

const (
	StatusHit      Status = 5
	StatusMiss     Status = 6
	StatusRemapped Status = 8
)

// MapEntry is one per-core-line entry of req.map[], spec.md §3.
type MapEntry struct {
	CoreID    mapping.CoreID
	CoreLine  mapping.CoreLine
	Hash      uint32
	CollIdx   mapping.CacheLineID
	Status    Status
	Invalid   bool
	RePart    bool
	Flush     bool
	StartFlush int
	StopFlush  int

	// SecondPass / RdOnly supplement the distilled spec per
	// original_source/ocf_request.h (SPEC_FULL.md §3.1): SecondPass flags a
	// WI engine re-traversal entry so the core write is skipped the second
	// time around; RdOnly distinguishes a lock taken for a read hit (no
	// mapping change) from one taken because mapping changed.
	SecondPass bool
	RdOnly     bool

	// LockedRW records which mode (alock.Read=0 / alock.Write=1) this
	// line's alock was actually acquired in, since a single request can mix
	// RD hits with WR inserts -- stored as int32 here rather than importing
	// internal/alock's RW type, to avoid a request->alock package edge.
	LockedRW int32
}

// Info carries counters populated during traversal, spec.md §3.
type Info struct {
	HitNo        int
	InvalidNo    int
	InsertNo     int
	DirtyAny     bool
	DirtyAll     bool
	RePartNo     int
	SeqNo        bool
	FlushMetadata bool
}

// CompletionFunc is invoked exactly once when a request finishes, carrying
// its final error (nil on success).
type CompletionFunc func(req *Request, err error)

// Request is the cache engine's unit of work: a host I/O translated into a
// set of per-cache-line operations (spec.md §3).
type Request struct {
	Core         mapping.CoreID
	BytePos      int64
	ByteLen      int64
	CoreLineFirst mapping.CoreLine
	CoreLineLast  mapping.CoreLine
	CoreLineCount int

	Dir    Direction
	Mode   int32 // engine.Mode, stored as int32 to avoid an import cycle

	Map         []MapEntry
	AlockStatus []bool // bit-per-core-line: do we hold the alock for it?
	Info        Info
	AlockRW     int32 // alock.RW value the request's locks were taken in

	LockRemaining atomic.Int32
	RefCount      atomic.Int32

	D2C         bool
	PartitionID int32

	// Data is the host-supplied I/O buffer, ByteLen bytes long. Nil for
	// tests that only exercise mapping/locking without payload movement.
	Data []byte

	priv       any
	completion CompletionFunc
	err        atomic.Value // error

	queueNext *Request
}

// SetErr stores the request's terminal error. Safe to call from multiple
// completion paths; the last write wins, matching the teacher's
// error-field-on-struct idiom rather than a channel.
func (r *Request) SetErr(err error) {
	if err == nil {
		r.err.Store(errWrap{})
		return
	}
	r.err.Store(errWrap{err})
}

// Err returns the request's currently recorded error, or nil.
func (r *Request) Err() error {
	v := r.err.Load()
	if v == nil {
		return nil
	}
	if w, ok := v.(errWrap); ok {
		return w.err
	}
	return nil
}

// ClearErr clears the request's recorded error. Acquire calls it when a
// pooled request is reset. internal/engine's clearErrOnReentry helper
// (spec.md §9 Open Question #2: ocf_engine_push_req_front_if clears
// req->error unconditionally on internal re-entry) also wraps it, but no
// engine re-pushes a request, so that helper has no caller.
func (r *Request) ClearErr() { r.err.Store(errWrap{}) }

type errWrap struct{ err error }
type errNil struct{}

// Priv returns the engine-private opaque data attached to the request.
func (r *Request) Priv() any { return r.priv }

// SetPriv attaches engine-private opaque data to the request.
func (r *Request) SetPriv(p any) { r.priv = p }

// Get increments the reference count.
func (r *Request) Get() { r.RefCount.Add(1) }

// Put decrements the reference count; when it reaches zero the request's
// completion callback fires and the request is released to the pool.
func (r *Request) Put() {
	if r.RefCount.Add(-1) == 0 {
		cb := r.completion
		err := r.Err()
		if cb != nil {
			cb(r, err)
		}
		Release(r)
	}
}

var pool = sync.Pool{
	New: func() any { return &Request{} },
}

// Acquire pulls a Request from the pool (or allocates one), resets it, and
// sets ref_count = 1 per spec.md §3 "Lifetime: allocated by dispatcher,
// reference-counted". Grounded on the teacher's acquireEntry/releaseEntry
// pair (cache_engine_v2.go), generalized from a CacheEntry to a Request.
func Acquire(core mapping.CoreID, bytePos, byteLen int64, dir Direction, lineCount int, data []byte, cb CompletionFunc) *Request {
	r := pool.Get().(*Request)
	r.Core = core
	r.BytePos = bytePos
	r.ByteLen = byteLen
	r.Dir = dir
	r.D2C = false
	r.PartitionID = 0
	r.Data = data
	r.priv = nil
	r.completion = cb
	r.ClearErr()
	r.LockRemaining.Store(0)
	r.RefCount.Store(1)
	r.CoreLineCount = lineCount
	if cap(r.Map) >= lineCount {
		r.Map = r.Map[:lineCount]
	} else {
		r.Map = make([]MapEntry, lineCount)
	}
	for i := range r.Map {
		r.Map[i] = MapEntry{CollIdx: mapping.CacheLineID(mapping.Invalid)}
	}
	if cap(r.AlockStatus) >= lineCount {
		r.AlockStatus = r.AlockStatus[:lineCount]
		for i := range r.AlockStatus {
			r.AlockStatus[i] = false
		}
	} else {
		r.AlockStatus = make([]bool, lineCount)
	}
	r.Info = Info{}
	return r
}

// Release returns a Request to the pool. Callers normally reach this only
// via Put() hitting a zero refcount; exported for tests that build requests
// without going through the full dispatch path.
func Release(r *Request) {
	r.queueNext = nil
	pool.Put(r)
}
