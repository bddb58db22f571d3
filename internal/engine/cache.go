package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coredevice/cacheengine/internal/alock"
	"github.com/coredevice/cacheengine/internal/cleaning"
	"github.com/coredevice/cacheengine/internal/mapping"
	"github.com/coredevice/cacheengine/internal/ocferr"
	"github.com/coredevice/cacheengine/internal/promotion"
	"github.com/coredevice/cacheengine/internal/refcnt"
	"github.com/coredevice/cacheengine/internal/space"
	"github.com/coredevice/cacheengine/internal/stats"
	"github.com/coredevice/cacheengine/internal/volume"
)

// SeqCutoffPolicy mirrors spec.md §6's per-core seq_cutoff_policy.
type SeqCutoffPolicy int

const (
	SeqCutoffAlways SeqCutoffPolicy = iota
	SeqCutoffFull
	SeqCutoffNever
)

// Core is one backing device attached to the cache, spec.md §3/§6.
type Core struct {
	ID     mapping.CoreID
	Name   string
	Volume volume.Volume

	SeqCutoffPolicy    SeqCutoffPolicy
	SeqCutoffThreshold int64
	SeqPromotionCount  int

	cacheErrCount atomic.Int64
	coreErrCount  atomic.Int64
	fallbackPT    atomic.Bool

	lastOffset atomic.Int64
	seqRun     atomic.Int64
}

// PartitionConfig is the per-partition configuration of spec.md §6.
type PartitionConfig struct {
	ID       int32
	Priority int32
	MinPct   int
	MaxPct   int
	Mode     Mode
	Name     string
	Pinned   bool
}

// Config configures a Cache at construction time.
type Config struct {
	NumLines              int
	LineSizeKiB           int // one of 4,8,16,32,64
	MetadataLayout        string // "striped" or "sequential"
	StripedSSDPages       int
	StripedEntriesInPage  int
	DefaultMode           Mode
	FallbackPTThreshold   int64 // <0 means INACTIVE (never latches)
	PTUnalignedIO         bool
	UseSubmitIOFast       bool
	Backfill              BackfillConfig
	CacheVolume           volume.Volume
	Partitions            []PartitionConfig

	CleaningPolicy  cleaning.Policy
	PromotionPolicy promotion.Policy
	Stats           stats.Sink
}

// BackfillConfig mirrors spec.md §6's backfill hysteresis knobs.
type BackfillConfig struct {
	MaxQueueSize      int
	QueueUnblockSize  int
}

// Cache is the top-level cache-engine instance: the arena, the hash-bucket
// locks, the cache-line alock, the partitions/freelist, the attached
// cores, and the quiescence refcounts of spec.md §5.
type Cache struct {
	cfg Config

	Table   *mapping.Table
	Buckets *mapping.BucketLocks
	CL      *alock.Lock // cache-line alock
	MD      *alock.Lock // metadata-page alock

	Space *space.Manager

	mu        sync.RWMutex
	cores     map[mapping.CoreID]*Core
	nextCore  int32

	cleaningPolicy  cleaning.Policy
	promotionPolicy promotion.Policy
	Stats           stats.Sink

	RefCache    refcnt.Counter
	RefDirty    refcnt.Counter
	RefMetadata refcnt.Counter

	running          atomic.Bool
	flushInterrupted atomic.Bool
	flushRunning     atomic.Bool

	backfill *backfillAdmission

	rrStripe atomic.Int64 // rotating per-queue LRU-iterator start index
}

// NewCache validates cfg and builds a Cache instance, populating the
// freelist over the whole arena (spec.md §4.4 "Freelist population").
func NewCache(cfg Config) (*Cache, error) {
	switch cfg.LineSizeKiB {
	case 4, 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("%w: invalid cache_line_size %dKiB", ocferr.ErrInval, cfg.LineSizeKiB)
	}
	if cfg.NumLines <= 0 {
		return nil, fmt.Errorf("%w: num_lines must be > 0", ocferr.ErrInval)
	}
	if cfg.CleaningPolicy == nil {
		cfg.CleaningPolicy = cleaning.NOP{}
	}
	if cfg.PromotionPolicy == nil {
		cfg.PromotionPolicy = promotion.AlwaysPromote{}
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCounters()
	}
	if cfg.FallbackPTThreshold == 0 {
		cfg.FallbackPTThreshold = -1 // INACTIVE
	}

	numBuckets := cfg.NumLines * 2
	if numBuckets < 16 {
		numBuckets = 16
	}

	c := &Cache{
		cfg:             cfg,
		Table:           mapping.NewTable(cfg.NumLines, numBuckets, cfg.LineSizeKiB),
		Buckets:         mapping.NewBucketLocks(numBuckets),
		CL:              alock.New(cfg.NumLines, 256),
		MD:              alock.New(cfg.NumLines, 64),
		cores:           make(map[mapping.CoreID]*Core),
		cleaningPolicy:  cfg.CleaningPolicy,
		promotionPolicy: cfg.PromotionPolicy,
		Stats:           cfg.Stats,
	}
	c.running.Store(true)

	freelist := space.NewFreelist()
	parts := make(map[int32]*space.Partition, len(cfg.Partitions))
	for _, pc := range cfg.Partitions {
		prio := pc.Priority
		if pc.Pinned {
			prio = space.Pinned
		}
		parts[pc.ID] = space.NewPartition(pc.ID, prio, pc.MinPct, pc.MaxPct, space.CacheMode(pc.Mode), pc.Name)
	}
	if len(parts) == 0 {
		parts[0] = space.NewPartition(0, 0, 0, 100, space.CacheMode(cfg.DefaultMode), "default")
	}

	var layout space.Layout = space.SequentialLayout{}
	if cfg.MetadataLayout == "striped" && cfg.StripedSSDPages > 0 && cfg.StripedEntriesInPage > 0 {
		layout = space.StripedLayout{SSDPages: cfg.StripedSSDPages, EntriesInPage: cfg.StripedEntriesInPage}
	}

	c.Space = &space.Manager{
		Table:    c.Table,
		CL:       c.CL,
		Buckets:  c.Buckets,
		Freelist: freelist,
		Parts:    parts,
		Layout:   layout,
	}
	space.PopulateFreelist(c.Table, freelist, layout)

	c.backfill = newBackfillAdmission(cfg.Backfill)

	return c, nil
}

// Partition returns partition id, or nil if unconfigured.
func (c *Cache) Partition(id int32) *space.Partition { return c.Space.Parts[id] }

// DefaultPartition returns the cache's fallback partition used when a
// request's partition id is invalid, per spec.md §4.1 step 6 ("falling
// back to the cache-wide default if invalid").
func (c *Cache) DefaultPartition() *space.Partition {
	if p, ok := c.Space.Parts[0]; ok {
		return p
	}
	for _, p := range c.Space.Parts {
		return p
	}
	return nil
}

// AddCore attaches a new core (backing device) to the cache.
func (c *Cache) AddCore(name string, v volume.Volume, seqPolicy SeqCutoffPolicy, seqThreshold int64) (*Core, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cores) >= 1<<14 {
		return nil, ocferr.ErrTooManyCores
	}
	id := mapping.CoreID(c.nextCore)
	c.nextCore++
	core := &Core{ID: id, Name: name, Volume: v, SeqCutoffPolicy: seqPolicy, SeqCutoffThreshold: seqThreshold}
	c.cores[id] = core
	return core, nil
}

// RemoveCore detaches a core.
func (c *Cache) RemoveCore(id mapping.CoreID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cores[id]; !ok {
		return ocferr.ErrCoreNotExist
	}
	delete(c.cores, id)
	return nil
}

// Core looks up an attached core by id.
func (c *Cache) Core(id mapping.CoreID) (*Core, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	core, ok := c.cores[id]
	if !ok {
		return nil, ocferr.ErrCoreNotExist
	}
	return core, nil
}

// SetCacheMode changes the cache-wide default mode.
func (c *Cache) SetCacheMode(mode Mode) error {
	switch mode {
	case ModeWT, ModeWB, ModeWA, ModeWI, ModeWO, ModePT:
	default:
		return fmt.Errorf("%w: invalid cache mode", ocferr.ErrInval)
	}
	c.mu.Lock()
	c.cfg.DefaultMode = mode
	c.mu.Unlock()
	return nil
}

// CacheMode returns the cache-wide default mode.
func (c *Cache) CacheMode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.DefaultMode
}

// Running reports whether cache_state_running is set (spec.md §7:
// "Metadata I/O error ... cache_state_running is cleared").
func (c *Cache) Running() bool { return c.running.Load() }

// markMetadataFatal clears cache_state_running, per spec.md §7: metadata
// I/O errors are fatal and subsequent operations see the cache as
// non-running and fail.
func (c *Cache) markMetadataFatal() { c.running.Store(false) }

// FlushInterrupt sets the cache-wide flushing_interrupted flag (spec.md
// §5).
func (c *Cache) FlushInterrupt() { c.flushInterrupted.Store(true) }

// FlushInterruptedFlag reports whether FlushInterrupt has been signaled
// since the last ClearFlushInterrupted.
func (c *Cache) FlushInterruptedFlag() bool { return c.flushInterrupted.Load() }

// ClearFlushInterrupted resets the flushing_interrupted flag; called by a
// flush orchestrator at the start of a new flush run.
func (c *Cache) ClearFlushInterrupted() { c.flushInterrupted.Store(false) }

// TryBeginFlush claims the single-flush-at-a-time latch, reporting false if
// a flush is already running (spec.md §4.5, ErrFlushInProgress).
func (c *Cache) TryBeginFlush() bool { return c.flushRunning.CompareAndSwap(false, true) }

// EndFlush releases the latch TryBeginFlush claimed.
func (c *Cache) EndFlush() { c.flushRunning.Store(false) }

// nextRotatingStripe returns and advances the per-queue rotating stripe
// index used by the LRU iterator's round-robin start point (spec.md §4.4).
func (c *Cache) nextRotatingStripe() int {
	return int(c.rrStripe.Add(1)) % space.NumStripes
}

// LineSizeKiB returns the configured cache-line size.
func (c *Cache) LineSizeKiB() int { return c.cfg.LineSizeKiB }

// NumLines returns the arena size.
func (c *Cache) NumLines() int { return c.cfg.NumLines }

// CacheVolume returns the configured cache device volume.
func (c *Cache) CacheVolume() volume.Volume { return c.cfg.CacheVolume }

// RequestLineRange computes core_line_first/last/count for a byte range,
// spec.md §3. Callers building a request.Request from a host-level (offset,
// length) pair use this to fill CoreLineFirst/CoreLineLast/CoreLineCount
// after request.Acquire.
func (c *Cache) RequestLineRange(bytePos, byteLen int64) (first, last mapping.CoreLine, count int) {
	lineBytes := int64(c.cfg.LineSizeKiB) * 1024
	first = mapping.CoreLine(bytePos / lineBytes)
	last = mapping.CoreLine((bytePos + byteLen - 1) / lineBytes)
	count = int(last-first) + 1
	return
}
