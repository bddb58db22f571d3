// Package stats defines the statistics counters collaborator spec.md §1
// places out of scope ("the statistics counters" are an external
// collaborator), plus an in-process Sink implementation adapted from the
// teacher's MetricsCollector (monitoring.go): atomic counters behind a
// narrow recording interface rather than a full metrics pipeline, since
// export/alerting/anomaly-detection are all out of this core's scope.
package stats

import "sync/atomic"

// Sink is the narrow interface engines and space management call into to
// report countable events (spec.md §3 Partition "curr_size", §4.3 "per-core
// and per-partition cached/dirty-clines counters", §7 error counters).
type Sink interface {
	IncCacheHit()
	IncCacheMiss()
	IncInsert()
	IncInvalidate()
	IncCacheError(coreID int32)
	IncCoreError(coreID int32)
	IncDirtyLine(partition int32)
	DecDirtyLine(partition int32)
	IncCachedLine(partition int32)
	DecCachedLine(partition int32)
}

// Counters is the default in-process Sink: one atomic per global counter,
// plus small lazily populated maps for the per-core/per-partition
// breakdowns, each behind its own mutex that every update and read takes
// -- the same shape as the teacher's errorsByType map in MetricsCollector.
type Counters struct {
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
	Inserts     atomic.Int64
	Invalidates atomic.Int64

	perCore      shardedCounters
	perCoreErr   shardedCounters
	perPartDirty shardedCounters
	perPartLine  shardedCounters
}

// NewCounters builds a zeroed Counters sink.
func NewCounters() *Counters {
	return &Counters{
		perCore:      newShardedCounters(),
		perCoreErr:   newShardedCounters(),
		perPartDirty: newShardedCounters(),
		perPartLine:  newShardedCounters(),
	}
}

func (c *Counters) IncCacheHit()  { c.CacheHits.Add(1) }
func (c *Counters) IncCacheMiss() { c.CacheMisses.Add(1) }
func (c *Counters) IncInsert()    { c.Inserts.Add(1) }
func (c *Counters) IncInvalidate() { c.Invalidates.Add(1) }

func (c *Counters) IncCacheError(coreID int32)  { c.perCoreErr.add(coreID, 1) }
func (c *Counters) IncCoreError(coreID int32)   { c.perCore.add(coreID, 1) }
func (c *Counters) CacheErrors(coreID int32) int64 { return c.perCoreErr.get(coreID) }
func (c *Counters) CoreErrors(coreID int32) int64  { return c.perCore.get(coreID) }

func (c *Counters) IncDirtyLine(partition int32) { c.perPartDirty.add(partition, 1) }
func (c *Counters) DecDirtyLine(partition int32) { c.perPartDirty.add(partition, -1) }
func (c *Counters) DirtyLines(partition int32) int64 { return c.perPartDirty.get(partition) }

func (c *Counters) IncCachedLine(partition int32) { c.perPartLine.add(partition, 1) }
func (c *Counters) DecCachedLine(partition int32) { c.perPartLine.add(partition, -1) }
func (c *Counters) CachedLines(partition int32) int64 { return c.perPartLine.get(partition) }
