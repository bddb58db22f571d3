// Package cleaning defines the cleaning-policy collaborator interface
// spec.md §1/§6 places out of scope: the core only needs hooks to notify a
// policy of line lifecycle events and to refcount it for quiescence. ALRU,
// ACP and NOP policy bodies are non-goals; only a trivial NOP-shaped
// default is provided here for tests.
package cleaning

import "github.com/coredevice/cacheengine/internal/mapping"

// Policy is the two-call-plus-lifecycle interface the core requires of a
// cleaning policy.
type Policy interface {
	// InitLine is called when a line is inserted into the collision table
	// (spec.md §4.3 Insert: "initialize cleaning-policy state").
	InitLine(id mapping.CacheLineID)
	// PurgeCacheBlock is the hook for a line whose last dirty sector turns
	// clean (spec.md §4.3). The engines and the flush orchestrator in this
	// module do not call it.
	PurgeCacheBlock(id mapping.CacheLineID)
	// SetHot marks a line hot for cleaning-policy purposes (WB engine
	// success path, spec.md §4.1).
	SetHot(id mapping.CacheLineID)
}

// NOP is a no-op cleaning policy: it satisfies Policy but performs no
// actual cleaning-policy bookkeeping. Named after OCF's own "NOP" cleaning
// policy (clean nothing automatically; flush orchestrator / admin flush is
// the only path that cleans), used as the default for tests and demo mode.
type NOP struct{}

func (NOP) InitLine(mapping.CacheLineID)       {}
func (NOP) PurgeCacheBlock(mapping.CacheLineID) {}
func (NOP) SetHot(mapping.CacheLineID)         {}
