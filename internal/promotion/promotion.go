// Package promotion defines the promotion-policy collaborator interface
// spec.md §1/§4.1 places out of scope: engines consult it once per miss to
// decide whether to admit a core line into the cache at all. Only the
// two-call interface and a trivial always-admit default are in scope here.
package promotion

import "github.com/coredevice/cacheengine/internal/mapping"

// Policy decides whether a miss on (core, line) should be promoted
// (mapped) into the cache.
type Policy interface {
	// ShouldPromote is consulted by engines after a traversal finds a
	// miss, per spec.md §4.1 step 4: "ask promotion policy; if refuses ->
	// fail-mapping, fall back to PT."
	ShouldPromote(core mapping.CoreID, line mapping.CoreLine) bool
	// Seen records an access for heuristics that gate promotion on
	// access-count thresholds (e.g. sequential-cutoff-adjacent tracking).
	Seen(core mapping.CoreID, line mapping.CoreLine)
}

// AlwaysPromote always admits, the simplest valid Policy and the default
// used by tests and demo mode.
type AlwaysPromote struct{}

func (AlwaysPromote) ShouldPromote(mapping.CoreID, mapping.CoreLine) bool { return true }
func (AlwaysPromote) Seen(mapping.CoreID, mapping.CoreLine)               {}
