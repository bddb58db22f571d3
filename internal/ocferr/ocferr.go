// Package ocferr defines the exhaustive error space of the cache engine
// core (spec.md §6). Every error the core can surface to a caller is a
// sentinel here, optionally wrapped with call-site context via fmt.Errorf's
// %w verb.
package ocferr

import (
	"errors"
	"fmt"
)

var (
	ErrInval                     = errors.New("ocf: invalid argument")
	ErrNoMem                     = errors.New("ocf: out of memory")
	ErrAgain                     = errors.New("ocf: resource temporarily unavailable, retry")
	ErrIO                        = errors.New("ocf: i/o error")
	ErrCoreNotAvail              = errors.New("ocf: core not available")
	ErrCoreNotExist              = errors.New("ocf: core does not exist")
	ErrCoreExist                 = errors.New("ocf: core already exists")
	ErrCoreUUIDExists            = errors.New("ocf: core uuid already exists")
	ErrTooManyCores              = errors.New("ocf: too many cores")
	ErrWriteCache                = errors.New("ocf: cache write error")
	ErrCacheInIncompleteState    = errors.New("ocf: cache in incomplete state")
	ErrCoreInInactiveState       = errors.New("ocf: core in inactive state")
	ErrFlushInProgress           = errors.New("ocf: flush already in progress")
	ErrFlushingInterrupted       = errors.New("ocf: flush interrupted")
	ErrNoLock                    = errors.New("ocf: lock not acquired")
	ErrNoMetadata                = errors.New("ocf: no metadata")
	ErrMetadataVer               = errors.New("ocf: metadata version mismatch")
	ErrInvalVolumeType           = errors.New("ocf: invalid volume type")
	ErrInvalCacheDev             = errors.New("ocf: invalid cache device")
	ErrIOClassNotExist           = errors.New("ocf: io class does not exist")
	ErrNotSupp                   = errors.New("ocf: operation not supported")

	// ErrInconsistentRequest wraps ErrInval; surfaced wherever the original
	// OCF source hits an ENV_WARN(true, "Inconsistent request") path. Open
	// Question #1 (spec.md §9) resolves these as fatal for the affected
	// request rather than a tolerable race, so callers always see an error,
	// never a silently-dropped request.
	ErrInconsistentRequest = fmt.Errorf("%w: inconsistent request state", ErrInval)
)

// Is reports whether err is, or wraps, target. Thin re-export of errors.Is
// so callers of this package don't need a second import for the common case.
func Is(err, target error) bool { return errors.Is(err, target) }
