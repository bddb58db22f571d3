// Package volume defines the block-device transport seam spec.md §6 calls
// the "environment contract": a Volume interface exposing submit_io/flush/
// discard/write_zeroes/get_length/get_max_io_size, plus a minimal in-memory
// implementation used by tests and cmd/cacheenginectl's demo mode. The real
// transport (NVMe, iSCSI, a file, ...) is out of scope per spec.md §1 --
// "the block-device transport" is explicitly a non-goal.
package volume

import (
	"context"
	"sync"
)

// Volume is the engine's view of a cache or core block device.
type Volume interface {
	SubmitIO(ctx context.Context, offset, length int64, dir IODirection, data []byte) error
	SubmitFlush(ctx context.Context) error
	SubmitDiscard(ctx context.Context, offset, length int64) error
	WriteZeroes(ctx context.Context, offset, length int64) error
	GetLength() int64
	GetMaxIOSize() int64
}

// IODirection mirrors request.Direction but lives here to avoid a back-
// import from internal/request into internal/volume.
type IODirection int

const (
	Read IODirection = iota
	Write
)

// Memory is a trivial in-memory Volume: a byte slice guarded by a mutex.
// Used by tests and by cmd/cacheenginectl's -demo mode; never used as a
// real production transport.
type Memory struct {
	mu   sync.Mutex
	data []byte

	// Errs, when non-nil, is consulted before each SubmitIO to inject
	// failures -- used by fallback-pass-through-latch tests (spec.md §8
	// S6).
	Errs func(dir IODirection) error

	// ReadCount and WriteCount track how many SubmitIO calls of each
	// direction have been issued (calls failed by Errs are not counted),
	// for assertions like S1 ("core volume read count unchanged").
	ReadCount  int
	WriteCount int
	mu2        sync.Mutex
}

// NewMemory allocates a zero-filled in-memory volume of the given size.
func NewMemory(size int64) *Memory {
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) SubmitIO(_ context.Context, offset, length int64, dir IODirection, data []byte) error {
	if m.Errs != nil {
		if err := m.Errs(dir); err != nil {
			return err
		}
	}
	m.mu2.Lock()
	if dir == Read {
		m.ReadCount++
	} else {
		m.WriteCount++
	}
	m.mu2.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if offset+length > int64(len(m.data)) {
		length = int64(len(m.data)) - offset
	}
	if length <= 0 {
		return nil
	}
	if dir == Read {
		copy(data, m.data[offset:offset+length])
	} else {
		copy(m.data[offset:offset+length], data)
	}
	return nil
}

func (m *Memory) SubmitFlush(context.Context) error { return nil }

func (m *Memory) SubmitDiscard(_ context.Context, offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset+length > int64(len(m.data)) {
		length = int64(len(m.data)) - offset
	}
	if length <= 0 {
		return nil
	}
	for i := offset; i < offset+length; i++ {
		m.data[i] = 0
	}
	return nil
}

func (m *Memory) WriteZeroes(ctx context.Context, offset, length int64) error {
	return m.SubmitDiscard(ctx, offset, length)
}

func (m *Memory) GetLength() int64 { return int64(len(m.data)) }

func (m *Memory) GetMaxIOSize() int64 { return 1 << 20 }

// Counts returns (reads, writes) issued so far, for test assertions.
func (m *Memory) Counts() (reads, writes int) {
	m.mu2.Lock()
	defer m.mu2.Unlock()
	return m.ReadCount, m.WriteCount
}
