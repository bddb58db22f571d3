// Package flushsnap compresses the flush orchestrator's diagnostic
// snapshot (partition occupancy + dirty-bitmap summary, emitted at each
// flush portion boundary for operator visibility) before it is handed to
// the external, out-of-scope superblock writer. Grounded on the teacher's
// CompressionEngine (internal/cache/cache_engine_v2.go): same
// zstd.NewWriter/EncodeAll call shape, narrowed to one-shot encode since the
// snapshot is diagnostic/write-only here and never read back by this core.
package flushsnap

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// PartitionOccupancy is one row of the snapshot: a partition's line counts
// at the moment the snapshot was taken.
type PartitionOccupancy struct {
	PartitionID int32
	CleanLines  int64
	DirtyLines  int64
}

// Encode serializes occupancy rows into a small binary record and
// compresses it with zstd, mirroring the teacher's Compress() shape
// (encode, then report compressed size).
func Encode(rows []PartitionOccupancy) ([]byte, error) {
	buf := make([]byte, 0, 4+len(rows)*20)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(rows)))
	buf = append(buf, hdr[:]...)
	for _, r := range rows {
		var rec [20]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(r.PartitionID))
		binary.LittleEndian.PutUint64(rec[4:12], uint64(r.CleanLines))
		binary.LittleEndian.PutUint64(rec[12:20], uint64(r.DirtyLines))
		buf = append(buf, rec[:]...)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("flushsnap: create zstd encoder: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(buf, make([]byte, 0, len(buf))), nil
}

// Decode reverses Encode. Nothing in this module calls it; the flush
// orchestrator only encodes snapshots.
func Decode(compressed []byte) ([]PartitionOccupancy, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("flushsnap: create zstd decoder: %w", err)
	}
	defer dec.Close()

	buf, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("flushsnap: decode: %w", err)
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("flushsnap: truncated snapshot")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	rows := make([]PartitionOccupancy, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+20 > len(buf) {
			return nil, fmt.Errorf("flushsnap: truncated record %d", i)
		}
		rows = append(rows, PartitionOccupancy{
			PartitionID: int32(binary.LittleEndian.Uint32(buf[off : off+4])),
			CleanLines:  int64(binary.LittleEndian.Uint64(buf[off+4 : off+12])),
			DirtyLines:  int64(binary.LittleEndian.Uint64(buf[off+12 : off+20])),
		})
		off += 20
	}
	return rows, nil
}
