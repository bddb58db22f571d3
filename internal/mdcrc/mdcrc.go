// Package mdcrc provides the CRC32 checksum primitive spec.md §6's
// environment contract names explicitly ("a logger with levels, CRC32, a
// sort primitive..."). This is an environment contract requirement, not a
// domain choice -- the spec itself pins the algorithm, so stdlib hash/crc32
// is used rather than any third-party hashing library.
package mdcrc

import "hash/crc32"

// Checksum computes the IEEE CRC32 of data, used by the (external,
// out-of-scope) superblock writer to checksum metadata pages handed to it
// by this core.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Verify reports whether data matches the expected checksum.
func Verify(data []byte, expected uint32) bool {
	return Checksum(data) == expected
}
