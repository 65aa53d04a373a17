package hn4

import (
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// crc32cSeed is the running-CRC value a fresh computation starts from.
// crc32.Update already performs the standard reflected CRC's invert-on-entry
// and invert-on-exit internally (Checksum(data, tab) is defined as
// Update(0, tab, data)), so the external seed is plain 0, not 0xFFFFFFFF —
// folding in the complement ourselves on top of Update's own would cancel
// the standard convention and hand back the bitwise complement of the real
// CRC32C.
const crc32cSeed uint32 = 0

// crc32cUpdate folds input into an in-progress CRC32C computation. crc is
// the previous call's return value (or crc32cSeed to start), matching
// crc32.Update's own chaining convention.
func crc32cUpdate(crc uint32, input []byte) uint32 {
	return crc32.Update(crc, crc32cTable, input)
}

// crc32cChecksum computes the CRC32C of b in one call, starting from the
// standard seed.
func crc32cChecksum(b []byte) uint32 {
	return crc32cUpdate(crc32cSeed, b)
}
