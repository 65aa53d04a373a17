package hn4

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"
)

// QualityMask is the 2-bit-per-block health map (§3). It is advisory on
// read (callers may still read a BRONZE or SILVER block) and prohibitive
// on allocate: a TOXIC block is unavailable to the ballistic allocator
// regardless of what the bitmap says.
//
// The two bit planes are kept as separate bits-and-blooms bitsets rather
// than hand-packed nibbles, the same "let a bitset library own the bit
// arithmetic" choice the teacher makes for its block/inode bitmaps
// (filesystem/ext4/blockgroup.go).
type QualityMask struct {
	lo, hi      *bitset.BitSet
	totalBlocks uint64
}

// NewQualityMask allocates an all-GOLD quality mask covering totalBlocks
// blocks. GOLD (0b11) is the default: a freshly provisioned volume has no
// known-bad media yet.
func NewQualityMask(totalBlocks uint64) *QualityMask {
	qm := &QualityMask{
		lo:          bitset.New(uint(totalBlocks)),
		hi:          bitset.New(uint(totalBlocks)),
		totalBlocks: totalBlocks,
	}
	for lba := uint64(0); lba < totalBlocks; lba++ {
		qm.lo.Set(uint(lba))
		qm.hi.Set(uint(lba))
	}
	return qm
}

func (qm *QualityMask) inRange(lba uint64) error {
	if lba >= qm.totalBlocks {
		return wrapErr(KindGeometry, nil, "lba %d out of range (total %d)", lba, qm.totalBlocks)
	}
	return nil
}

// Get returns the quality grade of lba.
func (qm *QualityMask) Get(lba uint64) (Quality, error) {
	if err := qm.inRange(lba); err != nil {
		return 0, err
	}
	i := uint(lba)
	var q Quality
	if qm.lo.Test(i) {
		q |= 1
	}
	if qm.hi.Test(i) {
		q |= 2
	}
	return q, nil
}

// Set assigns lba's quality grade.
func (qm *QualityMask) Set(lba uint64, q Quality) error {
	if err := qm.inRange(lba); err != nil {
		return err
	}
	i := uint(lba)
	if q&1 != 0 {
		qm.lo.Set(i)
	} else {
		qm.lo.Clear(i)
	}
	if q&2 != 0 {
		qm.hi.Set(i)
	} else {
		qm.hi.Clear(i)
	}
	return nil
}

// IsToxic is the fast path consulted by the allocator on every probe
// (§4.3): TOXIC blocks are skipped regardless of bitmap state.
func (qm *QualityMask) IsToxic(lba uint64) bool {
	q, err := qm.Get(lba)
	if err != nil {
		// Out-of-range candidates are never chosen by the trajectory
		// function; treat them as unavailable rather than panicking.
		return true
	}
	return q == QualityToxic
}

// Scrub clears every quality bit back to TOXIC (0b00), the quality-mask
// half of unmount's unconditional secure-zero teardown (§4.9).
func (qm *QualityMask) Scrub() {
	qm.lo.ClearAll()
	qm.hi.ClearAll()
}

// ToBytes packs the mask into its on-disk form: 2 bits per block,
// little-endian words, 32 blocks per 8-byte word (§6).
func (qm *QualityMask) ToBytes() []byte {
	words := int((qm.totalBlocks + 31) / 32)
	out := make([]byte, words*8)
	for w := 0; w < words; w++ {
		var word uint64
		base := uint64(w) * 32
		for i := uint64(0); i < 32 && base+i < qm.totalBlocks; i++ {
			q, _ := qm.Get(base + i)
			word |= uint64(q) << (2 * i)
		}
		binary.LittleEndian.PutUint64(out[w*8:w*8+8], word)
	}
	return out
}

// LoadQualityMaskFromBytes reconstructs a QualityMask from its packed
// on-disk form.
func LoadQualityMaskFromBytes(raw []byte, totalBlocks uint64) (*QualityMask, error) {
	words := int((totalBlocks + 31) / 32)
	if len(raw) != words*8 {
		return nil, wrapErr(KindGeometry, nil, "quality mask byte length %d does not match expected %d for %d blocks", len(raw), words*8, totalBlocks)
	}
	qm := &QualityMask{
		lo:          bitset.New(uint(totalBlocks)),
		hi:          bitset.New(uint(totalBlocks)),
		totalBlocks: totalBlocks,
	}
	for w := 0; w < words; w++ {
		word := binary.LittleEndian.Uint64(raw[w*8 : w*8+8])
		base := uint64(w) * 32
		for i := uint64(0); i < 32 && base+i < totalBlocks; i++ {
			q := Quality((word >> (2 * i)) & 0b11)
			_ = qm.Set(base+i, q)
		}
	}
	return qm, nil
}
