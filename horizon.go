package hn4

import "sync/atomic"

// HorizonRing is the sequential append-only overflow allocator (§4.4). It
// is used only when ballistic allocation exhausts its orbit or the
// candidate block is otherwise unavailable.
type HorizonRing struct {
	horizonStart uint64
	ringLen      uint64
	journalStart uint64
	head         uint64 // atomic fetch-add counter
	bitmap       *Bitmap
}

// NewHorizonRing builds a ring over [horizonStart, horizonStart+ringLen),
// which must not cross journalStart (§3, §4.4).
func NewHorizonRing(horizonStart, ringLen, journalStart uint64, bitmap *Bitmap) (*HorizonRing, error) {
	if ringLen == 0 {
		return nil, wrapErr(KindGeometry, nil, "horizon ring length is zero")
	}
	if horizonStart+ringLen > journalStart {
		return nil, wrapErr(KindGeometry, nil, "horizon ring [%d, %d) crosses journal start %d", horizonStart, horizonStart+ringLen, journalStart)
	}
	return &HorizonRing{
		horizonStart: horizonStart,
		ringLen:      ringLen,
		journalStart: journalStart,
		bitmap:       bitmap,
	}, nil
}

// Alloc reserves the next free slot in the ring. The bitmap is the sole
// safety gate: Horizon never overwrites live data because every candidate
// lba must win the bitmap's Set before Alloc returns it (§4.4).
func (hr *HorizonRing) Alloc() (uint64, error) {
	for probes := uint64(0); probes < hr.ringLen; probes++ {
		h := atomic.AddUint64(&hr.head, 1) - 1
		idx := h % hr.ringLen
		lba := hr.horizonStart + idx

		changed, err := hr.bitmap.Set(lba)
		if err != nil {
			return 0, err
		}
		if changed {
			return lba, nil
		}
		// Bit was already set (reclaimable-not-yet-reclaimed); advance to
		// the next index via the next loop iteration's fetch-add.
	}
	return 0, wrapErr(KindENoSpc, nil, "horizon ring exhausted after %d probes", hr.ringLen)
}
