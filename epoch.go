package hn4

import "encoding/binary"

// epochHeaderSize is the on-disk size of an EpochHeader: id(8) +
// prev_id(8) + timestamp(8) + crc32c(4) + reserved(4) (§3: "small record
// (< block size)").
const epochHeaderSize = 32

// CopyGenerationMax is the ceiling copy_generation counts toward; the
// superblock and epoch ring both refuse to advance within
// copyGenerationSaturationMargin of it (§3, §4.7, §4.9).
const CopyGenerationMax = ^uint64(0)

// copyGenerationSaturationMargin is the "MAX - 16" headroom the spec
// reserves before treating generation as exhausted (§4.7).
const copyGenerationSaturationMargin = 16

// EpochHeader is one slot of the epoch ring (§3, §4.7).
type EpochHeader struct {
	ID        uint64
	PrevID    uint64
	Timestamp uint64
	CRC32C    uint32
}

func (h *EpochHeader) bodyBytes() []byte {
	buf := make([]byte, epochHeaderSize-4)
	binary.LittleEndian.PutUint64(buf[0:8], h.ID)
	binary.LittleEndian.PutUint64(buf[8:16], h.PrevID)
	binary.LittleEndian.PutUint64(buf[16:24], h.Timestamp)
	return buf
}

func (h *EpochHeader) toBytes() []byte {
	buf := make([]byte, epochHeaderSize)
	copy(buf, h.bodyBytes())
	binary.LittleEndian.PutUint32(buf[24:28], h.CRC32C)
	return buf
}

func epochHeaderFromBytes(buf []byte) EpochHeader {
	var h EpochHeader
	h.ID = binary.LittleEndian.Uint64(buf[0:8])
	h.PrevID = binary.LittleEndian.Uint64(buf[8:16])
	h.Timestamp = binary.LittleEndian.Uint64(buf[16:24])
	h.CRC32C = binary.LittleEndian.Uint32(buf[24:28])
	return h
}

// EpochRing is the monotonic per-commit header ring (§4.7). RingStart and
// RingLen are in blocks; RingLen is profile-dependent (1 MiB worth of
// blocks for standard, 2 blocks for PICO — the volume layer picks it at
// mount time).
type EpochRing struct {
	RingStart uint64
	RingLen   uint64
	BlockSize uint32
	HAL       HAL
}

// copyGenerationSaturated reports whether gen has reached the refuse
// threshold shared by epoch advance and unmount's generation check
// (§4.7, §4.9).
func copyGenerationSaturated(gen uint64) bool {
	return gen >= CopyGenerationMax-copyGenerationSaturationMargin
}

// Advance runs epoch_advance(ro?): it validates preconditions in the
// spec's own order, builds and persists a fresh header at the ring's
// next slot, and returns the new id and pointer for the caller to fold
// into the superblock (§4.7).
func (r *EpochRing) Advance(readOnly, toxic bool, current, currentID, copyGeneration uint64) (newID, newPtr uint64, err error) {
	if readOnly || toxic {
		return 0, 0, wrapErr(KindMediaToxic, nil, "epoch advance refused: volume is read-only or toxic")
	}
	if uint64(r.BlockSize) < epochHeaderSize {
		return 0, 0, wrapErr(KindGeometry, nil, "block size %d smaller than epoch header %d", r.BlockSize, epochHeaderSize)
	}
	if copyGenerationSaturated(copyGeneration) {
		return 0, 0, wrapErr(KindEExist, nil, "copy_generation %d at saturation margin", copyGeneration)
	}
	if r.RingStart%uint64(r.BlockSize) != 0 {
		return 0, 0, wrapErr(KindAlignmentFail, nil, "epoch ring start %d not block-aligned (block size %d)", r.RingStart, r.BlockSize)
	}
	ringEnd := r.RingStart + r.RingLen
	if current < r.RingStart || current >= ringEnd {
		return 0, 0, wrapErr(KindDataRot, nil, "epoch pointer %d outside ring [%d, %d)", current, r.RingStart, ringEnd)
	}

	relative := current - r.RingStart
	next := r.RingStart + (relative+1)%r.RingLen

	header := EpochHeader{ID: currentID + 1, PrevID: currentID, Timestamp: r.HAL.GetTimeNS()}
	header.CRC32C = crc32cChecksum(header.bodyBytes())

	buf, merr := r.HAL.MemAlloc(int(r.BlockSize))
	if merr != nil {
		return 0, 0, wrapErr(KindNoMem, merr, "epoch header buffer allocation failed")
	}
	defer r.HAL.MemFree(buf)
	copy(buf, header.toBytes())

	if ioerr := r.HAL.SyncIO(IOOpWrite, next, buf, 1); ioerr != nil {
		return 0, 0, wrapErr(KindHWIO, ioerr, "epoch header write at lba %d failed", next)
	}
	if ioerr := r.HAL.Barrier(); ioerr != nil {
		return 0, 0, wrapErr(KindHWIO, ioerr, "epoch header barrier failed")
	}
	r.HAL.Persist(buf)

	return header.ID, next, nil
}

// CheckRing runs epoch_check_ring: it validates the header currently
// pointed to and that the ring's own geometry fits within capacity
// (§4.7).
func (r *EpochRing) CheckRing(current, capacityBlocks uint64) error {
	if current < r.RingStart {
		return wrapErr(KindDataRot, nil, "epoch pointer %d underflows ring start %d", current, r.RingStart)
	}
	if r.RingStart+r.RingLen > capacityBlocks {
		return wrapErr(KindGeometry, nil, "epoch ring [%d, %d) exceeds device capacity %d", r.RingStart, r.RingStart+r.RingLen, capacityBlocks)
	}
	if current >= capacityBlocks {
		return wrapErr(KindEpochLost, nil, "epoch pointer %d is out of device", current)
	}

	buf, err := r.HAL.MemAlloc(int(r.BlockSize))
	if err != nil {
		return wrapErr(KindNoMem, err, "epoch header buffer allocation failed")
	}
	defer r.HAL.MemFree(buf)

	if ioerr := r.HAL.SyncIO(IOOpRead, current, buf, 1); ioerr != nil {
		return wrapErr(KindEpochLost, ioerr, "epoch header read at lba %d failed", current)
	}
	header := epochHeaderFromBytes(buf)
	if header.CRC32C != crc32cChecksum(header.bodyBytes()) {
		return wrapErr(KindEpochLost, nil, "epoch header at lba %d fails CRC32C", current)
	}
	return nil
}
