package hn4

import (
	"encoding/binary"
	"sync"
)

// nanoSlotSize is the fixed slot width inside the cortex region (§3, §4.6).
const nanoSlotSize = 128

// nanoHeaderSize is the packed object header stamped into an object's
// first slot.
const nanoHeaderSize = 32

// NanoMaxObjectSize is the largest object the lattice will pack,
// including its header (§4.6: "objects <= 16 KiB including a 32-byte
// header").
const NanoMaxObjectSize = 16 * 1024

// NanoMaxPayloadSize is the largest payload a caller may hand to Commit.
const NanoMaxPayloadSize = NanoMaxObjectSize - nanoHeaderSize

var (
	nanoMagicPending = [4]byte{'P', 'N', 'D', 'G'}
	nanoMagicLive    = [4]byte{'N', 'A', 'N', 'O'}
)

const nanoCommittedFlag uint32 = 1 << 0

// nanoHeader is the 32-byte header occupying the first 32 bytes of a
// packed object's first slot (§4.6).
type nanoHeader struct {
	Magic    [4]byte
	Flags    uint32
	Length   uint32 // payload length in bytes, excluding the header
	Version  uint64
	CRC32C   uint32
	Reserved uint64
}

func (h *nanoHeader) toBytes() []byte {
	buf := make([]byte, nanoHeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	binary.LittleEndian.PutUint64(buf[12:20], h.Version)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32C)
	binary.LittleEndian.PutUint64(buf[24:32], h.Reserved)
	return buf
}

func nanoHeaderFromBytes(buf []byte) nanoHeader {
	var h nanoHeader
	copy(h.Magic[:], buf[0:4])
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.Length = binary.LittleEndian.Uint32(buf[8:12])
	h.Version = binary.LittleEndian.Uint64(buf[12:20])
	h.CRC32C = binary.LittleEndian.Uint32(buf[20:24])
	h.Reserved = binary.LittleEndian.Uint64(buf[24:32])
	return h
}

// Lattice is the nano-lattice sub-block packer: it owns the cortex
// region's raw bytes and packs objects into contiguous runs of 128-byte
// slots (§4.6). Reservation is serialized by a single mutex — the
// lattice is small and mount-local, so there is no need for the bitmap's
// per-word striping.
type Lattice struct {
	mu        sync.Mutex
	data      []byte
	slotCount uint32
	cursor    uint32
}

// NewLattice allocates an all-zero cortex region of slotCount slots.
func NewLattice(slotCount uint32) *Lattice {
	return &Lattice{data: make([]byte, uint64(slotCount)*nanoSlotSize), slotCount: slotCount}
}

// LoadLatticeFromBytes wraps a cortex region read back from disk: the
// nano slot format needs no unpacking (it is already byte-exact), so this
// just validates the length and takes ownership of raw (§6).
func LoadLatticeFromBytes(raw []byte, slotCount uint32) (*Lattice, error) {
	want := uint64(slotCount) * nanoSlotSize
	if uint64(len(raw)) != want {
		return nil, wrapErr(KindGeometry, nil, "cortex byte length %d does not match expected %d for %d slots", len(raw), want, slotCount)
	}
	return &Lattice{data: raw, slotCount: slotCount}, nil
}

// Scrub zeroes the entire cortex region, the nano-lattice half of
// unmount's unconditional secure-zero teardown (§4.9).
func (l *Lattice) Scrub() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.data {
		l.data[i] = 0
	}
}

func (l *Lattice) slotBytes(slot uint32) []byte {
	off := uint64(slot) * nanoSlotSize
	return l.data[off : off+nanoSlotSize]
}

// slotFree reports whether slot is free: all 128 bytes zero and its
// 4-byte magic is neither the pending sentinel nor a live object's
// magic (§4.6). The all-zero check is the authority; the magic check
// guards against a torn write that zeroed the payload but left a stale
// header behind.
func (l *Lattice) slotFree(slot uint32) bool {
	b := l.slotBytes(slot)
	var magic [4]byte
	copy(magic[:], b[0:4])
	if magic == nanoMagicPending || magic == nanoMagicLive {
		return false
	}
	for _, by := range b {
		if by != 0 {
			return false
		}
	}
	return true
}

func slotsNeeded(payloadLen int) uint32 {
	total := nanoHeaderSize + payloadLen
	return uint32((total + nanoSlotSize - 1) / nanoSlotSize)
}

// findFreeRun scans forward from the lattice's cursor for n contiguous
// free slots, wrapping once around the whole region.
func (l *Lattice) findFreeRun(n uint32) (uint32, error) {
	if n == 0 || n > l.slotCount {
		return 0, wrapErr(KindGeometry, nil, "object needs %d slots, lattice has %d", n, l.slotCount)
	}
	for probes := uint32(0); probes < l.slotCount; probes++ {
		start := (l.cursor + probes) % l.slotCount
		if start+n > l.slotCount {
			continue // run would wrap mid-object; only contiguous runs are valid
		}
		free := true
		for i := uint32(0); i < n; i++ {
			if !l.slotFree(start + i) {
				free = false
				break
			}
		}
		if free {
			l.cursor = (start + n) % l.slotCount
			return start, nil
		}
	}
	return 0, wrapErr(KindENoSpc, nil, "no contiguous run of %d free slots in cortex", n)
}

// Commit packs payload into the lattice under the two-phase protocol:
// stamp PNDG to reserve the run, write payload and CRC, then stamp the
// final magic with the committed bit set (§4.6). writeGen is the
// anchor's current write_gen; the returned version is writeGen+1 and
// must also become the anchor's new write_gen.
func (l *Lattice) Commit(payload []byte, writeGen uint64) (startSlot uint32, version uint64, err error) {
	if len(payload) > NanoMaxPayloadSize {
		return 0, 0, wrapErr(KindInvalidArgument, nil, "payload %d bytes exceeds max %d", len(payload), NanoMaxPayloadSize)
	}
	n := slotsNeeded(len(payload))

	l.mu.Lock()
	start, err := l.findFreeRun(n)
	if err != nil {
		l.mu.Unlock()
		return 0, 0, err
	}

	version = writeGen + 1
	pending := nanoHeader{Magic: nanoMagicPending, Length: uint32(len(payload)), Version: version}
	copy(l.slotBytes(start), pending.toBytes())
	l.mu.Unlock()

	// Payload write happens outside the lock: the run is already marked
	// PNDG, so no other Commit can claim these slots.
	region := l.data[uint64(start)*nanoSlotSize : uint64(start+n)*nanoSlotSize]
	copy(region[nanoHeaderSize:], payload)

	crc := crc32cChecksum(payload)
	final := nanoHeader{
		Magic:   nanoMagicLive,
		Flags:   nanoCommittedFlag,
		Length:  uint32(len(payload)),
		Version: version,
		CRC32C:  crc,
	}
	copy(region[0:nanoHeaderSize], final.toBytes())

	return start, version, nil
}

// Read validates and returns the payload stored at startSlot.
func (l *Lattice) Read(startSlot uint32) (payload []byte, version uint64, err error) {
	if startSlot >= l.slotCount {
		return nil, 0, wrapErr(KindGeometry, nil, "slot %d out of range", startSlot)
	}
	header := nanoHeaderFromBytes(l.slotBytes(startSlot))
	if header.Magic != nanoMagicLive || header.Flags&nanoCommittedFlag == 0 {
		return nil, 0, wrapErr(KindDataRot, nil, "slot %d is not a committed nano object", startSlot)
	}
	n := slotsNeeded(int(header.Length))
	if uint64(startSlot)+uint64(n) > uint64(l.slotCount) {
		return nil, 0, wrapErr(KindGeometry, nil, "object at slot %d overruns cortex region", startSlot)
	}
	region := l.data[uint64(startSlot)*nanoSlotSize : uint64(startSlot+n)*nanoSlotSize]
	payload = make([]byte, header.Length)
	copy(payload, region[nanoHeaderSize:nanoHeaderSize+int(header.Length)])
	if crc32cChecksum(payload) != header.CRC32C {
		return nil, 0, wrapErr(KindDataRot, nil, "nano object at slot %d fails CRC32C", startSlot)
	}
	return payload, header.Version, nil
}

// Free scrubs the slot run starting at startSlot back to all-zero,
// releasing it for reuse.
func (l *Lattice) Free(startSlot uint32) error {
	if startSlot >= l.slotCount {
		return wrapErr(KindGeometry, nil, "slot %d out of range", startSlot)
	}
	header := nanoHeaderFromBytes(l.slotBytes(startSlot))
	n := slotsNeeded(int(header.Length))
	if uint64(startSlot)+uint64(n) > uint64(l.slotCount) {
		n = l.slotCount - startSlot
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	region := l.data[uint64(startSlot)*nanoSlotSize : uint64(startSlot+n)*nanoSlotSize]
	for i := range region {
		region[i] = 0
	}
	return nil
}
