package hn4

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// SBSpace is the fixed superblock record size: 8 KiB (§3).
const SBSpace uint64 = 8192

var sbMagic = [4]byte{'H', 'N', '4', 'S'}

const sbVersion uint32 = 1

// Superblock field offsets within its 8 KiB record.
const (
	offSBMagic          = 0x000 // [4]byte
	offSBVersion        = 0x004 // uint32
	offSBCapacity       = 0x008 // uint64
	offSBBlockSize      = 0x010 // uint32
	offSBFluxStart      = 0x018 // uint64
	offSBHorizonStart   = 0x020 // uint64
	offSBJournalStart   = 0x028 // uint64
	offSBEpochStart     = 0x030 // uint64
	offSBCortexStart    = 0x038 // uint64
	offSBBitmapStart    = 0x040 // uint64
	offSBQMaskStart     = 0x048 // uint64
	offSBCurrentEpochID = 0x050 // uint64
	offSBEpochCursor    = 0x058 // uint64
	offSBCopyGeneration = 0x060 // uint64
	offSBState          = 0x068 // uint32
	offSBTaintCounter   = 0x06C // uint32
	offSBDirty          = 0x070 // uint32
	offSBProfile        = 0x074 // byte
	offSBProfileTag     = 0x078 // [16]byte
	offSBSentinelCursor = 0x088 // uint64
	offSBCompatFlags    = 0x090 // uint32
	offSBMountIntent    = 0x094 // uint32
	offSBLastMountTime  = 0x098 // uint64
	offSBVolumeUUID     = 0x0A0 // [16]byte
	offSBCRC32C         = 0x0B0 // uint32
	sbRecordUsed        = 0x0B4
)

// Superblock is the 8 KiB multi-replica record (§3). It is the volume's
// single source of truth for geometry, epoch position, and lifecycle
// state; four copies are broadcast on every commit (§4.8).
type Superblock struct {
	Capacity       uint64
	BlockSize      uint32
	FluxStart      uint64
	HorizonStart   uint64
	JournalStart   uint64
	EpochStart     uint64
	CortexStart    uint64
	BitmapStart    uint64
	QMaskStart     uint64
	CurrentEpochID uint64
	EpochCursor    uint64 // last-written epoch ring lba, verified and advanced at mount/unmount
	CopyGeneration uint64
	State          StateFlags
	TaintCounter   uint32
	Dirty          DirtyBits
	Profile        Profile
	ProfileTag     string // <= 16 ASCII bytes, human-readable volume label
	SentinelCursor uint64
	CompatFlags    uint32
	MountIntent    uint32
	LastMountTime  uint64 // nanoseconds since epoch, HAL clock; refreshed on every unmount
	VolumeUUID     uuid.UUID
}

func encodeProfileTag(tag string) ([16]byte, error) {
	var out [16]byte
	if len(tag) > len(out) {
		return out, wrapErr(KindInvalidArgument, nil, "profile tag %q exceeds %d bytes", tag, len(out))
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] > 0x7F {
			return out, wrapErr(KindInvalidArgument, nil, "profile tag %q contains a non-ASCII byte", tag)
		}
		out[i] = tag[i]
	}
	return out, nil
}

func decodeProfileTag(b [16]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// ToBytes serializes the superblock into its 8 KiB on-disk record,
// zero-padded past the used header, with a CRC32C computed over every
// byte that precedes the CRC field (§6); the padding after it is not
// covered.
func (sb *Superblock) ToBytes() ([]byte, error) {
	tag, err := encodeProfileTag(sb.ProfileTag)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, SBSpace)
	copy(buf[offSBMagic:], sbMagic[:])
	binary.LittleEndian.PutUint32(buf[offSBVersion:], sbVersion)
	binary.LittleEndian.PutUint64(buf[offSBCapacity:], sb.Capacity)
	binary.LittleEndian.PutUint32(buf[offSBBlockSize:], sb.BlockSize)
	binary.LittleEndian.PutUint64(buf[offSBFluxStart:], sb.FluxStart)
	binary.LittleEndian.PutUint64(buf[offSBHorizonStart:], sb.HorizonStart)
	binary.LittleEndian.PutUint64(buf[offSBJournalStart:], sb.JournalStart)
	binary.LittleEndian.PutUint64(buf[offSBEpochStart:], sb.EpochStart)
	binary.LittleEndian.PutUint64(buf[offSBCortexStart:], sb.CortexStart)
	binary.LittleEndian.PutUint64(buf[offSBBitmapStart:], sb.BitmapStart)
	binary.LittleEndian.PutUint64(buf[offSBQMaskStart:], sb.QMaskStart)
	binary.LittleEndian.PutUint64(buf[offSBCurrentEpochID:], sb.CurrentEpochID)
	binary.LittleEndian.PutUint64(buf[offSBEpochCursor:], sb.EpochCursor)
	binary.LittleEndian.PutUint64(buf[offSBCopyGeneration:], sb.CopyGeneration)
	binary.LittleEndian.PutUint32(buf[offSBState:], uint32(sb.State))
	binary.LittleEndian.PutUint32(buf[offSBTaintCounter:], sb.TaintCounter)
	binary.LittleEndian.PutUint32(buf[offSBDirty:], uint32(sb.Dirty))
	buf[offSBProfile] = byte(sb.Profile)
	copy(buf[offSBProfileTag:], tag[:])
	binary.LittleEndian.PutUint64(buf[offSBSentinelCursor:], sb.SentinelCursor)
	binary.LittleEndian.PutUint32(buf[offSBCompatFlags:], sb.CompatFlags)
	binary.LittleEndian.PutUint32(buf[offSBMountIntent:], sb.MountIntent)
	binary.LittleEndian.PutUint64(buf[offSBLastMountTime:], sb.LastMountTime)
	copy(buf[offSBVolumeUUID:], sb.VolumeUUID[:])

	crc := crc32cChecksum(buf[:offSBCRC32C])
	binary.LittleEndian.PutUint32(buf[offSBCRC32C:], crc)

	return buf, nil
}

// SuperblockFromBytes parses and validates one replica record: magic,
// CRC, and basic geometry sanity (§4.9 mount outline: "pick the one ...
// whose magic + CRC + geometry validate").
func SuperblockFromBytes(buf []byte) (*Superblock, error) {
	if len(buf) < sbRecordUsed {
		return nil, wrapErr(KindGeometry, nil, "superblock record too short: %d bytes", len(buf))
	}
	var magic [4]byte
	copy(magic[:], buf[offSBMagic:offSBMagic+4])
	if magic != sbMagic {
		return nil, wrapErr(KindTampered, nil, "superblock magic mismatch")
	}

	storedCRC := binary.LittleEndian.Uint32(buf[offSBCRC32C:])
	computedCRC := crc32cChecksum(buf[:offSBCRC32C])
	if storedCRC != computedCRC {
		return nil, wrapErr(KindTampered, nil, "superblock CRC32C mismatch")
	}

	sb := &Superblock{
		Capacity:       binary.LittleEndian.Uint64(buf[offSBCapacity:]),
		BlockSize:      binary.LittleEndian.Uint32(buf[offSBBlockSize:]),
		FluxStart:      binary.LittleEndian.Uint64(buf[offSBFluxStart:]),
		HorizonStart:   binary.LittleEndian.Uint64(buf[offSBHorizonStart:]),
		JournalStart:   binary.LittleEndian.Uint64(buf[offSBJournalStart:]),
		EpochStart:     binary.LittleEndian.Uint64(buf[offSBEpochStart:]),
		CortexStart:    binary.LittleEndian.Uint64(buf[offSBCortexStart:]),
		BitmapStart:    binary.LittleEndian.Uint64(buf[offSBBitmapStart:]),
		QMaskStart:     binary.LittleEndian.Uint64(buf[offSBQMaskStart:]),
		CurrentEpochID: binary.LittleEndian.Uint64(buf[offSBCurrentEpochID:]),
		EpochCursor:    binary.LittleEndian.Uint64(buf[offSBEpochCursor:]),
		CopyGeneration: binary.LittleEndian.Uint64(buf[offSBCopyGeneration:]),
		State:          StateFlags(binary.LittleEndian.Uint32(buf[offSBState:])),
		TaintCounter:   binary.LittleEndian.Uint32(buf[offSBTaintCounter:]),
		Dirty:          DirtyBits(binary.LittleEndian.Uint32(buf[offSBDirty:])),
		Profile:        Profile(buf[offSBProfile]),
		SentinelCursor: binary.LittleEndian.Uint64(buf[offSBSentinelCursor:]),
		CompatFlags:    binary.LittleEndian.Uint32(buf[offSBCompatFlags:]),
		MountIntent:    binary.LittleEndian.Uint32(buf[offSBMountIntent:]),
		LastMountTime:  binary.LittleEndian.Uint64(buf[offSBLastMountTime:]),
	}
	var tag [16]byte
	copy(tag[:], buf[offSBProfileTag:offSBProfileTag+16])
	sb.ProfileTag = decodeProfileTag(tag)
	copy(sb.VolumeUUID[:], buf[offSBVolumeUUID:offSBVolumeUUID+16])

	if sb.BlockSize == 0 || sb.Capacity == 0 {
		return nil, wrapErr(KindGeometry, nil, "superblock geometry invalid: block_size=%d capacity=%d", sb.BlockSize, sb.Capacity)
	}
	if sb.FluxStart > sb.HorizonStart || sb.HorizonStart > sb.JournalStart {
		return nil, wrapErr(KindGeometry, nil, "superblock region ordering invalid: flux=%d horizon=%d journal=%d", sb.FluxStart, sb.HorizonStart, sb.JournalStart)
	}

	return sb, nil
}

// ReplicaOffsets are the four candidate byte offsets for superblock
// broadcast (§4.8).
type ReplicaOffsets struct {
	North    uint64
	East     uint64
	West     uint64
	South    uint64
	HasSouth bool
}

// ComputeReplicaOffsets derives the N/E/W/S byte offsets for a device of
// capacityBytes, guarding the capacity·33 and capacity·66 multiplications
// against overflow (§4.8).
func ComputeReplicaOffsets(capacityBytes uint64, blockSize uint32) (ReplicaOffsets, error) {
	if capacityBytes == 0 {
		return ReplicaOffsets{}, wrapErr(KindGeometry, nil, "capacity is zero")
	}
	if blockSize == 0 {
		return ReplicaOffsets{}, wrapErr(KindGeometry, nil, "block size is zero")
	}
	if capacityBytes > math.MaxUint64/33 {
		return ReplicaOffsets{}, wrapErr(KindGeometry, nil, "capacity %d overflows on x33", capacityBytes)
	}
	if capacityBytes > math.MaxUint64/66 {
		return ReplicaOffsets{}, wrapErr(KindGeometry, nil, "capacity %d overflows on x66", capacityBytes)
	}

	offs := ReplicaOffsets{
		North: 0,
		East:  alignUp(capacityBytes*33/100, uint64(blockSize)),
		West:  alignUp(capacityBytes*66/100, uint64(blockSize)),
	}
	if capacityBytes >= 16*SBSpace {
		offs.South = capacityBytes - SBSpace
		offs.HasSouth = true
	}
	return offs, nil
}

// BroadcastSuperblock serializes sb once and writes it to every live
// replica in order (N, E, W, then S if present), persisting each write
// before the next begins so a crash can corrupt at most one replica
// (§4.8).
func BroadcastSuperblock(sb *Superblock, hal HAL, capacityBytes uint64) error {
	offs, err := ComputeReplicaOffsets(capacityBytes, sb.BlockSize)
	if err != nil {
		return err
	}
	buf, err := sb.ToBytes()
	if err != nil {
		return err
	}

	sites := []uint64{offs.North, offs.East, offs.West}
	if offs.HasSouth {
		sites = append(sites, offs.South)
	}
	lenBlocks := uint32(SBSpace / uint64(sb.BlockSize))
	if lenBlocks == 0 {
		lenBlocks = 1
	}

	for _, byteOffset := range sites {
		lba := byteOffset / uint64(sb.BlockSize)
		if err := hal.SyncIO(IOOpWrite, lba, buf, lenBlocks); err != nil {
			return wrapErr(KindHWIO, err, "superblock replica write at lba %d failed", lba)
		}
		if err := hal.Barrier(); err != nil {
			return wrapErr(KindHWIO, err, "superblock replica barrier failed at lba %d", lba)
		}
		hal.Persist(buf)
	}
	return nil
}

// SentinelWalk enumerates up to maxCandidates additional historical
// replica-like offsets a recovery tool can inspect once all four live
// replicas are found corrupt. It is read-only and diagnostic, modeled on
// the teacher's power-of-3/5/7 backup-superblock placement, generalized
// from ext4's block-group strides to plain byte offsets (§9 SUPPLEMENTED
// FEATURES).
func SentinelWalk(capacityBytes uint64, blockSize uint32, maxCandidates int) []uint64 {
	if capacityBytes <= SBSpace || blockSize == 0 || maxCandidates <= 0 {
		return nil
	}
	limit := capacityBytes - SBSpace

	var out []uint64
	for _, base := range []uint64{3, 5, 7} {
		p := base
		for p < limit && len(out) < maxCandidates {
			out = append(out, alignUp(p, uint64(blockSize)))
			if p > limit/base {
				break
			}
			p *= base
		}
	}
	return out
}
