package hn4

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hn4-dev/hn4/internal/hlog"
)

// birthTimeHAL is an optional HAL capability: a HAL backed by a real
// filesystem file (internal/filehal.Device) can report the backing file's
// creation time for mount diagnostics. A HAL that does not implement it
// (the in-memory test fakes, internal/memhal) simply omits the field.
type birthTimeHAL interface {
	BirthTime() (time.Time, bool)
}

// epochRingBytesStandard is the standard profile's epoch ring span: "1 MiB
// worth of blocks" (§4.7, volume-layer sizing note left to the mount
// path). PICO gets a fixed 2-header ring instead.
const epochRingBytesStandard = 1 << 20

const epochRingBlocksPico = 2

func epochRingBlocks(profile Profile, blockSize uint32) uint64 {
	if profile == ProfilePico {
		return epochRingBlocksPico
	}
	n := epochRingBytesStandard / uint64(blockSize)
	if n == 0 {
		n = 1
	}
	return n
}

func bitmapByteLen(totalBlocks uint64) uint64 { return ((totalBlocks + 63) / 64) * 8 }

func qmaskByteLen(totalBlocks uint64) uint64 { return ((totalBlocks + 31) / 32) * 8 }

func blocksForBytes(n uint64, blockSize uint32) uint32 {
	return uint32((n + uint64(blockSize) - 1) / uint64(blockSize))
}

// cortexSlotCount derives the nano-lattice's slot count from the byte span
// between cortexStart and bitmapStart: the superblock records region
// starts only, so a region's size is implied by where the next one begins
// (§6).
func cortexSlotCount(cortexStart, bitmapStart uint64, blockSize uint32) uint32 {
	if bitmapStart <= cortexStart {
		return 0
	}
	spanBytes := (bitmapStart - cortexStart) * uint64(blockSize)
	return uint32(spanBytes / nanoSlotSize)
}

// Volume is the mounted, in-memory handle returned by MountVolume (§4.9).
// It exclusively owns the bitmap, quality mask, and cortex for as long as
// it is mounted; UnmountVolume tears all of it down whether or not
// persistence succeeds.
type Volume struct {
	HAL           HAL
	Superblock    *Superblock
	CapacityBytes uint64

	Geometry  FluxGeometry
	IsZNS     bool
	Profile   Profile
	Bitmap    *Bitmap
	Quality   *QualityMask
	Cortex    *Lattice
	Horizon   *HorizonRing
	Allocator *Allocator
	Genesis   *Genesis
	Epoch     *EpochRing

	State        *AtomicFlags
	TaintCounter atomic.Uint32
	ReadOnly     bool
}

func readBlocks(hal HAL, startLBA uint64, lenBlocks uint32, blockSize uint32) ([]byte, error) {
	if lenBlocks == 0 {
		return nil, nil
	}
	buf, err := hal.MemAlloc(int(lenBlocks) * int(blockSize))
	if err != nil {
		return nil, wrapErr(KindNoMem, err, "read: buffer allocation failed")
	}
	if err := hal.SyncIO(IOOpRead, startLBA, buf, lenBlocks); err != nil {
		return nil, wrapErr(KindHWIO, err, "read at lba %d failed", startLBA)
	}
	return buf, nil
}

func writeBlocks(hal HAL, startLBA uint64, data []byte, blockSize uint32) error {
	lenBlocks := blocksForBytes(uint64(len(data)), blockSize)
	padded := data
	if uint64(len(data)) != uint64(lenBlocks)*uint64(blockSize) {
		padded = make([]byte, uint64(lenBlocks)*uint64(blockSize))
		copy(padded, data)
	}
	if err := hal.SyncIO(IOOpWrite, startLBA, padded, lenBlocks); err != nil {
		return wrapErr(KindHWIO, err, "write at lba %d failed", startLBA)
	}
	return nil
}

// readBestSuperblock reads every live replica and keeps the one with the
// highest copy_generation whose magic, CRC, and geometry validate (§4.9
// mount outline).
func readBestSuperblock(hal HAL, capacityBytes uint64, blockSize uint32) (*Superblock, error) {
	offs, err := ComputeReplicaOffsets(capacityBytes, blockSize)
	if err != nil {
		return nil, err
	}
	sites := []uint64{offs.North, offs.East, offs.West}
	if offs.HasSouth {
		sites = append(sites, offs.South)
	}
	lenBlocks := uint32(SBSpace / uint64(blockSize))
	if lenBlocks == 0 {
		lenBlocks = 1
	}

	var best *Superblock
	for _, off := range sites {
		lba := off / uint64(blockSize)
		buf, err := readBlocks(hal, lba, lenBlocks, blockSize)
		if err != nil {
			continue
		}
		sb, err := SuperblockFromBytes(buf)
		if err != nil {
			continue
		}
		if best == nil || sb.CopyGeneration > best.CopyGeneration {
			best = sb
		}
	}
	if best == nil {
		return nil, wrapErr(KindTampered, nil, "mount: no valid superblock replica found among %d sites", len(sites))
	}
	return best, nil
}

func readBitmap(hal HAL, sb *Superblock, totalBlocks uint64, blockSize uint32) (*Bitmap, error) {
	n := bitmapByteLen(totalBlocks)
	raw, err := readBlocks(hal, sb.BitmapStart, blocksForBytes(n, blockSize), blockSize)
	if err != nil {
		return nil, err
	}
	return LoadBitmapFromBytes(raw[:n], totalBlocks)
}

func readQualityMask(hal HAL, sb *Superblock, totalBlocks uint64, blockSize uint32) (*QualityMask, error) {
	n := qmaskByteLen(totalBlocks)
	raw, err := readBlocks(hal, sb.QMaskStart, blocksForBytes(n, blockSize), blockSize)
	if err != nil {
		return nil, err
	}
	return LoadQualityMaskFromBytes(raw[:n], totalBlocks)
}

// MountVolume runs the mount outline (§4.9): read each replica, pick the
// one with the highest copy_generation that validates, verify the epoch
// ring, build bitmap/mask/cortex (running first-mount genesis if
// METADATA_ZEROED is absent), set state = DIRTY, and return the handle.
func MountVolume(hal HAL, capacityBytes uint64, readOnly bool) (*Volume, error) {
	if hal == nil {
		return nil, wrapErr(KindInvalidArgument, nil, "mount: device is nil")
	}
	caps := hal.GetCaps()
	blockSize := caps.LogicalBlockSize
	if blockSize == 0 {
		return nil, wrapErr(KindGeometry, nil, "mount: device reports zero block size")
	}

	sb, err := readBestSuperblock(hal, capacityBytes, blockSize)
	if err != nil {
		return nil, err
	}

	totalBlocks := capacityBytes / uint64(blockSize)
	ring := &EpochRing{RingStart: sb.EpochStart, RingLen: epochRingBlocks(sb.Profile, blockSize), BlockSize: blockSize, HAL: hal}
	if err := ring.CheckRing(sb.EpochCursor, totalBlocks); err != nil {
		return nil, err
	}

	// FluxGeometry's TotalBlocks bounds the trajectory function's own
	// period Φ to the Flux region alone: Horizon, Journal, Epoch, Cortex,
	// and the superblock replicas all live past horizon_start and are
	// never addressed by trajectory math, so their blocks need no
	// separate reservation in the bitmap.
	geometry := FluxGeometry{FluxStart: sb.FluxStart, TotalBlocks: sb.HorizonStart}
	isZNS := caps.IsZNS()
	cortexSlots := cortexSlotCount(sb.CortexStart, sb.BitmapStart, blockSize)

	var (
		bitmap  *Bitmap
		quality *QualityMask
		cortex  *Lattice
	)
	freshGenesis := !sb.State.has(StateMetadataZeroed)
	if !freshGenesis {
		bitmap, err = readBitmap(hal, sb, totalBlocks, blockSize)
		if err != nil {
			return nil, err
		}
		quality, err = readQualityMask(hal, sb, totalBlocks, blockSize)
		if err != nil {
			return nil, err
		}
		cortexBytes := uint64(cortexSlots) * nanoSlotSize
		raw, err := readBlocks(hal, sb.CortexStart, blocksForBytes(cortexBytes, blockSize), blockSize)
		if err != nil {
			return nil, err
		}
		cortex, err = LoadLatticeFromBytes(raw[:cortexBytes], cortexSlots)
		if err != nil {
			return nil, err
		}
	} else {
		// First mount of fresh media: genesis runs by constructing
		// all-clear, all-GOLD in-memory structures; nothing is persisted
		// until the first successful unmount (state stays DIRTY until
		// then).
		bitmap = NewBitmap(totalBlocks)
		quality = NewQualityMask(totalBlocks)
		cortex = NewLattice(cortexSlots)
		sb.State.set(StateMetadataZeroed)
	}

	var horizon *HorizonRing
	if sb.Profile != ProfilePico {
		horizon, err = NewHorizonRing(sb.HorizonStart, sb.JournalStart-sb.HorizonStart, sb.JournalStart, bitmap)
		if err != nil {
			return nil, err
		}
	}

	state := &AtomicFlags{}
	state.Set(sb.State)
	state.Set(StateDirty)

	allocator := &Allocator{
		Geometry:    geometry,
		IsZNS:       isZNS,
		Profile:     sb.Profile,
		Bitmap:      bitmap,
		Quality:     quality,
		Horizon:     horizon,
		State:       state,
		TotalBlocks: totalBlocks,
	}
	allocator.UsedBlocks.Store(bitmap.PopCount())

	genesis := &Genesis{
		Params:      GenesisParams{Geometry: geometry, IsZNS: isZNS, HAL: hal},
		UsedBlocks:  allocator.UsedBlocks.Load(),
		TotalBlocks: totalBlocks,
	}

	vol := &Volume{
		HAL:           hal,
		Superblock:    sb,
		CapacityBytes: capacityBytes,
		Geometry:      geometry,
		IsZNS:         isZNS,
		Profile:       sb.Profile,
		Bitmap:        bitmap,
		Quality:       quality,
		Cortex:        cortex,
		Horizon:       horizon,
		Allocator:     allocator,
		Genesis:       genesis,
		Epoch:         ring,
		State:         state,
		ReadOnly:      readOnly,
	}
	vol.TaintCounter.Store(sb.TaintCounter)

	fields := logrus.Fields{
		"capacity_bytes":         capacityBytes,
		"profile":                sb.Profile,
		hlog.FieldCopyGeneration: sb.CopyGeneration,
		hlog.FieldEpochID:        sb.CurrentEpochID,
		hlog.FieldStateFlags:     sb.State,
		"fresh_genesis":          freshGenesis,
	}
	if bt, ok := hal.(birthTimeHAL); ok {
		if birth, ok := bt.BirthTime(); ok {
			fields["backing_file_birth_time"] = birth
		}
	}
	log.WithFields(fields).Info("volume mounted")

	return vol, nil
}

// flushMetadata writes the bitmap and quality mask back to their
// designated regions in the already little-endian packed, armor-stripped
// form their own ToBytes produce (§4.9 step 3a).
func (v *Volume) flushMetadata() error {
	blockSize := v.Epoch.BlockSize
	if err := writeBlocks(v.HAL, v.Superblock.BitmapStart, v.Bitmap.ToBytes(), blockSize); err != nil {
		return err
	}
	return writeBlocks(v.HAL, v.Superblock.QMaskStart, v.Quality.ToBytes(), blockSize)
}

// teardown unconditionally secure-zeroes and drops the volume's owned
// structures, regardless of whether persistence succeeded (§4.9 step 5).
func (v *Volume) teardown() {
	if v.Bitmap != nil {
		v.Bitmap.Scrub()
		v.Bitmap = nil
	}
	if v.Quality != nil {
		v.Quality.Scrub()
		v.Quality = nil
	}
	if v.Cortex != nil {
		v.Cortex.Scrub()
		v.Cortex = nil
	}
}

// UnmountVolume runs unmount in the spec's own order (§4.9): validate,
// skip persistence entirely for read-only volumes, else flush metadata,
// barrier, advance the epoch, and broadcast the superblock with the flag
// policy applied, then unconditionally tear down. Fatal failures during
// persistence still complete teardown; the earliest error is returned.
func UnmountVolume(v *Volume) error {
	if v == nil {
		return wrapErr(KindInvalidArgument, nil, "unmount: volume is nil")
	}
	if v.HAL == nil {
		return wrapErr(KindInvalidArgument, nil, "unmount: device is nil")
	}
	defer v.teardown()

	if v.State.Has(StateToxic) {
		return wrapErr(KindMediaToxic, nil, "unmount: volume is toxic")
	}
	if v.ReadOnly {
		return nil
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if v.Profile != ProfilePico {
		record(v.flushMetadata())
	}
	record(v.HAL.Barrier())

	epochFailed := false
	newID, newPtr, err := v.Epoch.Advance(false, false, v.Superblock.EpochCursor, v.Superblock.CurrentEpochID, v.Superblock.CopyGeneration)
	if err != nil {
		epochFailed = true
		record(err)
		log.WithError(err).WithField(hlog.FieldEpochID, v.Superblock.CurrentEpochID).
			Warn("unmount: epoch advance failed, CLEAN will not be set")
	} else {
		v.Superblock.CurrentEpochID = newID
		v.Superblock.EpochCursor = newPtr
	}

	cur := v.State.Load()
	panicking := cur.has(StatePanic)
	degraded := cur.has(StateDegraded)
	taint := v.TaintCounter.Load() > 0
	// taint_counter alone does not block CLEAN: scenario 7 (§8) mounts with
	// taint_counter=1 and expects CLEAN retained with DIRTY_BIT_TAINT OR'd
	// into dirty_bits, which only makes sense if CLEAN can be set "even if"
	// tainted (§4.9's own phrasing for the dirty_bits rule).
	setClean := !panicking && !degraded && !epochFailed

	v.Superblock.State = cur
	if setClean {
		v.Superblock.State.set(StateClean)
		v.Superblock.State.clear(StateDirty)
	} else {
		v.Superblock.State.clear(StateClean)
	}
	if taint {
		v.Superblock.Dirty |= DirtyBitTaint
	}
	v.Superblock.TaintCounter = v.TaintCounter.Load()

	// The generation-cap check is part of broadcast's own flag policy
	// (§4.9 step 4), not a top-level unmount precondition: flush, barrier,
	// and the epoch advance attempt above must still run even when the
	// volume is at the cap, so only the broadcast (and the generation
	// bump that rides along with it) is refused here.
	broadcast := !copyGenerationSaturated(v.Superblock.CopyGeneration)
	if broadcast {
		v.Superblock.CopyGeneration++
		v.Superblock.LastMountTime = v.HAL.GetTimeNS()
		record(BroadcastSuperblock(v.Superblock, v.HAL, v.CapacityBytes))
	} else {
		record(wrapErr(KindEExist, nil, "unmount: copy_generation %d at saturation margin, broadcast refused", v.Superblock.CopyGeneration))
	}

	log.WithFields(logrus.Fields{
		"set_clean":              setClean,
		hlog.FieldCopyGeneration: v.Superblock.CopyGeneration,
		hlog.FieldEpochID:        v.Superblock.CurrentEpochID,
		hlog.FieldStateFlags:     v.Superblock.State,
		"taint":                  taint,
		"broadcast":              broadcast,
	}).Info("volume unmounted")

	return firstErr
}
