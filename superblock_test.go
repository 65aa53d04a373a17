package hn4

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/uuid"
)

func sampleSuperblock() *Superblock {
	return &Superblock{
		Capacity:       1 << 30,
		BlockSize:      4096,
		FluxStart:      100,
		HorizonStart:   50000,
		JournalStart:   60000,
		EpochStart:     10,
		CortexStart:    20,
		BitmapStart:    30,
		QMaskStart:     40,
		CurrentEpochID: 7,
		CopyGeneration: 3,
		State:          StateClean,
		TaintCounter:   0,
		Profile:        ProfileStandard,
		ProfileTag:     "hn4-test",
		SentinelCursor: 0,
		VolumeUUID:     uuid.New(),
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := sampleSuperblock()
	buf, err := sb.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	if len(buf) != int(SBSpace) {
		t.Fatalf("ToBytes length = %d, want %d", len(buf), SBSpace)
	}

	got, err := SuperblockFromBytes(buf)
	if err != nil {
		t.Fatalf("SuperblockFromBytes: %v", err)
	}
	if diff := deep.Equal(sb, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestSuperblockRejectsBadMagic(t *testing.T) {
	sb := sampleSuperblock()
	buf, err := sb.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := SuperblockFromBytes(buf); !errors.Is(err, ErrTampered) {
		t.Fatalf("SuperblockFromBytes with bad magic: err=%v, want ErrTampered", err)
	}
}

func TestSuperblockRejectsCRCMismatch(t *testing.T) {
	sb := sampleSuperblock()
	buf, err := sb.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	buf[100] ^= 0xFF // corrupt a byte inside the header body
	if _, err := SuperblockFromBytes(buf); !errors.Is(err, ErrTampered) {
		t.Fatalf("SuperblockFromBytes with corrupted body: err=%v, want ErrTampered", err)
	}
}

func TestSuperblockRejectsNonASCIIProfileTag(t *testing.T) {
	sb := sampleSuperblock()
	sb.ProfileTag = "caf\xe9" // non-ASCII byte
	if _, err := sb.ToBytes(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ToBytes with non-ASCII tag: err=%v, want ErrInvalidArgument", err)
	}
}

func TestComputeReplicaOffsets(t *testing.T) {
	capacity := uint64(100000) // below 16*SBSpace = 131072
	offs, err := ComputeReplicaOffsets(capacity, 4096)
	if err != nil {
		t.Fatalf("ComputeReplicaOffsets: %v", err)
	}
	if offs.North != 0 {
		t.Fatalf("North = %d, want 0", offs.North)
	}
	wantEast := alignUp(capacity*33/100, 4096)
	if offs.East != wantEast {
		t.Fatalf("East = %d, want %d", offs.East, wantEast)
	}
	wantWest := alignUp(capacity*66/100, 4096)
	if offs.West != wantWest {
		t.Fatalf("West = %d, want %d", offs.West, wantWest)
	}
	if offs.HasSouth {
		t.Fatalf("small capacity should suppress South replica")
	}
}

func TestComputeReplicaOffsetsSouthPresent(t *testing.T) {
	capacity := 32 * SBSpace
	offs, err := ComputeReplicaOffsets(capacity, 4096)
	if err != nil {
		t.Fatalf("ComputeReplicaOffsets: %v", err)
	}
	if !offs.HasSouth {
		t.Fatalf("large capacity should enable South replica")
	}
	if offs.South != capacity-SBSpace {
		t.Fatalf("South = %d, want %d", offs.South, capacity-SBSpace)
	}
}

func TestComputeReplicaOffsetsZeroCapacityRejected(t *testing.T) {
	if _, err := ComputeReplicaOffsets(0, 4096); !errors.Is(err, ErrGeometry) {
		t.Fatalf("ComputeReplicaOffsets(0): err=%v, want ErrGeometry", err)
	}
}

func TestComputeReplicaOffsetsOverflowRejected(t *testing.T) {
	huge := ^uint64(0) / 10
	if _, err := ComputeReplicaOffsets(huge, 4096); !errors.Is(err, ErrGeometry) {
		t.Fatalf("ComputeReplicaOffsets(overflow): err=%v, want ErrGeometry", err)
	}
}

func TestBroadcastSuperblockWritesAllReplicas(t *testing.T) {
	const blockSize = 4096
	capacity := 32 * SBSpace
	numBlocks := capacity / blockSize
	hal := newMemDeviceHAL(blockSize, numBlocks)
	sb := sampleSuperblock()
	sb.Capacity = capacity
	sb.BlockSize = blockSize

	if err := BroadcastSuperblock(sb, hal, capacity); err != nil {
		t.Fatalf("BroadcastSuperblock: %v", err)
	}

	offs, err := ComputeReplicaOffsets(capacity, blockSize)
	if err != nil {
		t.Fatalf("ComputeReplicaOffsets: %v", err)
	}
	for _, off := range []uint64{offs.North, offs.East, offs.West, offs.South} {
		lba := off / blockSize
		buf := make([]byte, blockSize*int(SBSpace/blockSize))
		if err := hal.SyncIO(IOOpRead, lba, buf, uint32(SBSpace/blockSize)); err != nil {
			t.Fatalf("SyncIO read at lba %d: %v", lba, err)
		}
		got, err := SuperblockFromBytes(buf)
		if err != nil {
			t.Fatalf("SuperblockFromBytes at replica offset %d: %v", off, err)
		}
		if got.Capacity != capacity {
			t.Fatalf("replica at %d has capacity %d, want %d", off, got.Capacity, capacity)
		}
	}
}

func TestSentinelWalkBounded(t *testing.T) {
	candidates := SentinelWalk(10_000_000, 4096, 5)
	if len(candidates) != 5 {
		t.Fatalf("SentinelWalk returned %d candidates, want 5", len(candidates))
	}
	for _, c := range candidates {
		if c%4096 != 0 {
			t.Fatalf("candidate %d not block-aligned", c)
		}
		if c >= 10_000_000-SBSpace {
			t.Fatalf("candidate %d exceeds usable capacity", c)
		}
	}
}

func TestSentinelWalkEmptyForTinyVolume(t *testing.T) {
	if got := SentinelWalk(1000, 512, 5); got != nil {
		t.Fatalf("SentinelWalk on tiny volume = %v, want nil", got)
	}
}
