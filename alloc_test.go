package hn4

import (
	"errors"
	"sync"
	"testing"
)

func newTestAllocator(totalBlocks uint64, profile Profile, withHorizon bool) *Allocator {
	bm := NewBitmap(totalBlocks)
	qm := NewQualityMask(totalBlocks)
	a := &Allocator{
		Geometry:    FluxGeometry{FluxStart: 0, TotalBlocks: totalBlocks},
		Profile:     profile,
		Bitmap:      bm,
		Quality:     qm,
		State:       &AtomicFlags{},
		TotalBlocks: totalBlocks,
	}
	if withHorizon {
		hr, err := NewHorizonRing(totalBlocks/2, totalBlocks/2, totalBlocks, bm)
		if err != nil {
			panic(err)
		}
		a.Horizon = hr
		a.Geometry.TotalBlocks = totalBlocks / 2
	}
	return a
}

func TestAllocBlockBasic(t *testing.T) {
	a := newTestAllocator(1000, ProfileStandard, false)
	anchor := &Anchor{GravityCenter: 17, OrbitVector: 9}

	lba, k, err := a.AllocBlock(anchor, 0)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if k < 0 || k > KMaxDefault {
		t.Fatalf("k = %d, out of expected range", k)
	}
	used, err := a.Bitmap.Test(lba)
	if err != nil || !used {
		t.Fatalf("allocated lba %d not reflected in bitmap: used=%v err=%v", lba, used, err)
	}
	if a.UsedBlocks.Load() != 1 {
		t.Fatalf("UsedBlocks = %d, want 1", a.UsedBlocks.Load())
	}
}

// TestAllocBlockOrbitExhaustionFallsBackToHorizon pre-occupies every
// candidate block a ballistic probe could produce across K=0..kMax so the
// allocator must fall back to Horizon (§8 scenario 4).
func TestAllocBlockOrbitExhaustionFallsBackToHorizon(t *testing.T) {
	a := newTestAllocator(2000, ProfileStandard, true)
	anchor := &Anchor{GravityCenter: 5, OrbitVector: 3}

	for k := 0; k <= a.kMax(); k++ {
		block, _, err := Trajectory(a.Geometry, false, anchor.GravityCenter, anchor.OrbitVector, 0, 0, k)
		if err != nil {
			t.Fatalf("Trajectory(k=%d): %v", k, err)
		}
		if _, err := a.Bitmap.Set(block); err != nil {
			t.Fatalf("Set(%d): %v", block, err)
		}
	}

	lba, k, err := a.AllocBlock(anchor, 0)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if k != KHorizonMarker {
		t.Fatalf("k = %d, want KHorizonMarker (%d)", k, KHorizonMarker)
	}
	if lba < a.Horizon.horizonStart || lba >= a.Horizon.horizonStart+a.Horizon.ringLen {
		t.Fatalf("horizon-fallback lba %d outside horizon region", lba)
	}
}

func TestAllocBlockGravityCollapseWithoutHorizon(t *testing.T) {
	a := newTestAllocator(2000, ProfileStandard, false)
	anchor := &Anchor{GravityCenter: 5, OrbitVector: 3}

	for k := 0; k <= a.kMax(); k++ {
		block, _, err := Trajectory(a.Geometry, false, anchor.GravityCenter, anchor.OrbitVector, 0, 0, k)
		if err != nil {
			t.Fatalf("Trajectory(k=%d): %v", k, err)
		}
		if _, err := a.Bitmap.Set(block); err != nil {
			t.Fatalf("Set(%d): %v", block, err)
		}
	}

	if _, _, err := a.AllocBlock(anchor, 0); !errors.Is(err, ErrGravityCollapse) {
		t.Fatalf("AllocBlock: err=%v, want ErrGravityCollapse", err)
	}
}

func TestAllocBlockSkipsToxic(t *testing.T) {
	a := newTestAllocator(2000, ProfileStandard, false)
	anchor := &Anchor{GravityCenter: 0, OrbitVector: 1}

	block0, _, err := Trajectory(a.Geometry, false, anchor.GravityCenter, anchor.OrbitVector, 0, 0, 0)
	if err != nil {
		t.Fatalf("Trajectory: %v", err)
	}
	if err := a.Quality.Set(block0, QualityToxic); err != nil {
		t.Fatalf("Quality.Set: %v", err)
	}

	lba, _, err := a.AllocBlock(anchor, 0)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if lba == block0 {
		t.Fatalf("AllocBlock returned toxic block %d", block0)
	}
}

// TestAllocBlockShadowHopRace runs concurrent allocations for the same
// anchor and N so only one goroutine can win the k=0 candidate; every
// winner must receive a distinct lba (§8 scenario 5).
func TestAllocBlockShadowHopRace(t *testing.T) {
	a := newTestAllocator(5000, ProfileStandard, true)
	anchor := &Anchor{GravityCenter: 42, OrbitVector: 7}

	const workers = 8
	lbas := make([]uint64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			lbas[i], _, errs[i] = a.AllocBlock(anchor, 0)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if seen[lbas[i]] {
			t.Fatalf("lba %d claimed by more than one worker", lbas[i])
		}
		seen[lbas[i]] = true
	}
	if a.UsedBlocks.Load() != workers {
		t.Fatalf("UsedBlocks = %d, want %d", a.UsedBlocks.Load(), workers)
	}
}

func TestAllocBlockFreeIsIdempotent(t *testing.T) {
	a := newTestAllocator(1000, ProfileStandard, false)
	anchor := &Anchor{GravityCenter: 1, OrbitVector: 1}

	lba, _, err := a.AllocBlock(anchor, 0)
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if err := a.FreeBlock(lba); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	if a.UsedBlocks.Load() != 0 {
		t.Fatalf("UsedBlocks = %d, want 0 after free", a.UsedBlocks.Load())
	}
	if err := a.FreeBlock(lba); err != nil {
		t.Fatalf("FreeBlock (already free): %v", err)
	}
	if a.UsedBlocks.Load() != 0 {
		t.Fatalf("UsedBlocks = %d, want 0 after double free", a.UsedBlocks.Load())
	}
}

func TestAllocBlockSaturationFlagLatches(t *testing.T) {
	a := newTestAllocator(10, ProfileStandard, false)
	anchor := &Anchor{GravityCenter: 0, OrbitVector: 1}

	for i := uint64(0); i < 9; i++ {
		if _, _, err := a.AllocBlock(anchor, i); err != nil {
			t.Fatalf("AllocBlock %d: %v", i, err)
		}
	}
	if !a.State.Has(StateRuntimeSaturated) {
		t.Fatalf("RUNTIME_SATURATED not set at 90%% full")
	}

	if err := a.FreeBlock(0); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	if !a.State.Has(StateRuntimeSaturated) {
		t.Fatalf("RUNTIME_SATURATED cleared by a free; it must be sticky")
	}
}

func TestPicoProfileHasNoOrbitDepth(t *testing.T) {
	a := newTestAllocator(1000, ProfilePico, false)
	if a.kMax() != 0 {
		t.Fatalf("pico kMax() = %d, want 0", a.kMax())
	}
}
