package hn4

import (
	"sync/atomic"

	"github.com/hn4-dev/hn4/internal/hlog"
)

// KMaxDefault is the deepest orbit shell a standard-profile allocation
// probes before falling back to Horizon (§4.3).
const KMaxDefault = 12

// KHorizonMarker is the K value recorded for an allocation that was
// actually satisfied by the Horizon ring rather than a ballistic probe.
// It is deliberately outside [0, KMaxDefault] so a caller can distinguish
// "orbit shell 15" (impossible under KMaxDefault) from "this came out of
// Horizon" without a separate bool field (§9 resolution of the K=15
// open question).
const KHorizonMarker = 15

// saturationThresholdNum/Den is the used/total ratio at which
// RUNTIME_SATURATED latches (§4.9: "90% full").
const (
	saturationThresholdNum = 9
	saturationThresholdDen = 10
)

// Allocator is the ballistic allocator: it walks orbit shells K=0..kMax
// around an anchor's trajectory looking for a free, non-toxic,
// interference-free block, falling back to the Horizon ring on orbit
// exhaustion (§4.3).
type Allocator struct {
	Geometry FluxGeometry
	IsZNS    bool
	Profile  Profile
	Bitmap   *Bitmap
	Quality  *QualityMask
	Horizon  *HorizonRing // nil if this volume has no Horizon region (pico profile)
	State    *AtomicFlags

	UsedBlocks  atomic.Uint64
	TotalBlocks uint64
}

func (a *Allocator) kMax() int {
	if a.Profile == ProfilePico {
		return 0
	}
	return KMaxDefault
}

// subBlocksFree reports whether every block in [start, start+count) is
// currently clear in the bitmap, the check a fractal-scaled allocation
// (M>0) must pass before claiming its granule: a candidate granule is only
// usable if none of its constituent blocks are already owned by another
// anchor (§4.3, M>0 interference avoidance).
func (a *Allocator) subBlocksFree(start, count uint64) (bool, error) {
	for i := uint64(0); i < count; i++ {
		used, err := a.Bitmap.Test(start + i)
		if err != nil {
			return false, err
		}
		if used {
			return false, nil
		}
	}
	return true, nil
}

// AllocBlock reserves the N-th block of anchor's trajectory, probing orbit
// shells 0..kMax before falling back to Horizon. It returns the reserved
// lba and the shell (or KHorizonMarker) that satisfied it.
func (a *Allocator) AllocBlock(anchor *Anchor, n uint64) (lba uint64, k int, err error) {
	granule := uint64(1) << anchor.FractalScale

	for k := 0; k <= a.kMax(); k++ {
		block, degraded, terr := Trajectory(a.Geometry, a.IsZNS, anchor.GravityCenter, anchor.OrbitVector, n, anchor.FractalScale, k)
		if terr != nil {
			return 0, 0, terr
		}
		if degraded && a.State != nil {
			a.State.Set(StateDegraded)
		}

		if a.Quality != nil && a.Quality.IsToxic(block) {
			continue
		}

		if anchor.FractalScale > 0 {
			free, serr := a.subBlocksFree(block, granule)
			if serr != nil {
				return 0, 0, serr
			}
			if !free {
				continue
			}
		}

		changed, serr := a.Bitmap.Set(block)
		if serr != nil {
			return 0, 0, serr
		}
		if changed {
			a.onReserved()
			return block, k, nil
		}
	}

	if a.Horizon != nil && a.Profile != ProfilePico {
		block, herr := a.Horizon.Alloc()
		if herr != nil {
			return 0, 0, herr
		}
		a.onReserved()
		log.WithField(hlog.FieldLBA, block).Info("alloc_block: orbit exhausted, satisfied by Horizon")
		return block, KHorizonMarker, nil
	}

	return 0, 0, wrapErr(KindGravityCollapse, nil, "orbit exhausted at kMax=%d and no Horizon fallback available", a.kMax())
}

// FreeBlock releases lba, decrementing UsedBlocks only if the block was
// actually reserved (free-of-already-free stays idempotent, §4.1).
func (a *Allocator) FreeBlock(lba uint64) error {
	changed, err := a.Bitmap.clearChanged(lba)
	if err != nil {
		return err
	}
	if changed {
		a.UsedBlocks.Add(^uint64(0)) // decrement
		if a.State != nil {
			a.State.Set(StateDirty)
		}
	}
	return nil
}

// onReserved bumps UsedBlocks and latches the sticky RUNTIME_SATURATED
// flag once the volume crosses 90% full (§4.9). The flag is never
// cleared by a later free: saturation is a lifetime-of-mount signal, not
// an instantaneous one.
func (a *Allocator) onReserved() {
	used := a.UsedBlocks.Add(1)
	if a.State == nil {
		return
	}
	a.State.Set(StateDirty)
	if a.TotalBlocks > 0 && used*saturationThresholdDen >= a.TotalBlocks*saturationThresholdNum {
		a.State.Set(StateRuntimeSaturated)
	}
}
