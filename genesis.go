package hn4

import "github.com/sirupsen/logrus"

// GenesisParams configures alloc_genesis for one volume (§4.5).
type GenesisParams struct {
	Geometry FluxGeometry
	IsZNS    bool
	HAL      HAL
}

// Genesis draws the initial (G, V) pair for a new anchor. It does not
// touch the bitmap: alloc_genesis only plans a trajectory, it is the
// allocator's AllocBlock that actually reserves a block along it (§4.5).
type Genesis struct {
	Params GenesisParams

	UsedBlocks  uint64
	TotalBlocks uint64

	// appendHead is the ZNS atomic append cursor genesis draws G from
	// when the volume is ZNS-backed (§4.5: "On ZNS: V = 1, G = atomic
	// append head").
	appendHead uint64
}

// metadataLocalityNum/Den restrict METADATA-intent G draws to the first
// 10% of Flux (§4.5 locality hint).
const (
	metadataLocalityNum = 1
	metadataLocalityDen = 10
)

// saturated reports whether used/total has already crossed the 90%
// threshold that forces genesis to refuse Flux allocation (§4.5).
func (g *Genesis) saturated() bool {
	return g.TotalBlocks > 0 && g.UsedBlocks*saturationThresholdDen >= g.TotalBlocks*saturationThresholdNum
}

// Plan runs alloc_genesis(M, intent) -> (G, V). horizonFallback reports
// whether the volume is already saturated, in which case (G, V) are zero
// and the caller must route through Horizon instead of Flux (§4.5:
// "return HORIZON_FALLBACK (informational, not an error)").
func (g *Genesis) Plan(m uint16, intent Intent) (gravityCenter, orbitVector uint64, horizonFallback bool, err error) {
	if g.saturated() {
		return 0, 0, true, nil
	}

	_, phi, err := g.Params.Geometry.granule(m)
	if err != nil {
		return 0, 0, false, err
	}

	if g.Params.IsZNS {
		gravityCenter = g.appendHead
		g.appendHead++
		orbitVector = 1
	} else {
		gravityCenter = g.Params.HAL.GetRandomU64() % phi
		if intent == IntentMetadata {
			window := (phi * metadataLocalityNum) / metadataLocalityDen
			if window == 0 {
				window = 1
			}
			gravityCenter %= window
		}
		orbitVector = g.drawCoprimeVector(phi)
	}

	return gravityCenter, orbitVector, false, nil
}

// drawCoprimeVector draws an odd V and runs it through the same
// resonance dampener Trajectory uses, so a freshly planned anchor never
// starts out degenerate against Φ (§4.5, §4.2).
func (g *Genesis) drawCoprimeVector(phi uint64) uint64 {
	v := normalizeOrbitVector(g.Params.HAL.GetRandomU64())
	if phi <= 1 || gcd(v%phi, phi) == 1 {
		return v
	}
	for i := 0; i < 32; i++ {
		v += 2
		if v > orbitVectorMask {
			v = 3
		}
		if gcd(v%phi, phi) == 1 {
			return v
		}
	}
	log.WithFields(logrus.Fields{"phi": phi}).Warn("genesis: resonance dampener exhausted, degrading to V'=1")
	return 1
}

// OnAllocated records a successful reservation against genesis's own
// used_blocks view. The volume layer is responsible for keeping this in
// sync with the Allocator's counter; genesis never double-counts because
// it is only consulted once per anchor, not once per block.
func (g *Genesis) OnAllocated() {
	g.UsedBlocks++
}
