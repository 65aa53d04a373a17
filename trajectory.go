package hn4

import "math/big"

// FluxGeometry is the slice of volume geometry the trajectory function
// needs: where Flux begins and how many blocks the volume has in total
// (§3, §4.2).
type FluxGeometry struct {
	FluxStart   uint64
	TotalBlocks uint64
}

// granule returns flux_aligned and Φ for a given fractal scale M (§4.2).
func (g FluxGeometry) granule(m uint16) (fluxAligned, phi uint64, err error) {
	s := uint64(1) << m
	fluxAligned = alignUp(g.FluxStart, s)
	if fluxAligned >= g.TotalBlocks {
		return 0, 0, wrapErr(KindGeometry, nil, "flux region is empty after alignment (aligned start=%d, total=%d, granule=%d)", fluxAligned, g.TotalBlocks, s)
	}
	phi = (g.TotalBlocks - fluxAligned) / s
	if phi == 0 {
		return 0, 0, wrapErr(KindGeometry, nil, "flux period is zero")
	}
	return fluxAligned, phi, nil
}

const gravityAssistConstant uint64 = 0xA5A5A5A5A5A5A5A5

// Trajectory is the pure function T(G, V, N, M, K) -> block (§4.2). It is
// deterministic and side-effect free: same inputs always produce the same
// block, with no dependency on allocator or bitmap state.
//
// degraded reports whether the resonance dampener exhausted its 32
// retries and fell back to V'=1. AllocBlock raises StateDegraded when it
// sees it; nothing logs it here.
func Trajectory(geom FluxGeometry, isZNS bool, g, v, n uint64, m uint16, k int) (block uint64, degraded bool, err error) {
	if !validFractalScale(m) {
		return 0, false, wrapErr(KindInvalidArgument, nil, "fractal scale %d exceeds maximum %d", m, maxFractalScale)
	}
	if k < 0 {
		return 0, false, wrapErr(KindInvalidArgument, nil, "negative orbit shell %d", k)
	}

	fluxAligned, phi, err := geom.granule(m)
	if err != nil {
		return 0, false, err
	}
	s := uint64(1) << m

	vp := normalizeOrbitVector(v)
	var theta uint64

	if isZNS {
		// ZNS linearity (§8): θ disabled, V forced to 1, every probe
		// collapses to the linear head.
		vp = 1
		theta = 0
	} else {
		if phi > 1 && gcd(vp%phi, phi) != 1 {
			found := false
			for i := 0; i < 32; i++ {
				vp += 2
				if vp > orbitVectorMask {
					vp = 3
				}
				if gcd(vp%phi, phi) == 1 {
					found = true
					break
				}
			}
			if !found {
				vp = 1
				degraded = true
			}
		}

		if k >= 4 {
			// Gravity assist: teleport out of a gravity well.
			vp = normalizeOrbitVector(rotl64(vp, 17) ^ gravityAssistConstant)
			theta = 0
		} else {
			theta = uint64(k)
		}
	}

	// (G + N*V' + θ(K)) mod Φ, computed with unbounded precision so that
	// no combination of u64 inputs can silently overflow the modular
	// reduction.
	bigG := new(big.Int).SetUint64(g)
	bigN := new(big.Int).SetUint64(n)
	bigV := new(big.Int).SetUint64(vp)
	bigTheta := new(big.Int).SetUint64(theta)
	bigPhi := new(big.Int).SetUint64(phi)

	sum := new(big.Int).Mul(bigN, bigV)
	sum.Add(sum, bigG)
	sum.Add(sum, bigTheta)
	sum.Mod(sum, bigPhi)

	block = fluxAligned + sum.Uint64()*s
	return block, degraded, nil
}
