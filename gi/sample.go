package gi

import (
	"math"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/types"
)

// sampler evaluates the irradiance stored in the volume at a surface point
// by blending the eight surrounding probes.
type sampler struct {
	consts     *VolumeConstants
	irradiance *gpu.Texture
	distance   *gpu.Texture
	probes     *gpu.Texture
	tracking   bool
	gamma      float32
}

// irradianceAt returns the irradiance arriving at position from the
// hemisphere around normal. rayDir is the direction of the ray that found
// the surface.
func (s *sampler) irradianceAt(position, normal, rayDir types.Vec3) types.Vec3 {
	grid := s.consts.grid()
	normalBias, viewBias := s.consts.Spacing[3], s.consts.MissRadiance[3]
	biased := position.Add(normal.Mul(normalBias)).Add(rayDir.Neg().Mul(viewBias))

	irrLayout := NewTileLayout(grid, int(s.consts.Texels[0]))
	distLayout := NewTileLayout(grid, int(s.consts.Texels[1]))

	// Base probe and trilinear weights inside its cell.
	var base [3]int
	var alpha types.Vec3
	rel := biased.Sub(grid.Min())
	for axis := 0; axis < 3; axis++ {
		cell := rel[axis] / grid.Spacing[axis]
		base[axis] = clampIndex(int(math.Floor(float64(cell))), 0, grid.Counts[axis]-1)
		alpha[axis] = clamp(cell-float32(base[axis]), 0, 1)
	}

	var sum types.Vec3
	var weightSum float32
	for corner := 0; corner < 8; corner++ {
		var coords [3]int
		trilinear := float32(1)
		for axis := 0; axis < 3; axis++ {
			offset := (corner >> axis) & 1
			coords[axis] = clampIndex(base[axis]+offset, 0, grid.Counts[axis]-1)
			if offset == 1 {
				trilinear *= alpha[axis]
			} else {
				trilinear *= 1 - alpha[axis]
			}
		}
		probe := grid.ProbeIndex(coords[0], coords[1], coords[2])
		data := s.probes.Load(probe, 0)
		if s.tracking && data[3] == ProbeInactive {
			continue
		}
		probePos := grid.LatticePosition(probe).Add(data.Vec3())

		// Smooth backface test.
		toProbe := probePos.Sub(position).Normalize()
		weight := (toProbe.Dot(normal) + 1) * 0.5
		weight = weight*weight + 0.2

		// Chebyshev visibility against the mean distance of the probe.
		probeToPoint := biased.Sub(probePos)
		dist := probeToPoint.Len()
		if dist > 0 {
			moments := sampleTile(s.distance, distLayout, probe, probeToPoint.Mul(1/dist))
			mean, meanSq := moments[0], moments[1]
			if dist > mean {
				variance := abs(meanSq - mean*mean)
				diff := dist - mean
				chebyshev := variance / (variance + diff*diff)
				weight *= maxf(chebyshev*chebyshev*chebyshev, 0.05)
			}
		}

		weight = maxf(weight, 1e-6)
		// Crush tiny weights to reduce light leaking.
		const crush = 0.2
		if weight < crush {
			weight *= weight * weight / (crush * crush)
		}
		weight *= trilinear

		irr := sampleTile(s.irradiance, irrLayout, probe, normal).Vec3()
		if s.gamma > 0 {
			irr = powVec3(irr, s.gamma)
		}
		sum = sum.Add(irr.Mul(weight))
		weightSum += weight
	}

	if weightSum == 0 {
		return types.Vec3{}
	}
	return sum.Mul(1 / weightSum)
}

// sampleTile bilinearly samples the probe's tile in the direction dir. The
// tile border makes the filter wrap correctly across octahedral edges.
func sampleTile(tex *gpu.Texture, layout TileLayout, probe int, dir types.Vec3) types.Vec4 {
	ox, oy := layout.TileOrigin(probe)
	uv := OctEncode(dir)
	n := float32(layout.Texels)

	// Interior texel centers sit at 1.5 .. n+0.5 in tile space.
	fx := (uv[0]*0.5+0.5)*n + 0.5
	fy := (uv[1]*0.5+0.5)*n + 0.5
	x0 := clampIndex(int(math.Floor(float64(fx))), 0, layout.TileSize()-2)
	y0 := clampIndex(int(math.Floor(float64(fy))), 0, layout.TileSize()-2)
	ax := clamp(fx-float32(x0), 0, 1)
	ay := clamp(fy-float32(y0), 0, 1)

	top := tex.Load(ox+x0, oy+y0).Lerp(tex.Load(ox+x0+1, oy+y0), ax)
	bottom := tex.Load(ox+x0, oy+y0+1).Lerp(tex.Load(ox+x0+1, oy+y0+1), ax)
	return top.Lerp(bottom, ay)
}

func powVec3(v types.Vec3, e float32) types.Vec3 {
	return types.XYZ(pow(maxf(v[0], 0), e), pow(maxf(v[1], 0), e), pow(maxf(v[2], 0), e))
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func clampIndex(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
