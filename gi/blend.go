package gi

import (
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/types"
)

// Root signature slots of the blend kernels.
const (
	blendConstants = iota
	blendRays
	blendAtlas
	blendProbes
)

// Root signature slots of the border kernels.
const (
	borderConstants = iota
	borderAtlas
)

// Hysteresis drop applied when a texel changes by more than the
// irradiance threshold.
const hysteresisDrop = 0.15

func (k *kernels) blendIrradiance(ctx *gpu.ComputeContext) error {
	return k.blend(ctx, k.irradianceTexels, false)
}

func (k *kernels) blendDistance(ctx *gpu.ComputeContext) error {
	return k.blend(ctx, k.distanceTexels, true)
}

// blend updates one atlas texel with the probe's ray samples of this
// frame. Each thread owns one texel; border texels are left to the border
// kernels.
func (k *kernels) blend(ctx *gpu.ComputeContext, texels int, distanceMode bool) error {
	var c BlendConstants
	if err := ctx.Bindings.Constants(blendConstants, &c); err != nil {
		return err
	}
	atlas, err := ctx.Bindings.Texture(blendAtlas, 0)
	if err != nil {
		return err
	}

	x, y := ctx.Index[0], ctx.Index[1]
	layout := NewTileLayout(Grid{Counts: [3]int{int(c.Counts[0]), int(c.Counts[1]), int(c.Counts[2])}}, texels)
	probe, tx, ty, ok := layout.Locate(x, y)
	if !ok || layout.IsBorder(tx, ty) {
		return nil
	}
	if k.tracking {
		probes, err := ctx.Bindings.Texture(blendProbes, 0)
		if err != nil {
			return err
		}
		if probes.Load(probe, 0)[3] == ProbeInactive {
			return nil
		}
	}
	rays, err := ctx.Bindings.Texture(blendRays, 0)
	if err != nil {
		return err
	}

	var (
		dir       = texelDirection(tx, ty, texels)
		rotation  = types.Quat{V: c.Rotation.Vec3(), W: c.Rotation[3]}
		sum, mean types.Vec3
		weightSum float32
	)
	for r := 0; r < k.raysPerProbe; r++ {
		sample := rays.Load(r, probe)
		weight := maxf(0, dir.Dot(RayDirection(rotation, r, k.raysPerProbe)))

		var value types.Vec3
		if distanceMode {
			d := abs(sample[3])
			if d > c.Thresholds[2] {
				d = c.Thresholds[2]
			}
			weight = pow(weight, c.Thresholds[3])
			value = types.XYZ(d, d*d, 0)
		} else {
			value = sample.Vec3()
			if lum := value.Luminance(); lum > c.Thresholds[0] {
				value = value.Mul(c.Thresholds[0] / lum)
			}
		}
		sum = sum.Add(value.Mul(weight))
		mean = mean.Add(value)
		weightSum += weight
	}

	// Texels facing away from every ray fall back to the row average.
	result := mean.Mul(1 / float32(k.raysPerProbe))
	if weightSum > 0 {
		result = sum.Mul(1 / weightSum)
	}
	if !distanceMode && k.gamma > 0 {
		result = powVec3(result, 1/k.gamma)
	}

	previous := atlas.Load(x, y).Vec3()
	hysteresis := k.hysteresis
	if !distanceMode && c.Thresholds[1] > 0 && abs(result.Luminance()-previous.Luminance()) > c.Thresholds[1] {
		hysteresis = maxf(hysteresis-hysteresisDrop, 0)
	}
	atlas.Store(x, y, result.Lerp(previous, hysteresis).Vec4(1))
	return nil
}

// borderRows copies the mirrored top and bottom interior rows of each tile
// into its border rows.
func borderRows(ctx *gpu.ComputeContext) error {
	atlas, tile, err := borderTarget(ctx)
	if err != nil || atlas == nil {
		return err
	}
	x, y := ctx.Index[0], ctx.Index[1]
	tx, ty := x%tile, y%tile
	if tx == 0 || tx == tile-1 {
		return nil
	}
	baseX, baseY := x-tx, y-ty
	mirrored := baseX + tile - 1 - tx
	switch ty {
	case 0:
		atlas.Store(x, y, atlas.Load(mirrored, baseY+1))
	case tile - 1:
		atlas.Store(x, y, atlas.Load(mirrored, baseY+tile-2))
	}
	return nil
}

// borderColumns fills the side borders with the mirrored interior columns
// and the corners with the diagonally opposite interior corner.
func borderColumns(ctx *gpu.ComputeContext) error {
	atlas, tile, err := borderTarget(ctx)
	if err != nil || atlas == nil {
		return err
	}
	x, y := ctx.Index[0], ctx.Index[1]
	tx, ty := x%tile, y%tile
	baseX, baseY := x-tx, y-ty
	sideX := tx == 0 || tx == tile-1
	sideY := ty == 0 || ty == tile-1

	switch {
	case sideX && sideY:
		cx, cy := baseX+1, baseY+1
		if tx == 0 {
			cx = baseX + tile - 2
		}
		if ty == 0 {
			cy = baseY + tile - 2
		}
		atlas.Store(x, y, atlas.Load(cx, cy))
	case tx == 0:
		atlas.Store(x, y, atlas.Load(baseX+1, baseY+tile-1-ty))
	case tx == tile-1:
		atlas.Store(x, y, atlas.Load(baseX+tile-2, baseY+tile-1-ty))
	}
	return nil
}

// borderTarget returns the atlas and tile size, or a nil atlas when the
// thread falls outside the atlas.
func borderTarget(ctx *gpu.ComputeContext) (*gpu.Texture, int, error) {
	var c BorderConstants
	if err := ctx.Bindings.Constants(borderConstants, &c); err != nil {
		return nil, 0, err
	}
	atlas, err := ctx.Bindings.Texture(borderAtlas, 0)
	if err != nil {
		return nil, 0, err
	}
	if x, y := ctx.Index[0], ctx.Index[1]; x >= atlas.Width() || y >= atlas.Height() {
		return nil, 0, nil
	}
	return atlas, int(c.Counts[2]) + 2, nil
}
