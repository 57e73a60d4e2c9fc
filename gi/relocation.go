package gi

import (
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/types"
)

// Root signature slots of the relocation and classification kernels.
const (
	relocationConstants = iota
	relocationRays
	relocationProbes
)

// Relocated probes stay within this fraction of a grid cell from their
// lattice position.
const maxRelocation = 0.45

type rayStats struct {
	backfaces        int
	closestBack      float32
	closestBackDir   types.Vec3
	closestFront     float32
	closestFrontDir  types.Vec3
	frontfaceInRange bool
}

func (k *kernels) probeRayStats(rays *gpu.Texture, probe int, rotation types.Quat, cellRange float32) rayStats {
	stats := rayStats{closestBack: MissDistance, closestFront: MissDistance}
	for r := 0; r < k.raysPerProbe; r++ {
		d := rays.Load(r, probe)[3]
		if d < 0 {
			stats.backfaces++
			if t := d / backfaceDistanceScale; t < stats.closestBack {
				stats.closestBack = t
				stats.closestBackDir = RayDirection(rotation, r, k.raysPerProbe)
			}
			continue
		}
		if d < stats.closestFront {
			stats.closestFront = d
			stats.closestFrontDir = RayDirection(rotation, r, k.raysPerProbe)
		}
		if d <= cellRange {
			stats.frontfaceInRange = true
		}
	}
	return stats
}

// relocationTarget loads the constants and resources shared by the
// relocation kernels. It returns probe < 0 for threads past the last probe.
func relocationTarget(ctx *gpu.ComputeContext) (c RelocationConstants, rays, probes *gpu.Texture, probe int, err error) {
	if err = ctx.Bindings.Constants(relocationConstants, &c); err != nil {
		return
	}
	probe = ctx.Index[0]
	if probe >= int(c.Counts[0]*c.Counts[1]*c.Counts[2]) {
		probe = -1
		return
	}
	if rays, err = ctx.Bindings.Texture(relocationRays, 0); err != nil {
		return
	}
	probes, err = ctx.Bindings.Texture(relocationProbes, 0)
	return
}

// relocate moves probes out of geometry. A probe that sees mostly
// backfaces is moved through the closest backface; a probe too close to a
// frontface is pushed away from it.
func (k *kernels) relocate(ctx *gpu.ComputeContext) error {
	c, rays, probes, probe, err := relocationTarget(ctx)
	if err != nil || probe < 0 {
		return err
	}

	rotation := types.Quat{V: c.Rotation.Vec3(), W: c.Rotation[3]}
	stats := k.probeRayStats(rays, probe, rotation, 0)
	data := probes.Load(probe, 0)
	offset := data.Vec3()

	backfaceFraction := float32(stats.backfaces) / float32(k.raysPerProbe)
	minFront := c.Thresholds[1]
	switch {
	case backfaceFraction > c.Thresholds[0]:
		offset = offset.Add(stats.closestBackDir.Mul(stats.closestBack + minFront*0.5))
	case stats.closestFront < minFront:
		offset = offset.Sub(stats.closestFrontDir.Mul(minFront - stats.closestFront))
	}
	for axis := 0; axis < 3; axis++ {
		limit := c.Spacing[axis] * maxRelocation
		offset[axis] = clamp(offset[axis], -limit, limit)
	}
	probes.Store(probe, 0, offset.Vec4(data[3]))
	return nil
}

// classify disables probes inside geometry and probes whose cell contains
// no surface.
func (k *kernels) classify(ctx *gpu.ComputeContext) error {
	c, rays, probes, probe, err := relocationTarget(ctx)
	if err != nil || probe < 0 {
		return err
	}

	cell := maxf(c.Spacing[0], maxf(c.Spacing[1], c.Spacing[2]))
	rotation := types.Quat{V: c.Rotation.Vec3(), W: c.Rotation[3]}
	stats := k.probeRayStats(rays, probe, rotation, cell)

	state := ProbeActive
	if float32(stats.backfaces)/float32(k.raysPerProbe) > c.Thresholds[0] || !stats.frontfaceInRange {
		state = ProbeInactive
	}
	data := probes.Load(probe, 0)
	probes.Store(probe, 0, data.Vec3().Vec4(state))
	return nil
}
