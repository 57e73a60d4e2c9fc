package gi

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/types"
)

// Global root signature slots of the ray pipeline.
const (
	traceOutput = iota
	traceScene
	traceConstants
	traceVolume
	traceMaterials
)

// Entries of the trace volume descriptor table.
const (
	volumeIrradiance = iota
	volumeDistance
	volumeProbeData
)

// kernels holds the values the shader sources receive as compile time
// defines; the host programs close over them.
type kernels struct {
	raysPerProbe     int
	irradianceTexels int
	distanceTexels   int
	hysteresis       float32
	gamma            float32
	tracking         bool
}

func (k *kernels) rayGen(ctx *gpu.RayGenContext) error {
	var c VolumeConstants
	if err := ctx.Bindings.Constants(traceConstants, &c); err != nil {
		return err
	}
	out, err := ctx.Bindings.Texture(traceOutput, 0)
	if err != nil {
		return err
	}
	tlas, err := ctx.Bindings.AccelerationStructure(traceScene)
	if err != nil {
		return err
	}
	probes, err := ctx.Bindings.Texture(traceVolume, volumeProbeData)
	if err != nil {
		return err
	}

	ray, probe := ctx.Index[0], ctx.Index[1]
	origin := c.grid().LatticePosition(probe).Add(probes.Load(probe, 0).Vec3())
	payload := gpu.RayPayload{}
	err = ctx.TraceRay(tlas, gpu.RayFlagNone, 0xff, RayTypeRadiance, RayTypeCount, missRadiance, gpu.Ray{
		Origin:    origin,
		Direction: RayDirection(c.rotation(), ray, k.raysPerProbe),
		TMax:      c.Origin[3],
	}, &payload)
	if err != nil {
		return err
	}
	out.Store(ray, probe, payload.Radiance.Vec4(payload.Distance))
	return nil
}

func (k *kernels) miss(ctx *gpu.MissContext, payload *gpu.RayPayload) error {
	var c VolumeConstants
	if err := ctx.Bindings.Constants(traceConstants, &c); err != nil {
		return err
	}
	payload.Radiance = c.MissRadiance.Vec3()
	payload.Distance = MissDistance
	return nil
}

func (k *kernels) shadowMiss(_ *gpu.MissContext, payload *gpu.RayPayload) error {
	payload.Visibility = 1
	return nil
}

func (k *kernels) closestHit(ctx *gpu.HitContext, payload *gpu.RayPayload) error {
	// Backfaces only tell relocation and classification that the probe
	// may sit inside geometry.
	if ctx.Kind == gpu.HitKindBackFace {
		payload.Radiance = types.Vec3{}
		payload.Distance = backfaceDistanceScale * ctx.HitT
		return nil
	}

	var c VolumeConstants
	if err := ctx.Bindings.Constants(traceConstants, &c); err != nil {
		return err
	}
	surf, err := loadSurface(ctx)
	if err != nil {
		return err
	}
	var mat MaterialRecord
	if err = ctx.Bindings.StructuredElement(traceMaterials, int(surf.material), &mat); err != nil {
		return err
	}

	radiance := mat.Emissive
	if sun := c.SunRadiance.Vec3(); sun.MaxAbs() > 0 {
		toLight := c.SunDirection.Vec3().Neg().Normalize()
		if nDotL := surf.normal.Dot(toLight); nDotL > 0 {
			visible, err := traceShadow(ctx, surf.position.Add(surf.normal.Mul(c.Spacing[3])), toLight)
			if err != nil {
				return err
			}
			if visible {
				radiance = radiance.Add(mat.Albedo.MulVec(sun).Mul(nDotL / math.Pi))
			}
		}
	}

	// Indirect light comes from the volume itself; every frame adds a bounce.
	irradiance, err := ctx.Bindings.Texture(traceVolume, volumeIrradiance)
	if err != nil {
		return err
	}
	distance, err := ctx.Bindings.Texture(traceVolume, volumeDistance)
	if err != nil {
		return err
	}
	probes, err := ctx.Bindings.Texture(traceVolume, volumeProbeData)
	if err != nil {
		return err
	}
	s := sampler{
		consts:     &c,
		irradiance: irradiance,
		distance:   distance,
		probes:     probes,
		tracking:   k.tracking,
		gamma:      k.gamma,
	}
	indirect := s.irradianceAt(surf.position, surf.normal, ctx.WorldRay.Direction)
	radiance = radiance.Add(mat.Albedo.MulVec(indirect))

	payload.Radiance = radiance
	payload.Distance = ctx.HitT
	return nil
}

// anyHit skips geometry with cut-out materials.
func (k *kernels) anyHit(ctx *gpu.HitContext, _ *gpu.RayPayload) (gpu.AnyHitResult, error) {
	var args HitGroupArgs
	if err := decodeArgs(ctx.LocalArgs, &args); err != nil {
		return gpu.AnyHitAccept, err
	}
	var mat MaterialRecord
	if err := ctx.Bindings.StructuredElement(traceMaterials, int(args.MaterialIndex), &mat); err != nil {
		return gpu.AnyHitAccept, err
	}
	if mat.Opacity < 0.5 {
		return gpu.AnyHitIgnore, nil
	}
	return gpu.AnyHitAccept, nil
}

func traceShadow(ctx *gpu.HitContext, origin, dir types.Vec3) (bool, error) {
	tlas, err := ctx.Bindings.AccelerationStructure(traceScene)
	if err != nil {
		return false, err
	}
	payload := gpu.RayPayload{}
	err = ctx.TraceRay(
		tlas,
		gpu.RayFlagAcceptFirstHitAndEndSearch|gpu.RayFlagSkipClosestHitShader,
		0xff, RayTypeShadow, RayTypeCount, missShadow,
		gpu.Ray{Origin: origin, Direction: dir, TMax: MissDistance},
		&payload,
	)
	return payload.Visibility > 0, err
}

type surface struct {
	position types.Vec3
	normal   types.Vec3
	material uint32
}

// loadSurface reconstructs the hit point and its geometric normal from the
// vertex and index buffers referenced by the hit group record. The normal
// faces the incoming ray.
func loadSurface(ctx *gpu.HitContext) (surface, error) {
	var args HitGroupArgs
	if err := decodeArgs(ctx.LocalArgs, &args); err != nil {
		return surface{}, err
	}

	indices := [3]uint32{uint32(3 * ctx.PrimitiveIndex), uint32(3*ctx.PrimitiveIndex + 1), uint32(3*ctx.PrimitiveIndex + 2)}
	if args.IndexBuffer != 0 {
		ib, offset, err := ctx.Bindings.Resolver.Resolve(gpu.Address(args.IndexBuffer))
		if err != nil {
			return surface{}, err
		}
		if err = gpu.DecodeAt(ib, offset+int64(12*ctx.PrimitiveIndex), &indices); err != nil {
			return surface{}, err
		}
	}

	vb, offset, err := ctx.Bindings.Resolver.Resolve(gpu.Address(args.VertexBuffer))
	if err != nil {
		return surface{}, err
	}
	var p [3]types.Vec3
	for i, index := range indices {
		var v types.Vec3
		if err = gpu.DecodeAt(vb, offset+int64(index)*int64(args.VertexStride), &v); err != nil {
			return surface{}, err
		}
		p[i] = ctx.ObjectToWorld.TransformPoint(v)
	}

	u, v := ctx.Barycentrics[0], ctx.Barycentrics[1]
	position := p[0].Mul(1 - u - v).Add(p[1].Mul(u)).Add(p[2].Mul(v))
	normal := p[1].Sub(p[0]).Cross(p[2].Sub(p[0])).Normalize()
	if normal.Dot(ctx.WorldRay.Direction) > 0 {
		normal = normal.Neg()
	}
	return surface{position: position, normal: normal, material: args.MaterialIndex}, nil
}

func decodeArgs(data []byte, args *HitGroupArgs) error {
	if _, err := binary.Decode(data, binary.LittleEndian, args); err != nil {
		return fmt.Errorf("gi: could not decode hit group arguments: %w", err)
	}
	return nil
}
