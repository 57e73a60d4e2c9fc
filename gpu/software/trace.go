package software

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

const intersectEpsilon = 1e-9

// shaderTable is a resolved view of a shader table range.
type shaderTable struct {
	name   string
	buf    *gpu.Buffer
	offset int64
	stride int64
	count  int
}

func (d *Device) resolveTable(name string, r gpu.ShaderTableRange) (shaderTable, error) {
	if r.Size == 0 {
		return shaderTable{name: name}, nil
	}
	buf, offset, err := d.Resolve(r.Start)
	if err != nil {
		return shaderTable{}, fmt.Errorf("software: %s shader table: %w", name, err)
	}
	if r.Stride < gpu.ShaderIdentifierSize || offset+r.Size > buf.Size() {
		return shaderTable{}, fmt.Errorf("software: %s shader table (stride %d, size %d) does not fit %q", name, r.Stride, r.Size, buf.Name())
	}
	return shaderTable{name: name, buf: buf, offset: offset, stride: r.Stride, count: r.Count()}, nil
}

// record returns the export and local arguments of record index. A zeroed
// identifier is a null record and yields a nil export.
func (t shaderTable) record(so *gpu.StateObject, index int) (*gpu.Export, []byte, error) {
	if index < 0 || index >= t.count {
		return nil, nil, fmt.Errorf("software: %s shader table index %d out of range [0, %d)", t.name, index, t.count)
	}
	start := t.offset + int64(index)*t.stride
	rec := t.buf.Bytes()[start : start+t.stride]

	var id gpu.ShaderIdentifier
	copy(id[:], rec[:gpu.ShaderIdentifierSize])
	if id == (gpu.ShaderIdentifier{}) {
		return nil, nil, nil
	}
	exp, ok := so.Lookup(id)
	if !ok {
		return nil, nil, fmt.Errorf("software: %s shader table record %d: %w", t.name, index, gpu.ErrUnknownShaderExport)
	}
	return exp, rec[gpu.ShaderIdentifierSize:], nil
}

// rayDispatch holds the state of a single DispatchRays command.
type rayDispatch struct {
	dev      *Device
	so       *gpu.StateObject
	bindings *gpu.Bindings
	missTbl  shaderTable
	hitTbl   shaderTable
}

// tracer implements gpu.Tracer for one program invocation.
type tracer struct {
	rd    *rayDispatch
	depth int
	dctx  gpu.DispatchContext
}

func (d *Device) dispatchRays(ctx context.Context, so *gpu.StateObject, bindings *gpu.Bindings, desc *gpu.DispatchRaysDesc) error {
	if so == nil {
		return fmt.Errorf("software: DispatchRays without a raytracing state object")
	}
	if missing := bindings.Missing(); len(missing) != 0 {
		return fmt.Errorf("software: DispatchRays with unbound root parameters %v", missing)
	}

	rayGenTbl, err := d.resolveTable("ray generation", desc.RayGeneration)
	if err != nil {
		return err
	}
	rayGen, rayGenArgs, err := rayGenTbl.record(so, 0)
	if err != nil {
		return err
	}
	if rayGen == nil || rayGen.Kind != gpu.ExportRayGen {
		return fmt.Errorf("software: ray generation shader table does not reference a ray generation export")
	}

	rd := &rayDispatch{dev: d, so: so, bindings: bindings}
	if rd.missTbl, err = d.resolveTable("miss", desc.Miss); err != nil {
		return err
	}
	if rd.hitTbl, err = d.resolveTable("hit group", desc.HitGroup); err != nil {
		return err
	}

	dims := [3]int{desc.Width, desc.Height, desc.Depth}
	if dims[2] == 0 {
		dims[2] = 1
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.workers)
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			group.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				for x := 0; x < dims[0]; x++ {
					dctx := gpu.DispatchContext{Bindings: bindings, Index: [3]int{x, y, z}, Dims: dims}
					rctx := &gpu.RayGenContext{
						DispatchContext: dctx,
						Tracer:          &tracer{rd: rd, dctx: dctx},
						LocalArgs:       rayGenArgs,
					}
					if err := rayGen.RayGen(rctx); err != nil {
						return fmt.Errorf("software: ray generation %q at %v: %w", rayGen.Name, dctx.Index, err)
					}
				}
				return nil
			})
		}
	}
	return group.Wait()
}

type hitRecord struct {
	found bool
	t     float32
	u, v  float32
	front bool
	inst  *instance
	tri   *triangle
}

// TraceRay implements gpu.Tracer.
func (tr *tracer) TraceRay(tlasBuf *gpu.Buffer, flags gpu.RayFlags, mask uint8, rayContribution, multiplier, missIndex int, ray gpu.Ray, payload *gpu.RayPayload) error {
	if tr.depth >= tr.rd.so.MaxRecursionDepth() {
		return fmt.Errorf("software: TraceRay exceeds max recursion depth %d", tr.rd.so.MaxRecursionDepth())
	}
	tlas, ok := tlasBuf.Native().(*topLevel)
	if !ok {
		return fmt.Errorf("software: TraceRay: %w: %q", gpu.ErrNotAccelerationStruct, tlasBuf.Name())
	}

	child := &tracer{rd: tr.rd, depth: tr.depth + 1, dctx: tr.dctx}
	hit, err := child.traverse(tlas, flags, mask, rayContribution, multiplier, ray, payload)
	if err != nil {
		return err
	}

	if !hit.found {
		exp, args, err := tr.rd.missTbl.record(tr.rd.so, missIndex)
		if err != nil {
			return err
		}
		if exp == nil || exp.Miss == nil {
			return nil
		}
		return exp.Miss(&gpu.MissContext{DispatchContext: tr.dctx, Tracer: child, WorldRay: ray, LocalArgs: args}, payload)
	}

	if flags&gpu.RayFlagSkipClosestHitShader != 0 {
		return nil
	}
	exp, args, err := tr.rd.hitTbl.record(tr.rd.so, hitGroupIndex(rayContribution, multiplier, hit))
	if err != nil {
		return err
	}
	if exp == nil || exp.ClosestHit == nil {
		return nil
	}
	return exp.ClosestHit(child.hitContext(ray, hit, args), payload)
}

func hitGroupIndex(rayContribution, multiplier int, hit hitRecord) int {
	return rayContribution + hit.tri.geometryIndex*multiplier + int(hit.inst.desc.HitGroupOffset)
}

func (tr *tracer) hitContext(ray gpu.Ray, hit hitRecord, args []byte) *gpu.HitContext {
	kind := gpu.HitKindBackFace
	if hit.front {
		kind = gpu.HitKindFrontFace
	}
	return &gpu.HitContext{
		DispatchContext: tr.dctx,
		Tracer:          tr,
		WorldRay:        ray,
		HitT:            hit.t,
		Kind:            kind,
		InstanceIndex:   hit.inst.index,
		InstanceID:      hit.inst.desc.InstanceID,
		GeometryIndex:   hit.tri.geometryIndex,
		PrimitiveIndex:  hit.tri.primitiveIndex,
		Barycentrics:    [2]float32{hit.u, hit.v},
		ObjectToWorld:   hit.inst.desc.Transform,
		LocalArgs:       args,
	}
}

// traverse walks the TLAS and returns the committed hit.
func (tr *tracer) traverse(tlas *topLevel, flags gpu.RayFlags, mask uint8, rayContribution, multiplier int, ray gpu.Ray, payload *gpu.RayPayload) (hitRecord, error) {
	var best hitRecord
	tMax := ray.TMax
	invDir := invDirection(ray.Direction)

	stack := make([]int32, 1, 64)
	for len(stack) > 0 {
		node := &tlas.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if !intersectAABB(node.min, node.max, ray.Origin, invDir, ray.TMin, tMax) {
			continue
		}
		if !node.isLeaf() {
			stack = append(stack, node.left, node.right)
			continue
		}

		for _, inst := range tlas.instances[node.first : node.first+node.count] {
			if inst.desc.Mask&mask == 0 {
				continue
			}
			objRay := gpu.Ray{
				Origin:    inst.worldToObject.TransformPoint(ray.Origin),
				Direction: inst.worldToObject.TransformVector(ray.Direction),
				TMin:      ray.TMin,
				TMax:      tMax,
			}
			done, err := tr.traverseBottomLevel(inst, objRay, flags, rayContribution, multiplier, ray, payload, &best)
			if err != nil {
				return hitRecord{}, err
			}
			if best.found {
				tMax = best.t
			}
			if done {
				return best, nil
			}
		}
	}
	return best, nil
}

// traverseBottomLevel intersects an object space ray with an instance BLAS.
// It returns true when the search must end.
func (tr *tracer) traverseBottomLevel(inst *instance, ray gpu.Ray, flags gpu.RayFlags, rayContribution, multiplier int, worldRay gpu.Ray, payload *gpu.RayPayload, best *hitRecord) (bool, error) {
	blas := inst.blas
	invDir := invDirection(ray.Direction)
	frontCCW := inst.desc.Flags&gpu.InstanceFlagTriangleFrontCounterclockwise != 0
	cullDisabled := inst.desc.Flags&gpu.InstanceFlagTriangleCullDisable != 0

	stack := make([]int32, 1, 64)
	for len(stack) > 0 {
		node := &blas.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if !intersectAABB(node.min, node.max, ray.Origin, invDir, ray.TMin, ray.TMax) {
			continue
		}
		if !node.isLeaf() {
			stack = append(stack, node.left, node.right)
			continue
		}

		for _, tri := range blas.triangles[node.first : node.first+node.count] {
			t, u, v, ccw, ok := intersectTriangle(tri, ray)
			if !ok || t < ray.TMin || t > ray.TMax {
				continue
			}
			front := ccw == frontCCW
			if !cullDisabled {
				if flags&gpu.RayFlagCullBackFacingTriangles != 0 && !front {
					continue
				}
				if flags&gpu.RayFlagCullFrontFacingTriangles != 0 && front {
					continue
				}
			}

			candidate := hitRecord{found: true, t: t, u: u, v: v, front: front, inst: inst, tri: tri}
			endSearch := flags&gpu.RayFlagAcceptFirstHitAndEndSearch != 0

			if !isOpaque(tri, inst, flags) {
				exp, args, err := tr.rd.hitTbl.record(tr.rd.so, hitGroupIndex(rayContribution, multiplier, candidate))
				if err != nil {
					return false, err
				}
				if exp != nil && exp.AnyHit != nil {
					res, err := exp.AnyHit(tr.hitContext(worldRay, candidate, args), payload)
					if err != nil {
						return false, err
					}
					if res == gpu.AnyHitIgnore {
						continue
					}
					if res == gpu.AnyHitAcceptAndEndSearch {
						endSearch = true
					}
				}
			}

			*best = candidate
			ray.TMax = t
			if endSearch {
				return true, nil
			}
		}
	}
	return false, nil
}

func isOpaque(tri *triangle, inst *instance, flags gpu.RayFlags) bool {
	opaque := tri.opaque
	if inst.desc.Flags&gpu.InstanceFlagForceOpaque != 0 {
		opaque = true
	} else if inst.desc.Flags&gpu.InstanceFlagForceNonOpaque != 0 {
		opaque = false
	}
	if flags&gpu.RayFlagForceOpaque != 0 {
		opaque = true
	} else if flags&gpu.RayFlagForceNonOpaque != 0 {
		opaque = false
	}
	return opaque
}

// Möller-Trumbore ray/triangle intersection. ccw reports whether the
// triangle winds counter-clockwise as seen from the ray origin.
func intersectTriangle(tri *triangle, ray gpu.Ray) (t, u, v float32, ccw, ok bool) {
	pvec := ray.Direction.Cross(tri.e2)
	det := tri.e1.Dot(pvec)
	if det > -intersectEpsilon && det < intersectEpsilon {
		return 0, 0, 0, false, false
	}
	invDet := 1 / det
	tvec := ray.Origin.Sub(tri.v0)
	u = tvec.Dot(pvec) * invDet
	if u < 0 || u > 1 {
		return 0, 0, 0, false, false
	}
	qvec := tvec.Cross(tri.e1)
	v = ray.Direction.Dot(qvec) * invDet
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false, false
	}
	t = tri.e2.Dot(qvec) * invDet
	return t, u, v, det > 0, true
}
