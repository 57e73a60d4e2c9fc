package renderer

import (
	"fmt"

	"github.com/achilleasa/polaris-ddgi/accel"
	"github.com/achilleasa/polaris-ddgi/frame"
	"github.com/achilleasa/polaris-ddgi/gi"
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/scene"
	"github.com/achilleasa/polaris-ddgi/types"
)

const (
	vertexStride = 12
	indexStride  = 4
)

// GPU copies of the scene arena together with the acceleration structures
// built over them.
type sceneResources struct {
	vertices   []*gpu.UploadBuffer[types.Vec3]
	indices    []*gpu.UploadBuffer[uint32]
	materials  *gpu.UploadBuffer[gi.MaterialRecord]
	structures *accel.Structures
	giScene    *gi.Scene
}

// uploadScene copies the scene meshes and materials to upload heap buffers
// and builds one BLAS per mesh plus the scene TLAS. Every mesh primitive
// becomes a BLAS geometry; instance i uses the hit group records of
// layout.Offset(i).
func uploadScene(dev Device, sync *frame.Synchronizer, builder *accel.Builder, sc *scene.Scene) (res *sceneResources, err error) {
	res = &sceneResources{}
	defer func() {
		if err != nil {
			res.release(builder)
			res = nil
		}
	}()

	if res.materials, err = gpu.NewUploadBuffer[gi.MaterialRecord](dev, "materials", len(sc.Materials)); err != nil {
		return
	}
	records := make([]gi.MaterialRecord, len(sc.Materials))
	for i, mat := range sc.Materials {
		records[i] = materialRecord(mat)
	}
	if err = res.materials.Write(records); err != nil {
		return
	}

	meshGeoms := make([][]gpu.GeometryDesc, len(sc.Meshes))
	meshArgs := make([][]gi.HitGroupArgs, len(sc.Meshes))
	for i, mesh := range sc.Meshes {
		var (
			vb *gpu.UploadBuffer[types.Vec3]
			ib *gpu.UploadBuffer[uint32]
		)
		if vb, err = gpu.NewUploadBuffer[types.Vec3](dev, fmt.Sprintf("mesh-%d-vertices", i), len(mesh.Vertices)); err != nil {
			return
		}
		res.vertices = append(res.vertices, vb)
		if ib, err = gpu.NewUploadBuffer[uint32](dev, fmt.Sprintf("mesh-%d-indices", i), len(mesh.Indices)); err != nil {
			return
		}
		res.indices = append(res.indices, ib)
		if err = vb.Write(mesh.Vertices); err != nil {
			return
		}
		if err = ib.Write(mesh.Indices); err != nil {
			return
		}

		for _, prim := range mesh.Primitives {
			vbAddr := vb.ElementAddress(int(prim.FirstVertex))
			ibAddr := ib.ElementAddress(int(prim.FirstIndex))

			flags := gpu.GeometryFlagOpaque
			if sc.Materials[prim.MaterialIndex].Opacity < 1 {
				flags = gpu.GeometryFlagNone
			}
			meshGeoms[i] = append(meshGeoms[i], gpu.GeometryDesc{
				Flags:        flags,
				VertexBuffer: vbAddr,
				VertexStride: vertexStride,
				VertexCount:  int(prim.VertexCount),
				VertexFormat: gpu.FormatR32G32B32Float,
				IndexBuffer:  ibAddr,
				IndexCount:   int(prim.IndexCount),
				IndexFormat:  gpu.FormatR32Uint,
			})
			meshArgs[i] = append(meshArgs[i], gi.HitGroupArgs{
				VertexBuffer:  uint64(vbAddr),
				IndexBuffer:   uint64(ibAddr),
				VertexStride:  vertexStride,
				MaterialIndex: prim.MaterialIndex,
			})
		}
	}

	geomsPerInstance := make([]int, len(sc.Instances))
	for i, inst := range sc.Instances {
		geomsPerInstance[i] = len(meshGeoms[inst.Mesh])
	}
	layout := gi.NewHitGroupLayout(geomsPerInstance)

	specs := make([]accel.InstanceSpec, len(sc.Instances))
	geometries := make([][]gi.HitGroupArgs, len(sc.Instances))
	for i, inst := range sc.Instances {
		flags := gpu.InstanceFlagTriangleFrontCounterclockwise
		if inst.Opaque {
			flags |= gpu.InstanceFlagForceOpaque
		}
		specs[i] = accel.InstanceSpec{
			Mesh:           inst.Mesh,
			Transform:      inst.Transform.Mat3x4(),
			InstanceID:     uint32(i),
			Mask:           0xff,
			HitGroupOffset: layout.Offset(i),
			Flags:          flags,
		}
		geometries[i] = meshArgs[inst.Mesh]
	}

	err = sync.Flush(func(cl *gpu.CommandList) error {
		var buildErr error
		res.structures, buildErr = builder.Build(cl, meshGeoms, specs)
		return buildErr
	})
	if err != nil {
		return
	}
	builder.ReleaseRetired()

	res.giScene = &gi.Scene{
		TLAS:       res.structures.TLAS.Result,
		Layout:     layout,
		Geometries: geometries,
		Materials:  res.materials.Buffer(),
	}
	return res, nil
}

func materialRecord(mat scene.Material) gi.MaterialRecord {
	return gi.MaterialRecord{
		Albedo:   mat.Albedo,
		Opacity:  mat.Opacity,
		Emissive: mat.Emissive,
	}
}

func (res *sceneResources) release(builder *accel.Builder) {
	if res.structures != nil {
		res.structures.Release(builder)
		res.structures = nil
	}
	for _, vb := range res.vertices {
		vb.Release()
	}
	for _, ib := range res.indices {
		ib.Release()
	}
	res.vertices, res.indices = nil, nil
	if res.materials != nil {
		res.materials.Release()
		res.materials = nil
	}
	res.giScene = nil
}
