package gi

import (
	"errors"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/shader"
	"github.com/achilleasa/polaris-ddgi/types"
)

var ErrNotUpdated = errors.New("gi: view rendered before the first volume update")

// Root slot of the camera constants; the slots before it match the probe
// trace signature so the probe programs can shade camera rays.
const viewCamera = traceMaterials + 1

// CameraConstants place the camera of a View. Frustum holds the ray
// directions through the top-left, top-right, bottom-left and bottom-right
// image corners.
type CameraConstants struct {
	Position types.Vec4
	Frustum  [4]types.Vec4
	Size     [4]uint32
}

// View renders the scene from a camera, lighting every hit with the
// irradiance stored in the volume.
type View struct {
	vol           *Volume
	width, height int

	output *gpu.Texture
	heap   *gpu.DescriptorHeap
	desc   gpu.DescriptorHandle

	rs            *gpu.RootSignature
	pipeline      *gpu.StateObject
	rayGenTable   *shader.ShaderTable
	missTable     *shader.ShaderTable
	hitGroupTable *shader.ShaderTable
	cameraConsts  *gpu.UploadBuffer[CameraConstants]

	// Volume state the pipeline and hit groups were built against.
	generation   uint64
	sceneVersion uint64
}

// NewView allocates a width x height view of the volume's scene.
func (v *Volume) NewView(width, height int) (*View, error) {
	if width < 1 || height < 1 {
		return nil, gpu.NewConfigurationError("gi.NewView", "invalid view size %dx%d", width, height)
	}

	trace := newRootSignatures().trace
	params := append(append([]gpu.RootParameter(nil), trace.Params...), gpu.RootParameter{Name: "camera", Type: gpu.RootCBV})
	vw := &View{
		vol:    v,
		width:  width,
		height: height,
		rs:     &gpu.RootSignature{Name: "view-trace", Params: params},
	}

	var err error
	if vw.output, err = v.dev.CreateTexture(gpu.TextureDesc{
		Name:         "view-output",
		Width:        width,
		Height:       height,
		Format:       gpu.FormatR32G32B32A32Float,
		InitialState: gpu.StateUnorderedAccess,
		AllowUAV:     true,
	}); err != nil {
		return nil, err
	}
	if vw.heap, err = v.dev.CreateDescriptorHeap("view", 1); err != nil {
		vw.Release()
		return nil, err
	}
	if vw.desc, err = vw.heap.Allocate(); err == nil {
		err = vw.heap.WriteTextureUAV(vw.desc, vw.output)
	}
	if err == nil {
		vw.cameraConsts, err = gpu.NewUploadBuffer[CameraConstants](v.dev, "view-camera-constants", v.frames)
	}
	if err == nil {
		err = vw.buildPipeline()
	}
	if err != nil {
		vw.Release()
		return nil, err
	}
	return vw, nil
}

func (vw *View) buildPipeline() error {
	v := vw.vol
	viewModule, err := shader.CompileEmbedded("view_trace.wgsl", nil)
	if err != nil {
		return err
	}

	k := v.kernels
	so, err := shader.BuildPipeline(v.dev, shader.PipelineDesc{
		Name: "view-trace",
		Libraries: []shader.Library{
			{Module: viewModule, Programs: map[string]interface{}{"ViewRayGen": viewRayGen}},
			{Module: v.modules["probe_trace.wgsl"], Programs: map[string]interface{}{
				"Miss":       k.miss,
				"ShadowMiss": k.shadowMiss,
				"ClosestHit": k.closestHit,
				"AnyHit":     k.anyHit,
			}},
		},
		HitGroups: []gpu.HitGroupDesc{
			{Name: hitGroupProbe, ClosestHit: "ClosestHit", AnyHit: "AnyHit"},
			{Name: hitGroupShadow, AnyHit: "AnyHit"},
		},
		MaxRecursionDepth:   2,
		GlobalRootSignature: vw.rs,
		LocalRootSignatures: []gpu.LocalRootSignatureAssociation{
			{Signature: v.rs.hitGroup, Exports: []string{hitGroupProbe, hitGroupShadow}},
		},
	})
	if err != nil {
		return err
	}
	vw.pipeline = so

	vw.releaseTables()
	if vw.rayGenTable, err = shader.NewShaderTable(v.dev, "view-raygen", 1, 0); err != nil {
		return err
	}
	if _, err = vw.rayGenTable.AddExport(so, "ViewRayGen", nil); err != nil {
		return err
	}
	if vw.missTable, err = shader.NewShaderTable(v.dev, "view-miss", 2, 0); err != nil {
		return err
	}
	for _, export := range []string{"Miss", "ShadowMiss"} {
		if _, err = vw.missTable.AddExport(so, export, nil); err != nil {
			return err
		}
	}
	vw.generation = v.generation
	vw.sceneVersion = 0
	return nil
}

// sync rebuilds the pipeline after a volume resize and rewrites the hit
// groups after the scene changed.
func (vw *View) sync() error {
	v := vw.vol
	if vw.generation != v.generation {
		if err := vw.buildPipeline(); err != nil {
			return err
		}
	}
	if vw.sceneVersion != v.sceneVersion {
		table, err := writeHitGroups(v.dev, vw.hitGroupTable, "view-hit-groups", vw.pipeline, v.rs.hitGroup, v.scene)
		vw.hitGroupTable = table
		if err != nil {
			return err
		}
		vw.sceneVersion = v.sceneVersion
	}
	return nil
}

// Render records the camera ray dispatch into cl. It reads the volume
// constants of slot, so it must be recorded after the volume Update for the
// same slot.
func (vw *View) Render(cl Recorder, slot int, cam CameraConstants) error {
	v := vw.vol
	if v.scene == nil {
		return ErrNoScene
	}
	if v.frame == 0 {
		return ErrNotUpdated
	}
	if err := vw.sync(); err != nil {
		return err
	}

	cam.Size = [4]uint32{uint32(vw.width), uint32(vw.height), 0, 0}
	if err := vw.cameraConsts.WriteAt(slot, []CameraConstants{cam}); err != nil {
		return err
	}

	cl.SetPipelineState1(vw.pipeline)
	cl.SetComputeRootSignature(vw.rs)
	cl.SetComputeRootDescriptorTable(traceOutput, vw.desc)
	cl.SetComputeRootShaderResourceView(traceScene, v.scene.TLAS.Address())
	cl.SetComputeRootConstantBufferView(traceConstants, v.traceConsts.ElementAddress(slot))
	cl.SetComputeRootDescriptorTable(traceVolume, v.descs.Offset(descIrradianceSRV))
	cl.SetComputeRootShaderResourceView(traceMaterials, v.scene.Materials.Address())
	cl.SetComputeRootConstantBufferView(viewCamera, vw.cameraConsts.ElementAddress(slot))
	cl.DispatchRays(&gpu.DispatchRaysDesc{
		RayGeneration: vw.rayGenTable.Range(),
		Miss:          vw.missTable.Range(),
		HitGroup:      vw.hitGroupTable.Range(),
		Width:         vw.width,
		Height:        vw.height,
		Depth:         1,
	})
	cl.ResourceBarrier(gpu.UAVBarrier(vw.output))
	return nil
}

// Output returns the rendered image: radiance in rgb, hit distance in w.
func (vw *View) Output() *gpu.Texture { return vw.output }

// Size returns the view dimensions.
func (vw *View) Size() (int, int) { return vw.width, vw.height }

func (vw *View) releaseTables() {
	for _, table := range []*shader.ShaderTable{vw.rayGenTable, vw.missTable} {
		if table != nil {
			table.Release()
		}
	}
	vw.rayGenTable, vw.missTable = nil, nil
}

// Release frees the GPU resources owned by the view.
func (vw *View) Release() {
	vw.releaseTables()
	if vw.hitGroupTable != nil {
		vw.hitGroupTable.Release()
		vw.hitGroupTable = nil
	}
	if vw.cameraConsts != nil {
		vw.cameraConsts.Release()
		vw.cameraConsts = nil
	}
	if vw.output != nil {
		vw.output.Release()
		vw.output = nil
	}
}

func viewRayGen(ctx *gpu.RayGenContext) error {
	var cam CameraConstants
	if err := ctx.Bindings.Constants(viewCamera, &cam); err != nil {
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

	x, y := ctx.Index[0], ctx.Index[1]
	u := (float32(x) + 0.5) / float32(cam.Size[0])
	v := (float32(y) + 0.5) / float32(cam.Size[1])
	top := cam.Frustum[0].Lerp(cam.Frustum[1], u)
	bottom := cam.Frustum[2].Lerp(cam.Frustum[3], u)

	payload := gpu.RayPayload{}
	err = ctx.TraceRay(tlas, gpu.RayFlagNone, 0xff, RayTypeRadiance, RayTypeCount, missRadiance, gpu.Ray{
		Origin:    cam.Position.Vec3(),
		Direction: top.Lerp(bottom, v).Vec3().Normalize(),
		TMax:      MissDistance,
	}, &payload)
	if err != nil {
		return err
	}
	out.Store(x, y, payload.Radiance.Vec4(payload.Distance))
	return nil
}
