// Package gi implements a dynamic diffuse global illumination probe volume.
// Every frame the volume traces rays from a lattice of probes, blends the
// results into irradiance and distance atlases and optionally relocates and
// classifies the probes.
package gi

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/shader"
	"github.com/achilleasa/polaris-ddgi/types"
)

var (
	ErrNoScene     = errors.New("gi: no scene bound to the volume")
	ErrSceneLayout = errors.New("gi: scene geometry does not match the hit group layout")
)

// Exponent used when IrradianceGammaEncoding is enabled.
const irradianceGamma = 5

// Hit group export names.
const (
	hitGroupProbe  = "ProbeHitGroup"
	hitGroupShadow = "ShadowHitGroup"
)

// Descriptor heap layout.
const (
	descRayDataUAV = iota
	descIrradianceSRV
	descDistanceSRV
	descProbeDataSRV
	descRayDataSRV
	descIrradianceUAV
	descDistanceUAV
	descProbeDataUAV
	descCount
)

const (
	atlasGroupSize = 8
	probeGroupSize = 32
)

// Device is the subset of gpu.Device used by the volume.
type Device interface {
	gpu.BufferCreator
	CreateTexture(desc gpu.TextureDesc) (*gpu.Texture, error)
	CreateDescriptorHeap(name string, capacity int) (*gpu.DescriptorHeap, error)
	shader.PipelineDevice
}

// Recorder is the subset of gpu.CommandList used to record volume updates.
type Recorder interface {
	ResourceBarrier(barriers ...gpu.Barrier)
	SetPipelineState1(so *gpu.StateObject)
	SetPipelineState(ps *gpu.PipelineState)
	SetComputeRootSignature(rs *gpu.RootSignature)
	SetComputeRootDescriptorTable(index int, base gpu.DescriptorHandle)
	SetComputeRootConstantBufferView(index int, addr gpu.Address)
	SetComputeRootShaderResourceView(index int, addr gpu.Address)
	DispatchRays(desc *gpu.DispatchRaysDesc)
	Dispatch(x, y, z int)
	ClearUnorderedAccessViewFloat(tex *gpu.Texture, value types.Vec4)
}

// Scene is the geometry traced by the volume.
type Scene struct {
	TLAS *gpu.Buffer

	// Hit group layout used for the TLAS instance offsets.
	Layout shader.TableLayout

	// Local arguments of every geometry, per TLAS instance.
	Geometries [][]HitGroupArgs

	// Structured buffer of MaterialRecord entries.
	Materials *gpu.Buffer
}

// NewHitGroupLayout returns the hit group table layout for instances with
// the given geometry counts. Instances must use Offset(i) as their hit
// group offset.
func NewHitGroupLayout(geometriesPerInstance []int) shader.TableLayout {
	return shader.NewTableLayout(RayTypeCount, geometriesPerInstance)
}

type pipelines struct {
	trace           *gpu.StateObject
	blendIrradiance *gpu.PipelineState
	blendDistance   *gpu.PipelineState
	borderRows      *gpu.PipelineState
	borderColumns   *gpu.PipelineState
	relocate        *gpu.PipelineState
	classify        *gpu.PipelineState
}

type rootSignatures struct {
	trace, hitGroup, blend, border, relocation *gpu.RootSignature
}

// Volume owns the probe atlases and the pipelines that update them.
type Volume struct {
	dev    Device
	logger log.Logger
	frames int

	cfg              config.Volume
	grid             Grid
	irradianceLayout TileLayout
	distanceLayout   TileLayout
	kernels          *kernels
	modules          map[string]*gpu.ShaderModule

	rayData    *gpu.Texture
	irradiance *gpu.Texture
	distance   *gpu.Texture
	probeData  *gpu.Texture
	heap       *gpu.DescriptorHeap
	descs      gpu.DescriptorHandle

	rs        rootSignatures
	pipelines pipelines

	rayGenTable   *shader.ShaderTable
	missTable     *shader.ShaderTable
	hitGroupTable *shader.ShaderTable

	traceConsts      *gpu.UploadBuffer[VolumeConstants]
	blendConsts      *gpu.UploadBuffer[BlendConstants]
	borderConsts     *gpu.UploadBuffer[BorderConstants]
	relocationConsts *gpu.UploadBuffer[RelocationConstants]

	scene        *Scene
	sceneVersion uint64

	// Bumped whenever build recreates the pipelines and atlases.
	generation uint64

	rng      *rand.Rand
	rotation types.Quat
	frame    uint64
}

// New allocates a volume for cfg. frames is the number of frames that may
// be in flight; each gets its own copy of the per-frame constants.
func New(dev Device, cfg config.Volume, frames int) (*Volume, error) {
	if frames < 1 {
		return nil, gpu.NewConfigurationError("gi.New", "frame count must be at least 1; got %d", frames)
	}
	v := &Volume{
		dev:      dev,
		logger:   log.New("gi"),
		frames:   frames,
		rs:       newRootSignatures(),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		rotation: types.QuatIdent(),
	}
	if err := v.build(cfg); err != nil {
		v.Release()
		return nil, err
	}
	return v, nil
}

func newRootSignatures() rootSignatures {
	return rootSignatures{
		trace: &gpu.RootSignature{Name: "probe-trace", Params: []gpu.RootParameter{
			traceOutput:    {Name: "ray-data", Type: gpu.RootDescriptorTable, Count: 1},
			traceScene:     {Name: "scene", Type: gpu.RootSRV},
			traceConstants: {Name: "volume-constants", Type: gpu.RootCBV},
			traceVolume:    {Name: "volume", Type: gpu.RootDescriptorTable, Count: 3},
			traceMaterials: {Name: "materials", Type: gpu.RootSRV},
		}},
		hitGroup: &gpu.RootSignature{Name: "probe-hit-group", Local: true, Params: []gpu.RootParameter{
			{Name: "vertices", Type: gpu.RootSRV},
			{Name: "indices", Type: gpu.RootSRV},
			{Name: "geometry", Type: gpu.RootConstants, Count: 2},
		}},
		blend: &gpu.RootSignature{Name: "probe-blend", Params: []gpu.RootParameter{
			blendConstants: {Name: "blend-constants", Type: gpu.RootCBV},
			blendRays:      {Name: "ray-data", Type: gpu.RootDescriptorTable, Count: 1},
			blendAtlas:     {Name: "atlas", Type: gpu.RootDescriptorTable, Count: 1},
			blendProbes:    {Name: "probe-data", Type: gpu.RootDescriptorTable, Count: 1},
		}},
		border: &gpu.RootSignature{Name: "probe-border", Params: []gpu.RootParameter{
			borderConstants: {Name: "border-constants", Type: gpu.RootCBV},
			borderAtlas:     {Name: "atlas", Type: gpu.RootDescriptorTable, Count: 1},
		}},
		relocation: &gpu.RootSignature{Name: "probe-relocation", Params: []gpu.RootParameter{
			relocationConstants: {Name: "relocation-constants", Type: gpu.RootCBV},
			relocationRays:      {Name: "ray-data", Type: gpu.RootDescriptorTable, Count: 1},
			relocationProbes:    {Name: "probe-data", Type: gpu.RootDescriptorTable, Count: 1},
		}},
	}
}

func (v *Volume) build(cfg config.Volume) error {
	if err := checkVolumeConfig(&cfg); err != nil {
		return err
	}
	v.cfg = cfg
	v.grid = Grid{Origin: cfg.Origin, Spacing: cfg.ProbeSpacing, Counts: cfg.ProbeCounts}
	v.irradianceLayout = NewTileLayout(v.grid, cfg.IrradianceTexels)
	v.distanceLayout = NewTileLayout(v.grid, cfg.DistanceTexels)
	v.kernels = &kernels{
		raysPerProbe:     cfg.RaysPerProbe,
		irradianceTexels: cfg.IrradianceTexels,
		distanceTexels:   cfg.DistanceTexels,
		hysteresis:       cfg.Hysteresis,
		tracking:         cfg.ProbeTracking,
	}
	if cfg.IrradianceGammaEncoding {
		v.kernels.gamma = irradianceGamma
	}

	if err := v.allocateTextures(); err != nil {
		return err
	}
	if err := v.buildPipelines(); err != nil {
		return err
	}
	if err := v.allocateConstants(); err != nil {
		return err
	}
	if err := v.buildTables(); err != nil {
		return err
	}

	v.generation++
	irrW, irrH := v.irradianceLayout.AtlasSize()
	distW, distH := v.distanceLayout.AtlasSize()
	v.logger.Infof(
		"allocated volume with %dx%dx%d probes, %d rays per probe (irradiance atlas: %dx%d, distance atlas: %dx%d)",
		cfg.ProbeCounts[0], cfg.ProbeCounts[1], cfg.ProbeCounts[2], cfg.RaysPerProbe, irrW, irrH, distW, distH,
	)
	return nil
}

func checkVolumeConfig(cfg *config.Volume) error {
	for axis, n := range cfg.ProbeCounts {
		if n < 1 || cfg.ProbeSpacing[axis] <= 0 {
			return gpu.NewConfigurationError("gi.New", "invalid probe grid axis %d (count %d, spacing %f)", axis, n, cfg.ProbeSpacing[axis])
		}
	}
	switch {
	case cfg.RaysPerProbe < 1:
		return gpu.NewConfigurationError("gi.New", "rays per probe must be at least 1; got %d", cfg.RaysPerProbe)
	case cfg.IrradianceTexels < 1 || cfg.DistanceTexels < 1:
		return gpu.NewConfigurationError("gi.New", "texels per probe must be at least 1; got %d/%d", cfg.IrradianceTexels, cfg.DistanceTexels)
	case cfg.Hysteresis < 0 || cfg.Hysteresis >= 1:
		return gpu.NewConfigurationError("gi.New", "hysteresis must be in [0, 1); got %f", cfg.Hysteresis)
	}
	return nil
}

func (v *Volume) allocateTextures() error {
	probes := v.grid.ProbeCount()
	irrW, irrH := v.irradianceLayout.AtlasSize()
	distW, distH := v.distanceLayout.AtlasSize()

	var err error
	create := func(name string, w, h int) *gpu.Texture {
		if err != nil {
			return nil
		}
		var tex *gpu.Texture
		tex, err = v.dev.CreateTexture(gpu.TextureDesc{
			Name:         name,
			Width:        w,
			Height:       h,
			Format:       gpu.FormatR32G32B32A32Float,
			InitialState: gpu.StateUnorderedAccess,
			AllowUAV:     true,
		})
		return tex
	}
	v.rayData = create("probe-ray-data", v.cfg.RaysPerProbe, probes)
	v.irradiance = create("probe-irradiance", irrW, irrH)
	v.distance = create("probe-distance", distW, distH)
	v.probeData = create("probe-data", probes, 1)
	if err != nil {
		return err
	}

	if v.heap == nil {
		if v.heap, err = v.dev.CreateDescriptorHeap("probe-volume", descCount); err != nil {
			return err
		}
	}
	v.heap.Reset()
	if v.descs, err = v.heap.AllocateRange(descCount); err != nil {
		return err
	}
	writes := []error{
		v.heap.WriteTextureUAV(v.descs.Offset(descRayDataUAV), v.rayData),
		v.heap.WriteTextureSRV(v.descs.Offset(descIrradianceSRV), v.irradiance),
		v.heap.WriteTextureSRV(v.descs.Offset(descDistanceSRV), v.distance),
		v.heap.WriteTextureSRV(v.descs.Offset(descProbeDataSRV), v.probeData),
		v.heap.WriteTextureSRV(v.descs.Offset(descRayDataSRV), v.rayData),
		v.heap.WriteTextureUAV(v.descs.Offset(descIrradianceUAV), v.irradiance),
		v.heap.WriteTextureUAV(v.descs.Offset(descDistanceUAV), v.distance),
		v.heap.WriteTextureUAV(v.descs.Offset(descProbeDataUAV), v.probeData),
	}
	return errors.Join(writes...)
}

func (v *Volume) defines() []shader.Define {
	return []shader.Define{
		{Name: "RAYS_PER_PROBE", Value: fmt.Sprintf("%du", v.cfg.RaysPerProbe)},
		{Name: "IRRADIANCE_TEXELS", Value: fmt.Sprintf("%du", v.cfg.IrradianceTexels)},
		{Name: "DISTANCE_TEXELS", Value: fmt.Sprintf("%du", v.cfg.DistanceTexels)},
		{Name: "HYSTERESIS", Value: fmt.Sprintf("%.6f", v.cfg.Hysteresis)},
	}
}

func (v *Volume) buildPipelines() error {
	defines := v.defines()
	modules := make(map[string]*gpu.ShaderModule, 4)
	for _, name := range []string{"probe_trace.wgsl", "probe_blend.wgsl", "probe_border.wgsl", "probe_relocate.wgsl"} {
		mod, err := shader.CompileEmbedded(name, defines)
		if err != nil {
			return err
		}
		modules[name] = mod
	}

	k := v.kernels
	trace, err := shader.BuildPipeline(v.dev, shader.PipelineDesc{
		Name: "probe-trace",
		Libraries: []shader.Library{{
			Module: modules["probe_trace.wgsl"],
			Programs: map[string]interface{}{
				"RayGen":     k.rayGen,
				"Miss":       k.miss,
				"ShadowMiss": k.shadowMiss,
				"ClosestHit": k.closestHit,
				"AnyHit":     k.anyHit,
			},
		}},
		HitGroups: []gpu.HitGroupDesc{
			{Name: hitGroupProbe, ClosestHit: "ClosestHit", AnyHit: "AnyHit"},
			{Name: hitGroupShadow, AnyHit: "AnyHit"},
		},
		MaxRecursionDepth:   2,
		GlobalRootSignature: v.rs.trace,
		LocalRootSignatures: []gpu.LocalRootSignatureAssociation{
			{Signature: v.rs.hitGroup, Exports: []string{hitGroupProbe, hitGroupShadow}},
		},
	})
	if err != nil {
		return err
	}

	compute := []struct {
		dst     **gpu.PipelineState
		module  string
		entry   string
		rs      *gpu.RootSignature
		program func(*gpu.ComputeContext) error
	}{
		{&v.pipelines.blendIrradiance, "probe_blend.wgsl", "BlendIrradiance", v.rs.blend, k.blendIrradiance},
		{&v.pipelines.blendDistance, "probe_blend.wgsl", "BlendDistance", v.rs.blend, k.blendDistance},
		{&v.pipelines.borderRows, "probe_border.wgsl", "BorderRows", v.rs.border, borderRows},
		{&v.pipelines.borderColumns, "probe_border.wgsl", "BorderColumns", v.rs.border, borderColumns},
		{&v.pipelines.relocate, "probe_relocate.wgsl", "Relocate", v.rs.relocation, k.relocate},
		{&v.pipelines.classify, "probe_relocate.wgsl", "Classify", v.rs.relocation, k.classify},
	}
	for _, c := range compute {
		if *c.dst, err = shader.BuildComputePipeline(v.dev, modules[c.module], c.entry, c.rs, c.program); err != nil {
			return err
		}
	}
	v.pipelines.trace = trace
	v.modules = modules
	return nil
}

func (v *Volume) allocateConstants() error {
	var err error
	if v.traceConsts, err = gpu.NewUploadBuffer[VolumeConstants](v.dev, "probe-volume-constants", v.frames); err != nil {
		return err
	}
	if v.blendConsts, err = gpu.NewUploadBuffer[BlendConstants](v.dev, "probe-blend-constants", 2*v.frames); err != nil {
		return err
	}
	if v.relocationConsts, err = gpu.NewUploadBuffer[RelocationConstants](v.dev, "probe-relocation-constants", v.frames); err != nil {
		return err
	}
	if v.borderConsts, err = gpu.NewUploadBuffer[BorderConstants](v.dev, "probe-border-constants", 2); err != nil {
		return err
	}

	// Border constants only change when the volume is resized.
	return v.borderConsts.Write([]BorderConstants{
		v.borderConstantsFor(v.irradianceLayout),
		v.borderConstantsFor(v.distanceLayout),
	})
}

func (v *Volume) borderConstantsFor(layout TileLayout) BorderConstants {
	w, _ := layout.AtlasSize()
	c := v.counts()
	return BorderConstants{Counts: [4]uint32{c[0], c[1], uint32(layout.Texels), uint32(w)}}
}

func (v *Volume) counts() [4]uint32 {
	return [4]uint32{uint32(v.grid.Counts[0]), uint32(v.grid.Counts[1]), uint32(v.grid.Counts[2]), 0}
}

func (v *Volume) buildTables() error {
	var err error
	if v.rayGenTable, err = shader.NewShaderTable(v.dev, "probe-raygen", 1, 0); err != nil {
		return err
	}
	if _, err = v.rayGenTable.AddExport(v.pipelines.trace, "RayGen", nil); err != nil {
		return err
	}
	if v.missTable, err = shader.NewShaderTable(v.dev, "probe-miss", 2, 0); err != nil {
		return err
	}
	for _, export := range []string{"Miss", "ShadowMiss"} {
		if _, err = v.missTable.AddExport(v.pipelines.trace, export, nil); err != nil {
			return err
		}
	}
	if v.scene != nil {
		return v.writeHitGroups(v.scene)
	}
	return nil
}

// SetScene binds the geometry traced by the volume and rewrites the hit
// group table. The GPU must not be executing volume updates.
func (v *Volume) SetScene(scene *Scene) error {
	if scene == nil || scene.TLAS == nil || scene.Materials == nil {
		return ErrNoScene
	}
	if err := v.writeHitGroups(scene); err != nil {
		return err
	}
	v.scene = scene
	v.sceneVersion++
	return nil
}

func (v *Volume) writeHitGroups(scene *Scene) error {
	table, err := writeHitGroups(v.dev, v.hitGroupTable, "probe-hit-groups", v.pipelines.trace, v.rs.hitGroup, scene)
	v.hitGroupTable = table
	return err
}

// writeHitGroups fills table with one record per ray type for every scene
// geometry, reallocating it when it is too small. It returns the table that
// holds the records.
func writeHitGroups(dev Device, table *shader.ShaderTable, name string, so *gpu.StateObject, local *gpu.RootSignature, scene *Scene) (*shader.ShaderTable, error) {
	capacity := scene.Layout.Capacity()
	if capacity == 0 {
		return table, fmt.Errorf("%w: no geometries", ErrSceneLayout)
	}
	if table == nil || table.Capacity() < capacity {
		if table != nil {
			table.Release()
		}
		var err error
		if table, err = shader.NewShaderTable(dev, name, capacity, local.Size()); err != nil {
			return nil, err
		}
	}
	if err := table.Reset(); err != nil {
		return table, err
	}

	exports := [RayTypeCount]string{RayTypeRadiance: hitGroupProbe, RayTypeShadow: hitGroupShadow}
	for inst, geometries := range scene.Geometries {
		for geom, args := range geometries {
			encoded, err := shader.EncodeArgs(args)
			if err != nil {
				return table, err
			}
			for rayType, export := range exports {
				index, err := table.AddExport(so, export, encoded)
				if err != nil {
					return table, err
				}
				if index != scene.Layout.Index(rayType, inst, geom) {
					return table, fmt.Errorf("%w: instance %d geometry %d", ErrSceneLayout, inst, geom)
				}
			}
		}
	}
	if table.Len() != capacity {
		return table, fmt.Errorf("%w: wrote %d of %d hit group records", ErrSceneLayout, table.Len(), capacity)
	}
	return table, nil
}

// Resize rebuilds the atlases, pipelines and tables for a new
// configuration. Atlas contents are discarded. The GPU must be idle.
func (v *Volume) Resize(cfg config.Volume) error {
	v.releaseResources()
	if err := v.build(cfg); err != nil {
		return err
	}
	v.logger.Noticef("volume resized to %dx%dx%d probes", cfg.ProbeCounts[0], cfg.ProbeCounts[1], cfg.ProbeCounts[2])
	return nil
}

// Update records one volume update into cl using the constants of frame
// slot. Dispatch, blend, border fix-up, relocation and classification are
// recorded in that order.
func (v *Volume) Update(cl Recorder, slot int) error {
	if v.scene == nil {
		return ErrNoScene
	}
	v.frame++
	v.rotation = types.RandomQuat(v.rng)
	if err := v.writeConstants(slot); err != nil {
		return err
	}

	v.recordTrace(cl, slot)
	cl.ResourceBarrier(gpu.UAVBarrier(v.rayData))
	v.recordBlend(cl, slot)
	cl.ResourceBarrier(gpu.UAVBarrier(v.irradiance), gpu.UAVBarrier(v.distance))
	v.recordBorders(cl)

	relocate := v.cfg.ProbeRelocation && v.frame%uint64(max(v.cfg.RelocationPeriod, 1)) == 0
	if relocate || v.cfg.ProbeTracking {
		cl.SetComputeRootSignature(v.rs.relocation)
		cl.SetComputeRootConstantBufferView(relocationConstants, v.relocationConsts.ElementAddress(slot))
		cl.SetComputeRootDescriptorTable(relocationRays, v.descs.Offset(descRayDataSRV))
		cl.SetComputeRootDescriptorTable(relocationProbes, v.descs.Offset(descProbeDataUAV))
		groups := groupCount(v.grid.ProbeCount(), probeGroupSize)
		if relocate {
			cl.SetPipelineState(v.pipelines.relocate)
			cl.Dispatch(groups, 1, 1)
			cl.ResourceBarrier(gpu.UAVBarrier(v.probeData))
		}
		if v.cfg.ProbeTracking {
			cl.SetPipelineState(v.pipelines.classify)
			cl.Dispatch(groups, 1, 1)
			cl.ResourceBarrier(gpu.UAVBarrier(v.probeData))
		}
	}
	return nil
}

func (v *Volume) writeConstants(slot int) error {
	cfg := &v.cfg
	counts := v.counts()
	rotation := v.rotation.Vec4()
	var tracking uint32
	if cfg.ProbeTracking {
		tracking = 1
	}

	traceCounts := counts
	traceCounts[3] = uint32(cfg.RaysPerProbe)
	err := v.traceConsts.WriteAt(slot, []VolumeConstants{{
		Origin:       cfg.Origin.Vec4(cfg.MaxRayDistance),
		Spacing:      cfg.ProbeSpacing.Vec4(cfg.NormalBias),
		Counts:       traceCounts,
		Rotation:     rotation,
		MissRadiance: cfg.MissRadiance.Vec4(cfg.ViewBias),
		SunDirection: cfg.SunDirection.Vec4(v.kernels.gamma),
		SunRadiance:  cfg.SunRadiance.Vec4(0),
		Texels:       [4]uint32{uint32(cfg.IrradianceTexels), uint32(cfg.DistanceTexels), tracking, uint32(v.frame)},
	}})
	if err != nil {
		return err
	}

	// Distances are clamped to the cell diagonal scaled by 1.5.
	maxDistance := 1.5 * cfg.ProbeSpacing.Len()
	thresholds := types.XYZW(cfg.BrightnessThreshold, cfg.IrradianceThreshold, maxDistance, cfg.DistancePower)
	irrCounts, distCounts := counts, counts
	irrCounts[3] = uint32(v.irradiance.Width())
	distCounts[3] = uint32(v.distance.Width())
	err = v.blendConsts.WriteAt(2*slot, []BlendConstants{
		{Counts: irrCounts, Rotation: rotation, Thresholds: thresholds},
		{Counts: distCounts, Rotation: rotation, Thresholds: thresholds},
	})
	if err != nil {
		return err
	}

	return v.relocationConsts.WriteAt(slot, []RelocationConstants{{
		Counts:     counts,
		Spacing:    cfg.ProbeSpacing.Vec4(0),
		Rotation:   rotation,
		Thresholds: types.XYZW(cfg.BackfaceThreshold, cfg.MinFrontfaceDistance, 0, 0),
	}})
}

func (v *Volume) recordTrace(cl Recorder, slot int) {
	cl.SetPipelineState1(v.pipelines.trace)
	cl.SetComputeRootSignature(v.rs.trace)
	cl.SetComputeRootDescriptorTable(traceOutput, v.descs.Offset(descRayDataUAV))
	cl.SetComputeRootShaderResourceView(traceScene, v.scene.TLAS.Address())
	cl.SetComputeRootConstantBufferView(traceConstants, v.traceConsts.ElementAddress(slot))
	cl.SetComputeRootDescriptorTable(traceVolume, v.descs.Offset(descIrradianceSRV))
	cl.SetComputeRootShaderResourceView(traceMaterials, v.scene.Materials.Address())
	cl.DispatchRays(&gpu.DispatchRaysDesc{
		RayGeneration: v.rayGenTable.Range(),
		Miss:          v.missTable.Range(),
		HitGroup:      v.hitGroupTable.Range(),
		Width:         v.cfg.RaysPerProbe,
		Height:        v.grid.ProbeCount(),
		Depth:         1,
	})
}

func (v *Volume) recordBlend(cl Recorder, slot int) {
	cl.SetComputeRootSignature(v.rs.blend)
	cl.SetComputeRootDescriptorTable(blendRays, v.descs.Offset(descRayDataSRV))
	cl.SetComputeRootDescriptorTable(blendProbes, v.descs.Offset(descProbeDataSRV))

	cl.SetPipelineState(v.pipelines.blendIrradiance)
	cl.SetComputeRootConstantBufferView(blendConstants, v.blendConsts.ElementAddress(2*slot))
	cl.SetComputeRootDescriptorTable(blendAtlas, v.descs.Offset(descIrradianceUAV))
	cl.Dispatch(atlasGroups(v.irradiance))

	cl.SetPipelineState(v.pipelines.blendDistance)
	cl.SetComputeRootConstantBufferView(blendConstants, v.blendConsts.ElementAddress(2*slot+1))
	cl.SetComputeRootDescriptorTable(blendAtlas, v.descs.Offset(descDistanceUAV))
	cl.Dispatch(atlasGroups(v.distance))
}

// recordBorders runs the row pass over both atlases, then the column pass.
func (v *Volume) recordBorders(cl Recorder) {
	cl.SetComputeRootSignature(v.rs.border)
	for _, pass := range []*gpu.PipelineState{v.pipelines.borderRows, v.pipelines.borderColumns} {
		cl.SetPipelineState(pass)
		cl.SetComputeRootConstantBufferView(borderConstants, v.borderConsts.ElementAddress(0))
		cl.SetComputeRootDescriptorTable(borderAtlas, v.descs.Offset(descIrradianceUAV))
		cl.Dispatch(atlasGroups(v.irradiance))
		cl.SetComputeRootConstantBufferView(borderConstants, v.borderConsts.ElementAddress(1))
		cl.SetComputeRootDescriptorTable(borderAtlas, v.descs.Offset(descDistanceUAV))
		cl.Dispatch(atlasGroups(v.distance))
		cl.ResourceBarrier(gpu.UAVBarrier(v.irradiance), gpu.UAVBarrier(v.distance))
	}
}

func atlasGroups(tex *gpu.Texture) (int, int, int) {
	return groupCount(tex.Width(), atlasGroupSize), groupCount(tex.Height(), atlasGroupSize), 1
}

func groupCount(n, size int) int {
	return (n + size - 1) / size
}

// Clear records clears of the atlases and the probe data, discarding all
// accumulated lighting and relocation offsets.
func (v *Volume) Clear(cl Recorder) {
	for _, tex := range []*gpu.Texture{v.rayData, v.irradiance, v.distance, v.probeData} {
		cl.ClearUnorderedAccessViewFloat(tex, types.Vec4{})
	}
	cl.ResourceBarrier(
		gpu.UAVBarrier(v.rayData), gpu.UAVBarrier(v.irradiance),
		gpu.UAVBarrier(v.distance), gpu.UAVBarrier(v.probeData),
	)
	v.frame = 0
}

// Config returns the volume configuration.
func (v *Volume) Config() config.Volume { return v.cfg }

// Grid returns the probe lattice.
func (v *Volume) Grid() Grid { return v.grid }

// Irradiance returns the irradiance atlas.
func (v *Volume) Irradiance() *gpu.Texture { return v.irradiance }

// Distance returns the distance atlas (mean distance, mean squared distance).
func (v *Volume) Distance() *gpu.Texture { return v.distance }

// ProbeData returns the probe data texture (relocation offset, state).
func (v *Volume) ProbeData() *gpu.Texture { return v.probeData }

// RayData returns the ray data atlas written by the last dispatch.
func (v *Volume) RayData() *gpu.Texture { return v.rayData }

// IrradianceLayout returns the tile layout of the irradiance atlas.
func (v *Volume) IrradianceLayout() TileLayout { return v.irradianceLayout }

// DistanceLayout returns the tile layout of the distance atlas.
func (v *Volume) DistanceLayout() TileLayout { return v.distanceLayout }

// Rotation returns the ray rotation of the last update.
func (v *Volume) Rotation() types.Quat { return v.rotation }

// Frame returns the number of recorded updates.
func (v *Volume) Frame() uint64 { return v.frame }

// Probe describes a probe as seen by the CPU.
type Probe struct {
	Index    int
	Coords   [3]int
	Position types.Vec3
	Offset   types.Vec3
	Active   bool
}

// Probes reads back the probe data texture. The GPU must be idle.
func (v *Volume) Probes() []Probe {
	out := make([]Probe, v.grid.ProbeCount())
	for index := range out {
		i, j, k := v.grid.ProbeCoords(index)
		data := v.probeData.Load(index, 0)
		out[index] = Probe{
			Index:    index,
			Coords:   [3]int{i, j, k},
			Position: v.grid.LatticePosition(index).Add(data.Vec3()),
			Offset:   data.Vec3(),
			Active:   data[3] != ProbeInactive,
		}
	}
	return out
}

func (v *Volume) releaseResources() {
	for _, tex := range []*gpu.Texture{v.rayData, v.irradiance, v.distance, v.probeData} {
		if tex != nil {
			tex.Release()
		}
	}
	for _, table := range []*shader.ShaderTable{v.rayGenTable, v.missTable} {
		if table != nil {
			table.Release()
		}
	}
	if v.traceConsts != nil {
		v.traceConsts.Release()
	}
	if v.blendConsts != nil {
		v.blendConsts.Release()
	}
	if v.borderConsts != nil {
		v.borderConsts.Release()
	}
	if v.relocationConsts != nil {
		v.relocationConsts.Release()
	}
	v.rayData, v.irradiance, v.distance, v.probeData = nil, nil, nil, nil
	v.rayGenTable, v.missTable = nil, nil
	v.traceConsts, v.blendConsts, v.borderConsts, v.relocationConsts = nil, nil, nil, nil
}

// Release frees all GPU resources owned by the volume. The scene buffers
// belong to the caller.
func (v *Volume) Release() {
	v.releaseResources()
	if v.hitGroupTable != nil {
		v.hitGroupTable.Release()
		v.hitGroupTable = nil
	}
	v.scene = nil
}
