package gi

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/accel"
	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/gpu/software"
	"github.com/achilleasa/polaris-ddgi/types"
)

func newTestDevice(t *testing.T) *software.Device {
	dev := software.New(software.Options{Workers: 2, DebugValidation: true})
	t.Cleanup(func() { dev.Close() })
	return dev
}

func submit(t *testing.T, dev *software.Device, record func(cl *gpu.CommandList) error) {
	t.Helper()
	cl, err := dev.CreateCommandList("test", gpu.NewCommandAllocator("test"))
	require.NoError(t, err)
	require.NoError(t, record(cl))
	require.NoError(t, cl.Close())

	fence, err := dev.CreateFence("test", 0)
	require.NoError(t, err)
	require.NoError(t, dev.Queue().ExecuteCommandLists(cl))
	require.NoError(t, dev.Queue().Signal(fence, 1))
	_, err = fence.Wait(1, 10*time.Second)
	require.NoError(t, err)
}

// A square of the given half size in the plane z = depth, facing +z.
func quadScene(t *testing.T, dev *software.Device, depth, halfSize float32, mat MaterialRecord) *Scene {
	return facingQuadScene(t, dev, types.XYZ(0, 0, depth), types.XYZ(0, 0, 1), halfSize, mat)
}

// A square of the given half size centered at center whose front face
// points along normal.
func facingQuadScene(t *testing.T, dev *software.Device, center, normal types.Vec3, halfSize float32, mat MaterialRecord) *Scene {
	normal = normal.Normalize()
	up := types.XYZ(0, 1, 0)
	if math.Abs(float64(normal[1])) > 0.9 {
		up = types.XYZ(1, 0, 0)
	}
	u := up.Cross(normal).Normalize()
	w := normal.Cross(u)
	corner := func(su, sw float32) types.Vec3 {
		return center.Add(u.Mul(su * halfSize)).Add(w.Mul(sw * halfSize))
	}
	verts := []types.Vec3{
		corner(-1, -1), corner(1, -1), corner(1, 1),
		corner(-1, -1), corner(1, 1), corner(-1, 1),
	}
	vb, err := dev.CreateBuffer(gpu.BufferDesc{Name: "quad", Size: int64(12 * len(verts)), Heap: gpu.HeapUpload, InitialState: gpu.StateGenericRead})
	require.NoError(t, err)
	require.NoError(t, vb.Map(func(data []byte) error {
		for i, v := range verts {
			for axis := 0; axis < 3; axis++ {
				binary.LittleEndian.PutUint32(data[12*i+4*axis:], math.Float32bits(v[axis]))
			}
		}
		return nil
	}))

	materials, err := gpu.NewUploadBuffer[MaterialRecord](dev, "materials", 1)
	require.NoError(t, err)
	require.NoError(t, materials.Write([]MaterialRecord{mat}))

	layout := NewHitGroupLayout([]int{1})
	builder := accel.NewBuilder(dev)
	t.Cleanup(builder.Close)

	var structures *accel.Structures
	submit(t, dev, func(cl *gpu.CommandList) error {
		geom := gpu.GeometryDesc{
			Flags:        gpu.GeometryFlagOpaque,
			VertexBuffer: vb.Address(),
			VertexStride: 12,
			VertexCount:  len(verts),
			VertexFormat: gpu.FormatR32G32B32Float,
		}
		structures, err = builder.Build(cl, [][]gpu.GeometryDesc{{geom}}, []accel.InstanceSpec{{
			Transform:      types.Ident3x4(),
			Mask:           0xff,
			HitGroupOffset: layout.Offset(0),
			Flags:          gpu.InstanceFlagTriangleFrontCounterclockwise,
		}})
		return err
	})

	return &Scene{
		TLAS:       structures.TLAS.Result,
		Layout:     layout,
		Geometries: [][]HitGroupArgs{{{VertexBuffer: uint64(vb.Address()), VertexStride: 12}}},
		Materials:  materials.Buffer(),
	}
}

func testVolumeConfig() config.Volume {
	cfg := config.Default().Volume
	cfg.ProbeCounts = [3]int{2, 1, 1}
	cfg.RaysPerProbe = 4
	cfg.IrradianceTexels = 4
	cfg.DistanceTexels = 4
	cfg.Hysteresis = 0
	cfg.IrradianceGammaEncoding = false
	cfg.IrradianceThreshold = 0
	cfg.ProbeRelocation = false
	cfg.ProbeTracking = false
	cfg.SunRadiance = types.Vec3{}
	return cfg
}

func newTestVolume(t *testing.T, dev *software.Device, cfg config.Volume, scene *Scene) *Volume {
	v, err := New(dev, cfg, 1)
	require.NoError(t, err)
	t.Cleanup(v.Release)
	require.NoError(t, v.SetScene(scene))
	return v
}

func update(t *testing.T, dev *software.Device, v *Volume) {
	submit(t, dev, func(cl *gpu.CommandList) error { return v.Update(cl, 0) })
}

func assertAtlas(t *testing.T, tex *gpu.Texture, want types.Vec3, delta float64) {
	t.Helper()
	for y := 0; y < tex.Height(); y++ {
		for x := 0; x < tex.Width(); x++ {
			got := tex.Load(x, y).Vec3()
			require.InDelta(t, 0, got.Sub(want).Len(), delta, "texel (%d, %d): got %v, want %v", x, y, got, want)
		}
	}
}

func TestAllMissRaysBlendToMissRadiance(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.MaxRayDistance = 1
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -500, 1, MaterialRecord{Opacity: 1}))

	update(t, dev, v)

	for probe := 0; probe < 2; probe++ {
		for ray := 0; ray < cfg.RaysPerProbe; ray++ {
			sample := v.RayData().Load(ray, probe)
			assert.Equal(t, cfg.MissRadiance, sample.Vec3())
			assert.Equal(t, float32(MissDistance), sample[3])
		}
	}

	// Hysteresis 0 replaces the atlas contents; border texels mirror the
	// interior so the whole atlas is uniform.
	assertAtlas(t, v.Irradiance(), cfg.MissRadiance, 1e-5)
	maxDistance := 1.5 * cfg.ProbeSpacing.Len()
	assertAtlas(t, v.Distance(), types.XYZ(maxDistance, maxDistance*maxDistance, 0), 1e-3)
}

func TestHysteresisConvergesGeometrically(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.MaxRayDistance = 1
	cfg.Hysteresis = 0.5
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -500, 1, MaterialRecord{Opacity: 1}))

	for k := 1; k <= 4; k++ {
		update(t, dev, v)
		scale := 1 - float32(math.Pow(0.5, float64(k)))
		assertAtlas(t, v.Irradiance(), cfg.MissRadiance.Mul(scale), 1e-5)
	}
	assert.EqualValues(t, 4, v.Frame())
}

func TestGammaEncodingIsInvertedBySampling(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.MaxRayDistance = 1
	cfg.IrradianceGammaEncoding = true
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -500, 1, MaterialRecord{Opacity: 1}))

	update(t, dev, v)

	stored := v.Irradiance().Load(1, 1).Vec3()
	assert.InDelta(t, 0, powVec3(stored, irradianceGamma).Sub(cfg.MissRadiance).Len(), 1e-4)
}

func TestProbeRaysHitFrontAndBackFaces(t *testing.T) {
	specs := map[string]struct {
		probeZ   float32
		hitSign  float32
		backface bool
	}{
		"probe above the quad": {probeZ: 0, hitSign: -1},
		"probe below the quad": {probeZ: -4, hitSign: 1, backface: true},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			dev := newTestDevice(t)
			cfg := testVolumeConfig()
			cfg.ProbeCounts = [3]int{1, 1, 1}
			cfg.RaysPerProbe = 32
			cfg.Origin = types.XYZ(0, 0, spec.probeZ)
			cfg.MaxRayDistance = 1000
			cfg.MissRadiance = types.XYZ(0, 0, 1)
			emissive := types.XYZ(1, 0, 0)
			v := newTestVolume(t, dev, cfg, quadScene(t, dev, -2, 1000, MaterialRecord{Emissive: emissive, Opacity: 1}))

			update(t, dev, v)

			var hits int
			for ray := 0; ray < cfg.RaysPerProbe; ray++ {
				dir := RayDirection(v.Rotation(), ray, cfg.RaysPerProbe)
				sample := v.RayData().Load(ray, 0)
				cosine := dir[2] * spec.hitSign
				switch {
				case cosine > 0.05:
					hits++
					hitT := 2 / cosine
					if spec.backface {
						assert.InDelta(t, backfaceDistanceScale*hitT, sample[3], 1e-3, "ray %d", ray)
						assert.Equal(t, types.Vec3{}, sample.Vec3(), "ray %d", ray)
					} else {
						assert.InDelta(t, hitT, sample[3], 1e-3, "ray %d", ray)
						assert.InDelta(t, 0, sample.Vec3().Sub(emissive).Len(), 1e-5, "ray %d", ray)
					}
				case cosine < 0:
					assert.Equal(t, float32(MissDistance), sample[3], "ray %d", ray)
					assert.Equal(t, cfg.MissRadiance, sample.Vec3(), "ray %d", ray)
				}
			}
			assert.NotZero(t, hits)
		})
	}
}

func TestSingleRayFillsTheWholeTile(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.ProbeCounts = [3]int{1, 1, 1}
	cfg.RaysPerProbe = 1
	cfg.MaxRayDistance = 1000

	// The first update draws its rotation from a generator seeded with
	// cfg.Seed; place a quad two units out along the only ray.
	rotation := types.RandomQuat(rand.New(rand.NewSource(cfg.Seed)))
	dir := RayDirection(rotation, 0, 1)
	emissive := types.XYZ(0.3, 0.2, 0.1)
	v := newTestVolume(t, dev, cfg, facingQuadScene(t, dev, dir.Mul(2), dir.Neg(), 1, MaterialRecord{Emissive: emissive, Opacity: 1}))

	update(t, dev, v)
	require.Equal(t, rotation, v.Rotation())

	sample := v.RayData().Load(0, 0)
	assert.InDelta(t, 0, sample.Vec3().Sub(emissive).Len(), 1e-5)
	assert.InDelta(t, 2, sample[3], 1e-3)

	// Every interior texel either faces the ray or falls back to the mean
	// of a single sample; the borders mirror the interior.
	assertAtlas(t, v.Irradiance(), emissive, 1e-5)
	assertAtlas(t, v.Distance(), types.XYZ(2, 4, 0), 1e-3)
}

func TestBorderPassesAreIdempotent(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.ProbeCounts = [3]int{2, 2, 2}
	cfg.RaysPerProbe = 64
	cfg.IrradianceTexels = 6
	cfg.DistanceTexels = 6
	cfg.MaxRayDistance = 1000
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -0.75, 1000, MaterialRecord{Emissive: types.XYZ(1, 0, 0), Opacity: 1}))

	update(t, dev, v)
	irradiance := append([]float32(nil), v.Irradiance().Texels()...)
	distance := append([]float32(nil), v.Distance().Texels()...)

	submit(t, dev, func(cl *gpu.CommandList) error {
		v.recordBorders(cl)
		v.recordBorders(cl)
		return nil
	})
	assert.Equal(t, irradiance, v.Irradiance().Texels())
	assert.Equal(t, distance, v.Distance().Texels())
}

func TestClassificationTracksNearbyGeometry(t *testing.T) {
	specs := map[string]struct {
		depth  float32
		active bool
	}{
		"surface inside the cell":  {depth: -0.5, active: true},
		"no surface near the cell": {depth: -500, active: false},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			dev := newTestDevice(t)
			cfg := testVolumeConfig()
			cfg.ProbeCounts = [3]int{1, 1, 1}
			cfg.RaysPerProbe = 64
			cfg.ProbeTracking = true
			v := newTestVolume(t, dev, cfg, quadScene(t, dev, spec.depth, 1000, MaterialRecord{Albedo: types.XYZ(0.5, 0.5, 0.5), Opacity: 1}))

			update(t, dev, v)

			probes := v.Probes()
			require.Len(t, probes, 1)
			assert.Equal(t, spec.active, probes[0].Active)
		})
	}
}

func TestInactiveProbesKeepTheirAtlasTiles(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.ProbeTracking = true
	cfg.MaxRayDistance = 1
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -500, 1, MaterialRecord{Opacity: 1}))

	// The first update blends every probe and then deactivates them all.
	update(t, dev, v)
	for _, p := range v.Probes() {
		require.False(t, p.Active)
	}
	first := append([]float32(nil), v.Irradiance().Texels()...)

	cfg.MissRadiance = types.XYZ(1, 1, 1)
	require.NoError(t, v.Resize(cfg))
	copy(v.Irradiance().Texels(), first)
	submit(t, dev, func(cl *gpu.CommandList) error {
		for i := 0; i < v.Grid().ProbeCount(); i++ {
			v.ProbeData().Store(i, 0, types.XYZW(0, 0, 0, ProbeInactive))
		}
		return v.Update(cl, 0)
	})
	assert.Equal(t, first, v.Irradiance().Texels())
}

func TestRelocationPushesProbesAwayFromCloseSurfaces(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.ProbeCounts = [3]int{1, 1, 1}
	cfg.RaysPerProbe = 64
	cfg.ProbeRelocation = true
	cfg.RelocationPeriod = 1
	cfg.MinFrontfaceDistance = 0.2
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -0.05, 1000, MaterialRecord{Opacity: 1}))

	update(t, dev, v)

	probe := v.Probes()[0]
	assert.Greater(t, probe.Offset[2], float32(0), "probe should move away from the surface below it")
	limit := cfg.ProbeSpacing[2] * maxRelocation
	assert.LessOrEqual(t, probe.Offset.Len(), limit*float32(math.Sqrt(3))+1e-5)
}

type recordedPass struct {
	name string
	x, y int
}

type passRecorder struct {
	pipeline string
	passes   []recordedPass
}

func (r *passRecorder) ResourceBarrier(barriers ...gpu.Barrier) {
	r.passes = append(r.passes, recordedPass{name: "barrier"})
}
func (r *passRecorder) SetPipelineState1(so *gpu.StateObject) { r.pipeline = so.Name() }
func (r *passRecorder) SetPipelineState(ps *gpu.PipelineState) {
	r.pipeline = ps.Name()[strings.LastIndex(ps.Name(), ":")+1:]
}
func (r *passRecorder) SetComputeRootSignature(*gpu.RootSignature)              {}
func (r *passRecorder) SetComputeRootDescriptorTable(int, gpu.DescriptorHandle) {}
func (r *passRecorder) SetComputeRootConstantBufferView(int, gpu.Address)       {}
func (r *passRecorder) SetComputeRootShaderResourceView(int, gpu.Address)       {}
func (r *passRecorder) ClearUnorderedAccessViewFloat(*gpu.Texture, types.Vec4)  {}
func (r *passRecorder) DispatchRays(desc *gpu.DispatchRaysDesc) {
	r.passes = append(r.passes, recordedPass{name: r.pipeline, x: desc.Width, y: desc.Height})
}
func (r *passRecorder) Dispatch(x, y, _ int) {
	r.passes = append(r.passes, recordedPass{name: r.pipeline, x: x, y: y})
}

func (r *passRecorder) names() []string {
	out := make([]string, len(r.passes))
	for i, p := range r.passes {
		out[i] = p.name
	}
	return out
}

func TestUpdateRecordsPassesInOrder(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.ProbeCounts = [3]int{4, 2, 3}
	cfg.RaysPerProbe = 16
	cfg.IrradianceTexels = 6
	cfg.DistanceTexels = 14
	cfg.ProbeRelocation = true
	cfg.RelocationPeriod = 2
	cfg.ProbeTracking = true
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -1, 1, MaterialRecord{Opacity: 1}))

	rec := &passRecorder{}
	require.NoError(t, v.Update(rec, 0))
	assert.Equal(t, []string{
		"probe-trace", "barrier",
		"BlendIrradiance", "BlendDistance", "barrier",
		"BorderRows", "BorderRows", "barrier",
		"BorderColumns", "BorderColumns", "barrier",
		"Classify", "barrier",
	}, rec.names())

	assert.Equal(t, recordedPass{name: "probe-trace", x: 16, y: 24}, rec.passes[0])
	assert.Equal(t, recordedPass{name: "BlendIrradiance", x: 12, y: 2}, rec.passes[2])
	assert.Equal(t, recordedPass{name: "BlendDistance", x: 24, y: 4}, rec.passes[3])

	// Relocation runs every second frame.
	rec = &passRecorder{}
	require.NoError(t, v.Update(rec, 0))
	assert.Equal(t, []string{"Relocate", "barrier", "Classify", "barrier"}, rec.names()[len(rec.names())-4:])
}

func TestUpdateErrors(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()

	v, err := New(dev, cfg, 1)
	require.NoError(t, err)
	defer v.Release()
	assert.ErrorIs(t, v.Update(&passRecorder{}, 0), ErrNoScene)

	require.NoError(t, v.SetScene(quadScene(t, dev, -1, 1, MaterialRecord{Opacity: 1})))
	err = v.Update(&passRecorder{}, 1)
	var capErr *gpu.CapacityError
	assert.True(t, errors.As(err, &capErr), "expected a capacity error; got %v", err)
}

func TestSetSceneRejectsMismatchedLayout(t *testing.T) {
	dev := newTestDevice(t)
	scene := quadScene(t, dev, -1, 1, MaterialRecord{Opacity: 1})
	scene.Layout = NewHitGroupLayout([]int{2})

	v, err := New(dev, testVolumeConfig(), 1)
	require.NoError(t, err)
	defer v.Release()
	assert.ErrorIs(t, v.SetScene(scene), ErrSceneLayout)
	assert.ErrorIs(t, v.SetScene(&Scene{}), ErrNoScene)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.Hysteresis = 1

	_, err := New(dev, cfg, 1)
	var cfgErr *gpu.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = New(dev, testVolumeConfig(), 0)
	assert.True(t, errors.As(err, &cfgErr))
}

func TestResizeRebuildsAtlases(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.MaxRayDistance = 1
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -500, 1, MaterialRecord{Opacity: 1}))

	cfg.ProbeCounts = [3]int{2, 2, 2}
	cfg.IrradianceTexels = 6
	require.NoError(t, v.Resize(cfg))

	w, h := v.IrradianceLayout().AtlasSize()
	assert.Equal(t, 4*8, w)
	assert.Equal(t, 2*8, h)
	assert.Equal(t, w, v.Irradiance().Width())
	assert.Len(t, v.Probes(), 8)

	// The bound scene survives the resize.
	update(t, dev, v)
	assertAtlas(t, v.Irradiance(), cfg.MissRadiance, 1e-5)
}

func TestClearResetsAccumulatedState(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.MaxRayDistance = 1
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -500, 1, MaterialRecord{Opacity: 1}))

	update(t, dev, v)
	submit(t, dev, func(cl *gpu.CommandList) error {
		v.Clear(cl)
		return nil
	})
	assertAtlas(t, v.Irradiance(), types.Vec3{}, 0)
	assert.Zero(t, v.Frame())
}
