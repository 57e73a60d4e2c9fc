package gi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/gpu/software"
	"github.com/achilleasa/polaris-ddgi/types"
)

// A camera at the origin looking down -z with a 90 degree field of view.
func testCamera() CameraConstants {
	return CameraConstants{
		Frustum: [4]types.Vec4{
			types.XYZW(-1, 1, -1, 0),
			types.XYZW(1, 1, -1, 0),
			types.XYZW(-1, -1, -1, 0),
			types.XYZW(1, -1, -1, 0),
		},
	}
}

func newTestView(t *testing.T, v *Volume, w, h int) *View {
	vw, err := v.NewView(w, h)
	require.NoError(t, err)
	t.Cleanup(vw.Release)
	return vw
}

func updateAndRender(t *testing.T, dev *software.Device, v *Volume, vw *View) {
	submit(t, dev, func(cl *gpu.CommandList) error {
		if err := v.Update(cl, 0); err != nil {
			return err
		}
		return vw.Render(cl, 0, testCamera())
	})
}

// The inner 2x2 pixels of a 4x4 view see the quad, the outer ring misses it.
func assertQuadImage(t *testing.T, vw *View, emissive, miss types.Vec3) {
	t.Helper()
	out := vw.Output()
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			texel := out.Load(x, y)
			inner := x > 0 && x < 3 && y > 0 && y < 3
			if !inner {
				assert.InDelta(t, 0, texel.Vec3().Sub(miss).Len(), 1e-5, "pixel (%d, %d)", x, y)
				assert.Equal(t, float32(MissDistance), texel[3], "pixel (%d, %d)", x, y)
				continue
			}
			assert.InDelta(t, 0, texel.Vec3().Sub(emissive).Len(), 1e-4, "pixel (%d, %d)", x, y)
			dir := types.XYZ(0.25, 0.25, 1)
			assert.InDelta(t, 5*dir.Len(), texel[3], 1e-3, "pixel (%d, %d)", x, y)
		}
	}
}

func TestViewShadesCameraRays(t *testing.T) {
	dev := newTestDevice(t)
	emissive := types.XYZ(2, 3, 4)
	v := newTestVolume(t, dev, testVolumeConfig(), quadScene(t, dev, -5, 2, MaterialRecord{Emissive: emissive, Opacity: 1}))
	vw := newTestView(t, v, 4, 4)

	updateAndRender(t, dev, v, vw)
	assertQuadImage(t, vw, emissive, v.Config().MissRadiance)
}

func TestViewFollowsVolumeResizeAndSceneChanges(t *testing.T) {
	dev := newTestDevice(t)
	v := newTestVolume(t, dev, testVolumeConfig(), quadScene(t, dev, -5, 2, MaterialRecord{Emissive: types.XYZ(1, 1, 1), Opacity: 1}))
	vw := newTestView(t, v, 4, 4)
	updateAndRender(t, dev, v, vw)

	cfg := testVolumeConfig()
	cfg.ProbeCounts = [3]int{2, 2, 2}
	require.NoError(t, v.Resize(cfg))
	emissive := types.XYZ(0, 5, 0)
	require.NoError(t, v.SetScene(quadScene(t, dev, -5, 2, MaterialRecord{Emissive: emissive, Opacity: 1})))

	updateAndRender(t, dev, v, vw)
	assertQuadImage(t, vw, emissive, cfg.MissRadiance)
}

func TestViewIndirectLightComesFromTheVolume(t *testing.T) {
	dev := newTestDevice(t)
	cfg := testVolumeConfig()
	cfg.MissRadiance = types.XYZ(1, 1, 1)
	cfg.MaxRayDistance = 1
	albedo := types.XYZ(0.5, 0.5, 0.5)
	v := newTestVolume(t, dev, cfg, quadScene(t, dev, -5, 2, MaterialRecord{Albedo: albedo, Opacity: 1}))
	vw := newTestView(t, v, 4, 4)

	// Probe rays are too short to reach the quad, so the atlases converge
	// to the uniform miss radiance and the quad reflects half of it.
	updateAndRender(t, dev, v, vw)
	got := vw.Output().Load(1, 1).Vec3()
	assert.InDelta(t, 0, got.Sub(albedo).Len(), 1e-3, "got %v", got)
}

func TestViewErrors(t *testing.T) {
	dev := newTestDevice(t)
	v, err := New(dev, testVolumeConfig(), 1)
	require.NoError(t, err)
	t.Cleanup(v.Release)

	_, err = v.NewView(0, 4)
	var cfgErr *gpu.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	vw := newTestView(t, v, 2, 2)
	cl, err := dev.CreateCommandList("test", gpu.NewCommandAllocator("test"))
	require.NoError(t, err)
	assert.ErrorIs(t, vw.Render(cl, 0, testCamera()), ErrNoScene)

	require.NoError(t, v.SetScene(quadScene(t, dev, -5, 2, MaterialRecord{Opacity: 1})))
	assert.ErrorIs(t, vw.Render(cl, 0, testCamera()), ErrNotUpdated)

	require.NoError(t, v.Update(cl, 0))
	var capErr *gpu.CapacityError
	assert.ErrorAs(t, vw.Render(cl, 3, testCamera()), &capErr)
}
