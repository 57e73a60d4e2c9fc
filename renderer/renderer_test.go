package renderer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/achilleasa/polaris-ddgi/frame"
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/gpu/halqueue"
	"github.com/achilleasa/polaris-ddgi/gpu/software"
	"github.com/achilleasa/polaris-ddgi/scene"
	"github.com/achilleasa/polaris-ddgi/scene/reader"
	"github.com/achilleasa/polaris-ddgi/types"
)

var _ Renderer = (*DDGI)(nil)

func newTestDevice(t *testing.T) *software.Device {
	dev := software.New(software.Options{Workers: 2, DebugValidation: true})
	t.Cleanup(func() { dev.Close() })
	return dev
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Volume.ProbeCounts = [3]int{2, 2, 2}
	cfg.Volume.RaysPerProbe = 16
	cfg.Volume.IrradianceTexels = 4
	cfg.Volume.DistanceTexels = 4
	cfg.Volume.Hysteresis = 0
	cfg.Renderer.FrameW = 8
	cfg.Renderer.FrameH = 8
	cfg.Renderer.BufferCount = 2
	return cfg
}

func newTestRenderer(t *testing.T, dev Device, sc *scene.Scene, opts Options) *DDGI {
	r, err := New(dev, sc, testConfig(), opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRenderCornellBox(t *testing.T) {
	r := newTestRenderer(t, newTestDevice(t), reader.NewCornellBox(), Options{})
	require.NoError(t, r.RenderFrames(3))

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Frame)
	assert.Equal(t, uint64(3), stats.Sync.Frames)
	assert.Zero(t, stats.Sync.SkippedFrames)
	require.Len(t, stats.Passes, 2)
	assert.Equal(t, "volume", stats.Passes[0].Name)
	assert.Equal(t, "view", stats.Passes[1].Name)
	assert.True(t, stats.TotalTime >= stats.RenderTime)
	assert.Equal(t, uint64(3), r.Volume().Frame())

	// The pixel just below and right of the image center sees the back
	// wall at z = -1.
	out := r.View().Output()
	texel := out.Load(4, 4)
	assert.InDelta(t, 4.41, texel[3], 0.05)
	assert.True(t, texel.Vec3().Len() > 0, "expected the back wall to receive indirect light")
}

func TestUploadSceneLaysOutHitGroupsPerPrimitive(t *testing.T) {
	r := newTestRenderer(t, newTestDevice(t), reader.NewCornellBox(), Options{})

	// room: white, red, green and light primitives; each block: one.
	giScene := r.res.giScene
	require.Len(t, giScene.Geometries, 3)
	assert.Len(t, giScene.Geometries[0], 4)
	assert.Len(t, giScene.Geometries[1], 1)
	assert.Len(t, giScene.Geometries[2], 1)
	assert.Equal(t, 2*(4+1+1), giScene.Layout.Capacity())
	assert.Equal(t, []uint32{0, 8, 10}, []uint32{giScene.Layout.Offset(0), giScene.Layout.Offset(1), giScene.Layout.Offset(2)})

	// Both block instances share the block mesh buffers.
	assert.Equal(t, giScene.Geometries[1][0], giScene.Geometries[2][0])

	// Primitive ranges are addressed through the buffer addresses.
	room := r.scene.Meshes[0]
	vb := r.res.vertices[0]
	ib := r.res.indices[0]
	for p, prim := range room.Primitives {
		args := giScene.Geometries[0][p]
		assert.Equal(t, uint64(vb.Buffer().Address())+uint64(vertexStride*prim.FirstVertex), args.VertexBuffer)
		assert.Equal(t, uint64(ib.Buffer().Address())+uint64(indexStride*prim.FirstIndex), args.IndexBuffer)
		assert.Equal(t, prim.MaterialIndex, args.MaterialIndex)
	}

	light, err := r.res.materials.Read(3)
	require.NoError(t, err)
	assert.Equal(t, types.XYZ(17, 12, 4), light.Emissive)
}

func TestNewErrors(t *testing.T) {
	dev := newTestDevice(t)

	_, err := New(dev, nil, testConfig(), Options{})
	assert.Equal(t, ErrSceneNotDefined, err)

	sc := reader.NewCornellBox()
	sc.Camera = nil
	_, err = New(dev, sc, testConfig(), Options{})
	assert.Equal(t, ErrCameraNotDefined, err)

	_, err = New(dev, scene.New(), testConfig(), Options{})
	assert.Equal(t, scene.ErrNoInstances, err)

	cfg := testConfig()
	cfg.Renderer.BufferCount = 0
	_, err = New(dev, reader.NewCornellBox(), cfg, Options{})
	var cfgErr *gpu.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "expected a configuration error; got %v", err)
}

func TestResizeVolume(t *testing.T) {
	r := newTestRenderer(t, newTestDevice(t), reader.NewCornellBox(), Options{})
	require.NoError(t, r.RenderFrames(1))

	cfg := r.Config().Volume
	cfg.ProbeCounts = [3]int{3, 1, 1}
	require.NoError(t, r.ResizeVolume(cfg))
	assert.Equal(t, 3, r.Volume().Grid().ProbeCount())
	assert.Equal(t, [3]int{3, 1, 1}, r.Config().Volume.ProbeCounts)
	require.NoError(t, r.RenderFrames(1))

	cfg.RaysPerProbe = 0
	var cfgErr *gpu.ConfigurationError
	assert.True(t, errors.As(r.ResizeVolume(cfg), &cfgErr))
	assert.Equal(t, 3, r.Volume().Grid().ProbeCount())
}

func TestCameraControllerAdvancesByTimeStep(t *testing.T) {
	sc := reader.NewCornellBox()
	sc.Camera.SetController(&scene.Fly{Velocity: types.XYZ(0, 0, 1)})
	r := newTestRenderer(t, newTestDevice(t), sc, Options{TimeStep: 100 * time.Millisecond})

	require.NoError(t, r.RenderFrames(2))
	assert.InDelta(t, 3.2, sc.Camera.Position[2], 1e-4)
}

// lossyQueue fails every submission once lose is set.
type lossyQueue struct {
	gpu.Queue
	lose atomic.Bool
}

func (q *lossyQueue) ExecuteCommandLists(lists ...*gpu.CommandList) error {
	if q.lose.Load() {
		return &gpu.DeviceLostError{Op: "ExecuteCommandLists", Err: errors.New("device removed")}
	}
	return q.Queue.ExecuteCommandLists(lists...)
}

func TestDeviceLossIsTerminal(t *testing.T) {
	dev := newTestDevice(t)
	queue := &lossyQueue{Queue: dev.Queue()}
	r := newTestRenderer(t, dev, reader.NewCornellBox(), Options{Queue: queue})
	require.NoError(t, r.RenderFrames(1))

	queue.lose.Store(true)
	err := r.Render()
	require.True(t, gpu.IsDeviceLost(err))
	assert.Equal(t, uint64(1), r.Stats().Sync.SkippedFrames)

	// The device does not come back even if submissions would succeed.
	queue.lose.Store(false)
	assert.Equal(t, err, r.Render())
	assert.Equal(t, err, r.RenderFrames(1))
}

func TestCapacityErrorsSkipTheFrame(t *testing.T) {
	dev := newTestDevice(t)
	r := newTestRenderer(t, dev, reader.NewCornellBox(), Options{})

	// A third frame slot has no copy of the volume constants.
	require.NoError(t, r.sync.Close())
	var err error
	r.sync, err = frame.New(dev, dev.Queue(), 3)
	require.NoError(t, err)

	err = r.RenderFrames(5)
	require.True(t, gpu.IsCapacity(err), "expected a capacity error; got %v", err)
	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Sync.Frames)
	assert.Equal(t, uint64(maxConsecutiveSkips), stats.Sync.SkippedFrames)
	assert.Equal(t, uint64(2), stats.Frame)
}

func TestRenderThroughHALQueue(t *testing.T) {
	dev := newTestDevice(t)
	queue, err := halqueue.Open(gputypes.BackendEmpty, dev)
	require.NoError(t, err)
	t.Cleanup(queue.Close)

	r := newTestRenderer(t, dev, reader.NewCornellBox(), Options{Queue: queue})
	require.NoError(t, r.RenderFrames(2))
	assert.Equal(t, uint64(2), r.Stats().Sync.Frames)
	assert.Zero(t, queue.Poll())
	assert.InDelta(t, 4.41, r.View().Output().Load(4, 4)[3], 0.05)
}

func TestCloseReleasesResources(t *testing.T) {
	dev := newTestDevice(t)
	r, err := New(dev, reader.NewCornellBox(), testConfig(), Options{})
	require.NoError(t, err)
	require.NoError(t, r.RenderFrames(2))

	r.Close()
	r.Close()
	assert.Equal(t, ErrClosed, r.Render())
	assert.Equal(t, ErrClosed, r.WaitForGPU())
	assert.Nil(t, r.res.giScene)
}
