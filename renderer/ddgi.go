package renderer

import (
	"time"

	"github.com/achilleasa/polaris-ddgi/accel"
	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/achilleasa/polaris-ddgi/frame"
	"github.com/achilleasa/polaris-ddgi/gi"
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/scene"
)

// Device is the subset of gpu.Device used by the renderer.
type Device interface {
	gi.Device
	accel.Device
	frame.Device
	Queue() gpu.Queue
}

// DDGI renders a scene lit by a probe volume. Every frame records a volume
// update followed by a camera pass that shades its hits with the updated
// volume.
type DDGI struct {
	dev    Device
	logger log.Logger
	cfg    config.Config
	opts   Options

	scene   *scene.Scene
	sync    *frame.Synchronizer
	builder *accel.Builder
	res     *sceneResources
	volume  *gi.Volume
	view    *gi.View

	lastFrame time.Time
	stats     FrameStats
	lost      error
	closed    bool
}

// New uploads sc to dev and allocates a probe volume and camera view for
// it. A nil cfg selects config.Default().
func New(dev Device, sc *scene.Scene, cfg *config.Config, opts Options) (*DDGI, error) {
	if sc == nil {
		return nil, ErrSceneNotDefined
	}
	if sc.Camera == nil {
		return nil, ErrCameraNotDefined
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	queue := opts.Queue
	if queue == nil {
		queue = dev.Queue()
	}
	sync, err := frame.New(dev, queue, cfg.Renderer.BufferCount, frame.WithFenceTimeout(cfg.Renderer.FenceTimeout.Duration))
	if err != nil {
		return nil, err
	}

	r := &DDGI{
		dev:     dev,
		logger:  log.New("renderer"),
		cfg:     *cfg,
		opts:    opts,
		scene:   sc,
		sync:    sync,
		builder: accel.NewBuilder(dev),
	}
	if err = r.init(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *DDGI) init() error {
	start := time.Now()

	var err error
	if r.res, err = uploadScene(r.dev, r.sync, r.builder, r.scene); err != nil {
		return err
	}
	if r.volume, err = gi.New(r.dev, r.cfg.Volume, r.cfg.Renderer.BufferCount); err != nil {
		return err
	}
	if err = r.volume.SetScene(r.res.giScene); err != nil {
		return err
	}
	w, h := r.cfg.Renderer.FrameW, r.cfg.Renderer.FrameH
	if r.view, err = r.volume.NewView(w, h); err != nil {
		return err
	}
	r.scene.Camera.SetupProjection(float32(w) / float32(h))

	r.logger.Noticef(
		"renderer ready in %d ms (frame: %dx%d, probes: %d, frames in flight: %d)",
		time.Since(start).Nanoseconds()/1e6, w, h, r.volume.Grid().ProbeCount(), r.sync.BufferCount(),
	)
	return nil
}

// Render records and submits one frame. Errors that only affect the
// current frame, such as a full constant ring, skip it and the next call
// records a new frame. Once the device is lost every call fails.
func (r *DDGI) Render() error {
	if r.closed {
		return ErrClosed
	}
	if r.lost != nil {
		return r.lost
	}

	start := time.Now()
	r.scene.Camera.Update(r.timeStep(start))

	f, err := r.sync.BeginFrame()
	if err != nil {
		return r.fail(err)
	}

	passes := make([]PassStat, 0, 2)
	err = record(&passes, "volume", func() error {
		return r.volume.Update(f.CommandList, f.Slot)
	})
	if err == nil {
		err = record(&passes, "view", func() error {
			return r.view.Render(f.CommandList, f.Slot, r.cameraConstants())
		})
	}
	if err != nil {
		return r.fail(r.sync.Discard(f, err))
	}
	if err = r.sync.EndFrame(f); err != nil {
		return r.fail(err)
	}

	elapsed := time.Since(start)
	r.stats.Frame = f.Index
	r.stats.Passes = passes
	r.stats.RenderTime = elapsed
	r.stats.TotalTime += elapsed
	return nil
}

// Number of back to back skipped frames after which RenderFrames gives up.
const maxConsecutiveSkips = 3

// RenderFrames renders n frames and waits for the GPU to finish them.
// Skipped frames are logged and do not count towards n.
func (r *DDGI) RenderFrames(n int) error {
	skipped := 0
	for rendered := 0; rendered < n; {
		err := r.Render()
		switch {
		case err == nil:
			rendered++
			skipped = 0
		case gpu.IsCapacity(err) && skipped+1 < maxConsecutiveSkips:
			skipped++
			r.logger.Warningf("frame skipped: %v", err)
		default:
			return err
		}
	}
	return r.WaitForGPU()
}

func record(passes *[]PassStat, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	*passes = append(*passes, PassStat{Name: name, RecordTime: time.Since(start)})
	return err
}

func (r *DDGI) fail(err error) error {
	if gpu.IsDeviceLost(err) && r.lost == nil {
		r.lost = err
		r.logger.Errorf("device lost; no further frames will be rendered: %v", err)
	}
	return err
}

func (r *DDGI) timeStep(now time.Time) time.Duration {
	if r.opts.TimeStep > 0 {
		return r.opts.TimeStep
	}
	var dt time.Duration
	if !r.lastFrame.IsZero() {
		dt = now.Sub(r.lastFrame)
	}
	r.lastFrame = now
	return dt
}

func (r *DDGI) cameraConstants() gi.CameraConstants {
	cam := r.scene.Camera
	return gi.CameraConstants{
		Position: cam.Position.Vec4(1),
		Frustum:  cam.Frustum,
	}
}

// WaitForGPU blocks until every submitted frame completed. The volume
// atlases and the view output may be read afterwards.
func (r *DDGI) WaitForGPU() error {
	if r.closed {
		return ErrClosed
	}
	return r.fail(r.sync.WaitForGPU())
}

// ResizeVolume rebuilds the probe volume for cfg. Probe state is reset.
func (r *DDGI) ResizeVolume(cfg config.Volume) error {
	next := r.cfg
	next.Volume = cfg
	if err := next.Validate(); err != nil {
		return err
	}
	if err := r.WaitForGPU(); err != nil {
		return err
	}
	if err := r.volume.Resize(cfg); err != nil {
		return err
	}
	r.cfg = next
	return nil
}

// Volume returns the probe volume.
func (r *DDGI) Volume() *gi.Volume { return r.volume }

// View returns the camera view.
func (r *DDGI) View() *gi.View { return r.view }

// Scene returns the rendered scene.
func (r *DDGI) Scene() *scene.Scene { return r.scene }

// Config returns the active configuration.
func (r *DDGI) Config() config.Config { return r.cfg }

// Stats returns the stats of the last rendered frame.
func (r *DDGI) Stats() FrameStats {
	stats := r.stats
	stats.Passes = append([]PassStat(nil), r.stats.Passes...)
	stats.Sync = r.sync.Stats()
	return stats
}

// Close waits for in-flight frames and releases all GPU resources.
func (r *DDGI) Close() {
	if r.closed {
		return
	}
	r.closed = true

	if err := r.sync.Close(); err != nil {
		r.logger.Warningf("error while waiting for in-flight frames: %v", err)
	}
	if r.view != nil {
		r.view.Release()
	}
	if r.volume != nil {
		r.volume.Release()
	}
	if r.res != nil {
		r.res.release(r.builder)
	}
	r.builder.Close()
}
