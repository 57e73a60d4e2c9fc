package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/achilleasa/polaris-ddgi/asset/texture"
	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/achilleasa/polaris-ddgi/gi"
	"github.com/achilleasa/polaris-ddgi/renderer"
	"github.com/achilleasa/polaris-ddgi/scene"
	"github.com/achilleasa/polaris-ddgi/scene/reader"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Load the scene passed as the first command argument.
func loadScene(ctx *cli.Context) (*scene.Scene, error) {
	if ctx.NArg() != 1 {
		return nil, errors.New("missing scene file argument")
	}
	return reader.ReadScene(ctx.Args().First())
}

// Load config and scene, apply command line overrides and setup a renderer.
// The returned func releases the renderer and its device.
func setupRenderer(ctx *cli.Context) (*renderer.DDGI, func(), error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	applyOverrides(ctx, cfg)

	sc, err := loadScene(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("scene information:\n%s", sc.Stats())

	if speed := ctx.Float64("orbit"); speed != 0 {
		bbox := sc.BBox()
		sc.Camera.SetController(&scene.Orbit{
			Target: bbox[0].Add(bbox[1]).Mul(0.5),
			Speed:  float32(speed),
		})
	}

	dev, queue, closeDevice, err := openDevice(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	logger.Notice("compiling shaders and uploading scene data")
	r, err := renderer.New(dev, sc, cfg, renderer.Options{Queue: queue, TimeStep: ctx.Duration("time-step")})
	if err != nil {
		closeDevice()
		return nil, nil, err
	}
	return r, func() {
		r.Close()
		closeDevice()
	}, nil
}

func applyOverrides(ctx *cli.Context, cfg *config.Config) {
	if w := ctx.Int("width"); w > 0 {
		cfg.Renderer.FrameW = w
	}
	if h := ctx.Int("height"); h > 0 {
		cfg.Renderer.FrameH = h
	}
}

// Render a sequence of frames and export the last one.
func RenderFrames(ctx *cli.Context) error {
	r, cleanup, err := setupRenderer(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	numFrames := ctx.Int("frames")
	logger.Noticef("rendering %d frame(s)", numFrames)
	start := time.Now()
	if err = r.RenderFrames(numFrames); err != nil {
		return err
	}
	logger.Noticef("rendered %d frame(s) in %d ms", numFrames, time.Since(start).Nanoseconds()/1000000)

	displayFrameStats(r.Stats())

	imgFile := ctx.String("out")
	start = time.Now()
	err = texture.FromGPU(r.View().Output()).Write(imgFile, texture.Options{
		Exposure: float32(ctx.Float64("exposure")),
		SRGB:     true,
		Opaque:   true,
	})
	if err != nil {
		return err
	}
	logger.Noticef("wrote frame to %s in %d ms", imgFile, time.Since(start).Nanoseconds()/1000000)

	if dir := ctx.String("atlas-dir"); dir != "" {
		return dumpAtlases(r.Volume(), dir, ctx.Int("atlas-scale"))
	}
	return nil
}

// Write the volume atlases as images. Distances and ray data are
// normalized to the largest stored value.
func dumpAtlases(vol *gi.Volume, dir string, scale int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	atlases := []struct {
		name string
		tex  *texture.Texture
		opts texture.Options
	}{
		{"irradiance.png", texture.FromGPU(vol.Irradiance()), texture.Options{Opaque: true, Scale: scale}},
		{"distance.png", texture.FromGPU(vol.Distance()), texture.Options{Normalize: true, Opaque: true, Scale: scale}},
		{"rays.png", texture.FromGPU(vol.RayData()), texture.Options{SRGB: true, Opaque: true, Scale: scale}},
	}
	for _, atlas := range atlases {
		imgFile := filepath.Join(dir, atlas.name)
		if err := atlas.tex.Write(imgFile, atlas.opts); err != nil {
			return err
		}
		logger.Noticef("wrote %dx%d atlas to %s", atlas.tex.Width, atlas.tex.Height, imgFile)
	}
	return nil
}

func displayFrameStats(stats renderer.FrameStats) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Pass", "Record time"})
	for _, pass := range stats.Passes {
		table.Append([]string{pass.Name, pass.RecordTime.String()})
	}
	table.SetFooter([]string{"FRAME", stats.RenderTime.String()})
	table.Render()

	buf.WriteString(fmt.Sprintf(
		"frames: %d, skipped: %d, fence waits: %d (%s), avg frame time: %s\n",
		stats.Sync.Frames, stats.Sync.SkippedFrames, stats.Sync.FenceWaits, stats.Sync.WaitTime, stats.AvgFrameTime(),
	))
	logger.Noticef("frame statistics (frame %d)\n%s", stats.Frame, buf.String())
}
