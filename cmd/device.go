package cmd

import (
	"bytes"
	"fmt"

	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/gpu/halqueue"
	"github.com/achilleasa/polaris-ddgi/gpu/software"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

const softwareBackend = "software"

// Create a software device. Unless the software backend is selected, frames
// are submitted through a queue opened on the named HAL backend.
func openDevice(ctx *cli.Context, cfg *config.Config) (*software.Device, gpu.Queue, func(), error) {
	dev := software.New(software.Options{
		Budget:          cfg.Renderer.MemoryBudget,
		Workers:         cfg.Renderer.Workers,
		DebugValidation: cfg.Renderer.DebugValidation,
	})

	backend := ctx.GlobalString("backend")
	if backend == "" || backend == softwareBackend {
		return dev, dev.Queue(), func() { dev.Close() }, nil
	}

	variant, err := halqueue.ParseBackend(backend)
	if err != nil {
		dev.Close()
		return nil, nil, nil, err
	}
	queue, err := halqueue.Open(variant, dev)
	if err != nil {
		dev.Close()
		return nil, nil, nil, err
	}
	return dev, queue, func() {
		queue.Close()
		dev.Close()
	}, nil
}

// List the available device backends.
func ListBackends(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Backend", "Adapter", "Type", "Driver", "Max workgroup size"})

	dev := software.New(software.Options{Workers: cfg.Renderer.Workers})
	info := dev.Info()
	dev.Close()
	table.Append([]string{softwareBackend, info.Name, "CPU", fmt.Sprintf("%d workers", info.Workers), "-"})

	adapters := halqueue.Adapters()
	for _, adapter := range adapters {
		limits := adapter.Limits
		table.Append([]string{
			adapter.Backend.String(),
			adapter.Info.Name,
			adapter.Info.DeviceType.String(),
			adapter.Info.Driver,
			fmt.Sprintf("%dx%dx%d", limits.MaxComputeWorkgroupSizeX, limits.MaxComputeWorkgroupSizeY, limits.MaxComputeWorkgroupSizeZ),
		})
	}
	table.Render()

	logger.Noticef("system provides %d HAL adapter(s); frames always execute on the software device\n%s", len(adapters), buf.String())
	return nil
}
