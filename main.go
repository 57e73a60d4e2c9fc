package main

import (
	"fmt"
	"os"
	"time"

	"github.com/achilleasa/polaris-ddgi/cmd"
	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	sceneDescription := `
The scene argument is either a wavefront obj file, a zip bundle containing a
single top-level obj file and the files it references, or the keyword
"cornell" for the built-in Cornell box.`

	renderFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "frames, n",
			Value: 16,
			Usage: "number of frames to render",
		},
		cli.IntFlag{
			Name:  "width",
			Usage: "frame width; overrides the config value",
		},
		cli.IntFlag{
			Name:  "height",
			Usage: "frame height; overrides the config value",
		},
		cli.DurationFlag{
			Name:  "time-step",
			Value: time.Second / 60,
			Usage: "camera time step per frame; 0 uses the wall clock",
		},
		cli.Float64Flag{
			Name:  "orbit",
			Usage: "orbit the camera around the scene center at this speed (radians/sec)",
		},
	}

	app := cli.NewApp()
	app.Name = "polaris-ddgi"
	app.Usage = "light scenes with dynamic diffuse global illumination probes"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load settings from a toml or yaml file",
		},
		cli.StringFlag{
			Name:  "backend, b",
			Value: "software",
			Usage: `submit frames through a HAL backend queue (see "list-backends")`,
		},
	}
	app.Commands = []cli.Command{
		{
			Name:        "render",
			Usage:       "render scene",
			Description: "Update the probe volume and render the scene for a number of frames.\n" + sceneDescription,
			ArgsUsage:   "scene_file",
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Value: "frame.png",
					Usage: "image filename (png, tiff or bmp) for the last rendered frame",
				},
				cli.Float64Flag{
					Name:  "exposure",
					Value: 1.0,
					Usage: "camera exposure",
				},
				cli.StringFlag{
					Name:  "atlas-dir",
					Usage: "also write the volume atlases to this folder",
				},
				cli.IntFlag{
					Name:  "atlas-scale",
					Value: 4,
					Usage: "upscale factor for atlas images",
				},
			}, renderFlags...),
			Action: cmd.RenderFrames,
		},
		{
			Name:        "probes",
			Usage:       "display the probe grid state",
			Description: "Update the probe volume and display the position and state of every probe.\n" + sceneDescription,
			ArgsUsage:   "scene_file",
			Flags:       renderFlags,
			Action:      cmd.ShowProbes,
		},
		{
			Name:        "scene",
			Usage:       "display scene information",
			Description: sceneDescription,
			ArgsUsage:   "scene_file",
			Action:      cmd.ShowSceneInfo,
		},
		{
			Name:        "bundle",
			Usage:       "write scene to a zip bundle or obj file",
			Description: "Write the scene geometry, materials, camera and instances so it can be\nshared as a single file or edited with a text editor.\n" + sceneDescription,
			ArgsUsage:   "scene_file",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Value: "scene.zip",
					Usage: "output filename (zip or obj)",
				},
			},
			Action: cmd.BundleScene,
		},
		{
			Name:  "config",
			Usage: "print the active configuration",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "format, f",
					Value: "toml",
					Usage: "output format (toml or yaml)",
				},
			},
			Action: cmd.DumpConfig,
		},
		{
			Name:   "list-backends",
			Usage:  "list available device backends",
			Action: cmd.ListBackends,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
