package cmd

import (
	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/urfave/cli"
)

var logger = log.New("polaris-ddgi")

// The config log level applies unless -v or -vv is specified.
func setupLogging(ctx *cli.Context, cfg *config.Config) {
	if cfg != nil {
		level, err := log.ParseLevel(cfg.Renderer.LogLevel)
		if err != nil {
			logger.Warningf("%v; using %s", err, level)
		}
		log.SetLevel(level)
	}

	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}

// Load the config file passed via --config or fall back to the defaults.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if pathToConfig := ctx.GlobalString("config"); pathToConfig != "" {
		var err error
		if cfg, err = config.Load(pathToConfig); err != nil {
			setupLogging(ctx, nil)
			return nil, err
		}
	}
	setupLogging(ctx, cfg)
	return cfg, nil
}
