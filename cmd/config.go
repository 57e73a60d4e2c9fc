package cmd

import (
	"os"

	"github.com/achilleasa/polaris-ddgi/config"
	"github.com/urfave/cli"
)

// Print the active configuration. Without --config this is the default
// configuration and can be used as a starting point for a config file.
func DumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return config.Write(os.Stdout, cfg, config.Format(ctx.String("format")))
}
