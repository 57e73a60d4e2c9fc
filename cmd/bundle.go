package cmd

import (
	"errors"

	"github.com/achilleasa/polaris-ddgi/scene/writer"
	"github.com/urfave/cli"
)

// Write the scene passed as the first argument to a zip bundle or obj file
// that can be passed back to the other commands.
func BundleScene(ctx *cli.Context) error {
	if _, err := loadConfig(ctx); err != nil {
		return err
	}

	out := ctx.String("out")
	if out == "" {
		return errors.New("missing output filename")
	}

	sc, err := loadScene(ctx)
	if err != nil {
		return err
	}
	return writer.WriteScene(sc, out)
}
