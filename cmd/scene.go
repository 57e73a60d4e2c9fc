package cmd

import (
	"github.com/urfave/cli"
)

// Display scene info.
func ShowSceneInfo(ctx *cli.Context) error {
	if _, err := loadConfig(ctx); err != nil {
		return err
	}

	sc, err := loadScene(ctx)
	if err != nil {
		return err
	}

	bbox := sc.BBox()
	logger.Noticef(
		"scene information:\n%sbounds: (%.3f, %.3f, %.3f) - (%.3f, %.3f, %.3f)\ncamera: position %v, look at %v, fov %.1f",
		sc.Stats(),
		bbox[0][0], bbox[0][1], bbox[0][2], bbox[1][0], bbox[1][1], bbox[1][2],
		sc.Camera.Position, sc.Camera.LookAt, sc.Camera.FOV,
	)
	return nil
}
