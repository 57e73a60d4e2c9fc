package writer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/achilleasa/polaris-ddgi/scene"
)

// The Writer interface is implemented by all scene writers.
type Writer interface {
	// Write scene definition
	Write(*scene.Scene) error
}

// Write scene to filename. A .zip file receives a bundle that
// reader.ReadScene can load; an .obj file is written together with a
// material library next to it.
func WriteScene(sc *scene.Scene, filename string) error {
	var writer Writer
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".zip":
		writer = newZipSceneWriter(filename)
	case ".obj":
		writer = newWavefrontSceneWriter(filename)
	default:
		return fmt.Errorf("writeScene: unsupported file format %q", filepath.Ext(filename))
	}
	return writer.Write(sc)
}
