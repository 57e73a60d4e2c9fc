package writer

import (
	"archive/zip"
	"os"
	"time"

	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/scene"
)

const (
	bundleSceneFile    = "scene.obj"
	bundleMaterialFile = "scene.mtl"
)

type zipSceneWriter struct {
	logger    log.Logger
	sceneFile string
}

// Create a new zip scene writer
func newZipSceneWriter(sceneFile string) *zipSceneWriter {
	return &zipSceneWriter{
		logger:    log.New("zip writer"),
		sceneFile: sceneFile,
	}
}

// Write scene definition to zip file.
func (w *zipSceneWriter) Write(sc *scene.Scene) (err error) {
	w.logger.Noticef("writing scene bundle to %s", w.sceneFile)
	start := time.Now()

	zipFile, err := os.Create(w.sceneFile)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := zipFile.Close(); err == nil {
			err = closeErr
		}
	}()

	zw := zip.NewWriter(zipFile)
	objw, err := zw.Create(bundleSceneFile)
	if err != nil {
		return err
	}
	enc := newWavefrontEncoder(sc)
	if err = enc.encodeScene(objw, bundleMaterialFile); err != nil {
		return err
	}
	mtlw, err := zw.Create(bundleMaterialFile)
	if err != nil {
		return err
	}
	if err = enc.encodeMaterials(mtlw); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}

	if enc.baked > 0 {
		w.logger.Warningf("baked %d instance transforms that could not be expressed as translate/rotate/scale", enc.baked)
	}
	w.logger.Noticef("wrote scene bundle in %d ms", time.Since(start).Nanoseconds()/1e6)
	return nil
}
