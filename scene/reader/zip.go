package reader

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/achilleasa/polaris-ddgi/asset"
	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/scene"
)

// Reads a zip bundle containing a single top-level .obj file together with
// the files it references.
type zipSceneReader struct {
	logger log.Logger
}

// Create a new zip scene reader
func newZipSceneReader() *zipSceneReader {
	return &zipSceneReader{
		logger: log.New("zip reader"),
	}
}

// Read scene definition from zip file.
func (p *zipSceneReader) Read(sceneRes *asset.Resource) (*scene.Scene, error) {
	p.logger.Noticef(`reading scene bundle "%s"`, sceneRes.Path())

	// zip package requires a reader implementing ReaderAt. To work around
	// this requirement we read the entire zip file into memory and create
	// a reader from the bytes package that implements ReaderAt
	data, err := io.ReadAll(sceneRes)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	files := make(map[string]*zip.File, len(zr.File))
	var entry string
	for _, f := range zr.File {
		name := path.Clean(f.Name)
		files[name] = f
		if strings.EqualFold(path.Ext(name), ".obj") && !strings.Contains(name, "/") {
			if entry != "" {
				return nil, fmt.Errorf("zipSceneReader: bundle contains multiple top-level obj files (%s, %s)", entry, name)
			}
			entry = name
		}
	}
	if entry == "" {
		return nil, fmt.Errorf("zipSceneReader: bundle does not contain a top-level obj file")
	}

	open := func(name string, relTo *asset.Resource) (*asset.Resource, error) {
		if relTo != nil {
			name = path.Join(path.Dir(relTo.Path()), name)
		}
		f, exists := files[path.Clean(name)]
		if !exists {
			return nil, fmt.Errorf("zipSceneReader: %s not found in bundle", name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		contents, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("zipSceneReader: failed to load %s: %s", name, err.Error())
		}
		return asset.NewResourceFromStream(path.Clean(name), bytes.NewReader(contents)), nil
	}

	entryRes, err := open(entry, nil)
	if err != nil {
		return nil, err
	}
	defer entryRes.Close()

	wf := newWavefrontReader()
	wf.open = open
	return wf.Read(entryRes)
}
