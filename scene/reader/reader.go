package reader

import (
	"fmt"

	"github.com/achilleasa/polaris-ddgi/asset"
	"github.com/achilleasa/polaris-ddgi/scene"
)

// CornellBox is the name that selects the built-in Cornell box scene.
const CornellBox = "cornell"

// The Reader interface is implemented by all scene readers.
type Reader interface {
	// Read scene definition from a resource.
	Read(*asset.Resource) (*scene.Scene, error)
}

// Read scene from file. The reader is selected by the file extension; the
// special name "cornell" returns the built-in Cornell box.
func ReadScene(filename string) (*scene.Scene, error) {
	if filename == CornellBox {
		return NewCornellBox(), nil
	}

	res, err := asset.NewResource(filename, nil)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var reader Reader
	switch res.Ext() {
	case ".obj":
		reader = newWavefrontReader()
	case ".zip":
		reader = newZipSceneReader()
	default:
		return nil, fmt.Errorf("readScene: unsupported file format %q", res.Ext())
	}
	return reader.Read(res)
}
