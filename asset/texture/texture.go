// Package texture converts float GPU textures to 8-bit images and writes
// them to disk.
package texture

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

// A host copy of an RGBA32F texture.
type Texture struct {
	Width  uint32
	Height uint32

	// Row-major RGBA texels.
	Data []float32
}

// Options control how texels are quantized.
type Options struct {
	// Multiplier applied to the color channels before quantization. Zero
	// is treated as 1.
	Exposure float32

	// Divide the color channels by the largest color component of the
	// texture.
	Normalize bool

	// Apply the sRGB transfer curve.
	SRGB bool

	// Ignore the alpha channel and write opaque pixels.
	Opaque bool

	// Integer upscale factor using nearest neighbor filtering.
	Scale int
}

// Copy texel data out of a GPU texture. The GPU must not be writing to tex.
func FromGPU(tex *gpu.Texture) *Texture {
	return &Texture{
		Width:  uint32(tex.Width()),
		Height: uint32(tex.Height()),
		Data:   append([]float32(nil), tex.Texels()...),
	}
}

// Convert the texture to an 8-bit image.
func (t *Texture) Image(opts Options) image.Image {
	exposure := opts.Exposure
	if exposure == 0 {
		exposure = 1
	}
	if opts.Normalize {
		var maxVal float32
		for i, v := range t.Data {
			if i%4 != 3 && v > maxVal {
				maxVal = v
			}
		}
		if maxVal > 0 {
			exposure /= maxVal
		}
	}

	im := image.NewNRGBA(image.Rect(0, 0, int(t.Width), int(t.Height)))
	for y := 0; y < int(t.Height); y++ {
		for x := 0; x < int(t.Width); x++ {
			offset := 4 * (y*int(t.Width) + x)
			texel := t.Data[offset : offset+4]
			c := color.NRGBA{
				R: quantize(texel[0]*exposure, opts.SRGB),
				G: quantize(texel[1]*exposure, opts.SRGB),
				B: quantize(texel[2]*exposure, opts.SRGB),
				A: 255,
			}
			if !opts.Opaque {
				c.A = quantize(texel[3], false)
			}
			im.SetNRGBA(x, y, c)
		}
	}

	if opts.Scale <= 1 {
		return im
	}
	scaled := image.NewNRGBA(image.Rect(0, 0, int(t.Width)*opts.Scale, int(t.Height)*opts.Scale))
	draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), im, im.Bounds(), draw.Src, nil)
	return scaled
}

func quantize(v float32, srgb bool) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	if srgb {
		if v <= 0.0031308 {
			v *= 12.92
		} else {
			v = 1.055*float32(math.Pow(float64(v), 1/2.4)) - 0.055
		}
	}
	return uint8(v*255 + 0.5)
}

// Encode img to w using the given format.
func Encode(w io.Writer, img image.Image, format Format) error {
	switch format {
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case BMP:
		return bmp.Encode(w, img)
	default:
		return png.Encode(w, img)
	}
}

// Write the texture to imgFile. The file format is selected based on the
// file extension.
func (t *Texture) Write(imgFile string, opts Options) error {
	format, err := FormatFromPath(imgFile)
	if err != nil {
		return err
	}

	f, err := os.Create(imgFile)
	if err != nil {
		return err
	}

	if err = Encode(f, t.Image(opts), format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
