// Package imageproc turns uploaded images into model input tensors.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	DefaultSize = 224

	// DefaultMaxPixels bounds the decoded pixel grid of an upload.
	DefaultMaxPixels = 50_000_000
)

var (
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrImageTooLarge        = errors.New("image dimensions too large")

	// Extensions accepted for upload.
	Extensions = []string{".jpg", ".png", ".jpeg"}
)

// Layout is the memory order of the input tensor.
type Layout int

const (
	NHWC Layout = iota
	NCHW
)

func (l Layout) String() string {
	if l == NCHW {
		return "NCHW"
	}
	return "NHWC"
}

// CheckExtension accepts .jpg, .jpeg and .png in any case.
func CheckExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range Extensions {
		if ext == e {
			return nil
		}
	}
	return fmt.Errorf("%w %q, supported: %s", ErrUnsupportedExtension, ext, strings.Join(Extensions, ", "))
}

// Decode reads a JPEG or PNG as stored; EXIF orientation is ignored. Images
// whose declared size exceeds maxPixels are rejected before the pixel data is
// decoded. A maxPixels of zero or less disables the check.
func Decode(r io.Reader, maxPixels int) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// ToRGB returns an opaque copy of img with three meaningful channels.
// Alpha is discarded without compositing, keeping the straight colour;
// grayscale and paletted images are expanded.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return dst
}

// Normalize flattens an image into float32 values in [0, 1], one per
// channel, with a leading batch dimension of one.
func Normalize(img *image.NRGBA, layout Layout) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			px := img.Pix[off : off+3 : off+3]
			i := y*width + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255.0
				if layout == NCHW {
					data[c*plane+i] = v
				} else {
					data[i*3+c] = v
				}
			}
		}
	}
	return data
}

// Preprocessor resizes to a fixed size, ignoring aspect ratio, and
// normalizes.
type Preprocessor struct {
	Width  int
	Height int
	Layout Layout
	Filter Filter
}

func NewPreprocessor(width, height int, layout Layout, filter Filter) Preprocessor {
	if width <= 0 {
		width = DefaultSize
	}
	if height <= 0 {
		height = DefaultSize
	}
	return Preprocessor{Width: width, Height: height, Layout: layout, Filter: filter}
}

// Tensor runs the full preprocessing chain on img.
func (p Preprocessor) Tensor(img image.Image) []float32 {
	resized := Resize(ToRGB(img), p.Width, p.Height, p.Filter)
	return Normalize(resized, p.Layout)
}

// Thumbnail scales img to fit within size×size for display.
func Thumbnail(img image.Image, size int) *image.NRGBA {
	return imaging.Fit(img, size, size, imaging.Lanczos)
}
