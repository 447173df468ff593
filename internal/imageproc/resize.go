package imageproc

import (
	"fmt"
	"image"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Filter names a resampling kernel.
type Filter string

const (
	Nearest    Filter = "nearest"
	Bilinear   Filter = "bilinear"
	Bicubic    Filter = "bicubic"
	Lanczos3   Filter = "lanczos3"
	CatmullRom Filter = "catmullrom"

	DefaultFilter = Bicubic
)

var nfntFilters = map[Filter]resize.InterpolationFunction{
	Nearest:  resize.NearestNeighbor,
	Bilinear: resize.Bilinear,
	Bicubic:  resize.Bicubic,
	Lanczos3: resize.Lanczos3,
}

func ParseFilter(name string) (Filter, error) {
	f := Filter(strings.ToLower(strings.TrimSpace(name)))
	if f == "" {
		return DefaultFilter, nil
	}
	if _, ok := nfntFilters[f]; ok || f == CatmullRom {
		return f, nil
	}
	return "", fmt.Errorf("unknown resize filter %q", name)
}

// Resize stretches img to exactly width×height.
func Resize(img *image.NRGBA, width, height int, f Filter) *image.NRGBA {
	if f == CatmullRom {
		dst := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		return dst
	}
	interp, ok := nfntFilters[f]
	if !ok {
		interp = nfntFilters[DefaultFilter]
	}
	resized := resize.Resize(uint(width), uint(height), img, interp)
	if out, ok := resized.(*image.NRGBA); ok {
		return out
	}
	// Opaque input, so premultiplied output converts without loss.
	return ToRGB(resized)
}
