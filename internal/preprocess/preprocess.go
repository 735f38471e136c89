// Package preprocess turns canvas pixels and uploaded images into the
// normalized single-channel tensor the classifier expects.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"gorgonia.org/tensor"
)

// ErrMalformedImage is returned for payloads that are not a rectangular
// H x W x C array of pixel values.
var ErrMalformedImage = errors.New("malformed image")

// MaxSide bounds each input dimension.
const MaxSide = 4096

// Normalizer resizes a grayscale image to Size x Size and applies
// (x/255 - Mean) / Std to every pixel.
type Normalizer struct {
	Size int
	Mean float64
	Std  float64
}

// Shape is the tensor shape produced by Tensor: batch, channel, height, width.
func (n Normalizer) Shape() tensor.Shape {
	return tensor.Shape{1, 1, n.Size, n.Size}
}

// Tensor resizes gray with bicubic interpolation and returns the normalized
// (1, 1, Size, Size) float32 tensor.
func (n Normalizer) Tensor(gray *image.Gray) (*tensor.Dense, error) {
	if gray == nil || gray.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrMalformedImage)
	}
	if n.Size <= 0 || n.Std == 0 {
		return nil, fmt.Errorf("normalizer misconfigured: size %d std %v", n.Size, n.Std)
	}

	resized := resize.Resize(uint(n.Size), uint(n.Size), gray, resize.Bicubic)
	bounds := resized.Bounds()

	raw := make([]float32, 0, n.Size*n.Size)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			raw = append(raw, float32(color.GrayModel.Convert(resized.At(x, y)).(color.Gray).Y))
		}
	}

	t := tensor.New(tensor.WithShape(n.Shape()...), tensor.WithBacking(raw))
	if _, err := t.Apply(n.normalize, tensor.UseUnsafe()); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return t, nil
}

func (n Normalizer) normalize(p float32) float32 {
	return float32((float64(p)/255 - n.Mean) / n.Std)
}

// Scale applies the normalization to raw 8-bit intensities. Training uses
// it directly on dataset images so both paths share the same constants.
func (n Normalizer) Scale(pix []uint8) []float32 {
	out := make([]float32, len(pix))
	for i, p := range pix {
		out[i] = n.normalize(float32(p))
	}
	return out
}

// FromArray validates a canvas payload laid out as rows x columns x channels
// and reduces it to grayscale. One channel is gray, two are gray+alpha,
// three are RGB and four RGBA. Alpha is ignored.
func FromArray(data [][][]float64) (*image.Gray, error) {
	h := len(data)
	if h == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrMalformedImage)
	}
	w := len(data[0])
	if w == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrMalformedImage)
	}
	if h > MaxSide || w > MaxSide {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d", ErrMalformedImage, w, h, MaxSide)
	}
	channels := len(data[0][0])
	if channels < 1 || channels > 4 {
		return nil, fmt.Errorf("%w: %d channels", ErrMalformedImage, channels)
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	for y, row := range data {
		if len(row) != w {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrMalformedImage, y, len(row), w)
		}
		for x, px := range row {
			if len(px) != channels {
				return nil, fmt.Errorf("%w: pixel (%d,%d) has %d channels, want %d", ErrMalformedImage, y, x, len(px), channels)
			}
			for c, v := range px {
				if math.IsNaN(v) || v < 0 || v > 255 {
					return nil, fmt.Errorf("%w: pixel (%d,%d) channel %d value %v out of [0,255]", ErrMalformedImage, y, x, c, v)
				}
			}
			gray.Pix[y*gray.Stride+x] = luminance(px)
		}
	}
	return gray, nil
}

func luminance(px []float64) uint8 {
	if len(px) < 3 {
		return uint8(math.Round(px[0]))
	}
	r, g, b := math.Round(px[0]), math.Round(px[1]), math.Round(px[2])
	return uint8(math.Round(0.299*r + 0.587*g + 0.114*b))
}

// Grayscale converts a decoded image using the standard luminance weights.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x-bounds.Min.X, y-bounds.Min.Y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// IsBlank reports whether every pixel is zero, i.e. nothing was drawn.
func IsBlank(gray *image.Gray) bool {
	bounds := gray.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := gray.Pix[gray.PixOffset(bounds.Min.X, y):gray.PixOffset(bounds.Max.X, y)]
		for _, p := range row {
			if p != 0 {
				return false
			}
		}
	}
	return true
}

// Invert flips intensities so dark-on-light scans look like canvas strokes.
func Invert(gray *image.Gray) *image.Gray {
	bounds := gray.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Pix[out.PixOffset(x, y)] = 255 - gray.Pix[gray.PixOffset(x, y)]
		}
	}
	return out
}
