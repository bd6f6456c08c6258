package preprocess

import (
	"errors"
	"fmt"
	"image"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

var ErrInvalidTransform = errors.New("invalid transform")

// Transform describes the test-time preprocessing of a checkpoint.
// A nil *Transform means ToTensor only: resize to the model input and scale
// to [0,1].
type Transform struct {
	// Resize scales the shorter side to this many pixels. 0 disables it.
	Resize int `json:"resize,omitempty" yaml:"resize,omitempty"`
	// CenterCrop cuts a square of this side from the middle. 0 disables it.
	CenterCrop int       `json:"center_crop,omitempty" yaml:"center_crop,omitempty"`
	Mean       []float32 `json:"mean,omitempty" yaml:"mean,omitempty"`
	Std        []float32 `json:"std,omitempty" yaml:"std,omitempty"`
}

func (t *Transform) Validate() error {
	if t == nil {
		return nil
	}
	if t.Resize < 0 || t.CenterCrop < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidTransform)
	}
	if t.Resize > 0 && t.CenterCrop > t.Resize {
		return fmt.Errorf("%w: center_crop %d larger than resize %d", ErrInvalidTransform, t.CenterCrop, t.Resize)
	}
	if (t.Mean == nil) != (t.Std == nil) {
		return fmt.Errorf("%w: mean and std must be given together", ErrInvalidTransform)
	}
	if t.Mean != nil {
		if len(t.Mean) != 3 || len(t.Std) != 3 {
			return fmt.Errorf("%w: mean and std need 3 channels", ErrInvalidTransform)
		}
		for _, s := range t.Std {
			if s == 0 {
				return fmt.Errorf("%w: zero std", ErrInvalidTransform)
			}
		}
	}
	return nil
}

// Apply turns img into a CHW float32 tensor of 3*height*width values.
func Apply(img image.Image, t *Transform, width, height int) ([]float32, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: target size %dx%d", ErrInvalidTransform, width, height)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if t != nil {
		if t.Resize > 0 {
			img = resizeShorter(img, t.Resize)
		}
		if t.CenterCrop > 0 {
			img = centerCrop(img, t.CenterCrop)
		}
	}

	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	}

	var mean, std []float32
	if t != nil {
		mean, std = t.Mean, t.Std
	}
	return toTensor(img, mean, std), nil
}

func resizeShorter(img image.Image, side int) image.Image {
	b := img.Bounds()
	if b.Dx() <= b.Dy() {
		return resize.Resize(uint(side), 0, img, resize.Lanczos3)
	}
	return resize.Resize(0, uint(side), img, resize.Lanczos3)
}

// centerCrop cuts a size x size square from the middle of img. Sides shorter
// than size are kept whole.
func centerCrop(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := min(size, b.Dx()), min(size, b.Dy())
	x0 := b.Min.X + (b.Dx()-w)/2
	y0 := b.Min.Y + (b.Dy()-h)/2

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Copy(dst, image.Point{}, img, image.Rect(x0, y0, x0+w, y0+h), draw.Src, nil)
	return dst
}

func toTensor(img image.Image, mean, std []float32) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	out := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := y*width + x
			out[px] = float32(r) / 65535.0
			out[plane+px] = float32(g) / 65535.0
			out[2*plane+px] = float32(bl) / 65535.0
		}
	}

	if mean != nil {
		for c := 0; c < 3; c++ {
			ch := out[c*plane : (c+1)*plane]
			for i := range ch {
				ch[i] = (ch[i] - mean[c]) / std[c]
			}
		}
	}
	return out
}
