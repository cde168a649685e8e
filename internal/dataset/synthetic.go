package dataset

import (
	"image"
	"image/color"

	"vitforge/internal/errkind"
)

// Synthetic generates class-coded images without touching disk. Sample i
// has label i % Classes; its colour encodes the label and its brightness
// ramp varies with i.
type Synthetic struct {
	N       int
	Classes int
	Side    int
}

// NewSynthetic returns a source of n samples of side x side pixels.
func NewSynthetic(n, classes, side int) *Synthetic {
	return &Synthetic{N: n, Classes: classes, Side: side}
}

func (s *Synthetic) Len() int { return s.N }

func (s *Synthetic) Get(i int) (Sample, error) {
	if i < 0 || i >= s.N {
		return Sample{}, errkind.Resourcef("synthetic index %d out of range [0, %d)", i, s.N)
	}
	label := i % s.Classes
	base := color.RGBA{
		R: uint8(37 * label % 256),
		G: uint8(91 * (label + 1) % 256),
		B: uint8(151 * (label + 2) % 256),
		A: 0xff,
	}
	img := image.NewRGBA(image.Rect(0, 0, s.Side, s.Side))
	shift := uint8(i % 17)
	for y := 0; y < s.Side; y++ {
		for x := 0; x < s.Side; x++ {
			ramp := uint8(x * 32 / s.Side)
			img.SetRGBA(x, y, color.RGBA{R: base.R + ramp + shift, G: base.G + ramp, B: base.B - ramp, A: 0xff})
		}
	}
	return Sample{Image: img, Label: label}, nil
}
