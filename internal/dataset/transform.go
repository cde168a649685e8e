package dataset

import (
	"image"

	"golang.org/x/image/draw"

	"vitforge/internal/errkind"
)

// Transform resizes, optionally flips and normalizes a sample into the
// model's input layout.
type Transform struct {
	// Size is the square output side.
	Size int
	Mean [3]float64
	Std  [3]float64
	// Flip mirrors horizontally with probability 0.5. The decision is a
	// pure function of (Seed, epoch, index).
	Flip bool
	Seed int64
}

// Validate rejects transforms that cannot produce finite output.
func (t Transform) Validate() error {
	if t.Size <= 0 {
		return errkind.Configf("transform size must be > 0 (got %d)", t.Size)
	}
	for c, s := range t.Std {
		if s <= 0 {
			return errkind.Configf("transform std[%d] must be > 0 (got %g)", c, s)
		}
	}
	return nil
}

// Apply writes the transformed image into dst, which holds 3*Size*Size
// values in channel-major order.
func (t Transform) Apply(img image.Image, epoch, index int, dst []float64) {
	resized := image.NewRGBA64(image.Rect(0, 0, t.Size, t.Size))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	flip := t.Flip && t.flipped(epoch, index)
	plane := t.Size * t.Size
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			sx := x
			if flip {
				sx = t.Size - 1 - x
			}
			c := resized.RGBA64At(sx, y)
			o := y*t.Size + x
			dst[o] = (float64(c.R)/0xffff - t.Mean[0]) / t.Std[0]
			dst[plane+o] = (float64(c.G)/0xffff - t.Mean[1]) / t.Std[1]
			dst[2*plane+o] = (float64(c.B)/0xffff - t.Mean[2]) / t.Std[2]
		}
	}
}

// flipped hashes (seed, epoch, index) with splitmix64 and uses the low bit.
func (t Transform) flipped(epoch, index int) bool {
	z := uint64(t.Seed) ^ uint64(epoch)<<32 ^ uint64(index)
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return z&1 == 1
}
