package nn

import (
	"math"
	"math/rand"

	"vitforge/internal/tensor"
)

// Conv2d is a 2-D convolution over NCHW input, computed per sample as an
// im2col matrix product. Weight has shape (out, in, k, k).
type Conv2d struct {
	InC, OutC    int
	Kernel       int
	Stride, Pad  int
	Weight, Bias *tensor.Param

	input *tensor.Tensor
}

// NewConv2d returns a convolution with PyTorch's default uniform
// initialisation bound 1/sqrt(fan_in).
func NewConv2d(name string, in, out, kernel, stride, pad int, rng *rand.Rand) *Conv2d {
	c := &Conv2d{
		InC: in, OutC: out, Kernel: kernel, Stride: stride, Pad: pad,
		Weight: tensor.NewParam(join(name, "weight"), out, in, kernel, kernel),
		Bias:   tensor.NewParam(join(name, "bias"), out),
	}
	bound := 1 / math.Sqrt(float64(in*kernel*kernel))
	uniform(c.Weight.Value, bound, rng)
	uniform(c.Bias.Value, bound, rng)
	return c
}

// InitIdentity sets the kernel so the layer initially passes its input
// through unchanged. Requires in == out and an odd kernel with same padding.
func (c *Conv2d) InitIdentity() {
	if c.InC != c.OutC || c.Kernel%2 == 0 || c.Stride != 1 || c.Pad != c.Kernel/2 {
		panic(&tensor.ShapeError{Op: "conv identity", Want: []int{c.InC, c.InC}, Got: []int{c.OutC, c.InC}})
	}
	c.Weight.Value.Zero()
	c.Bias.Value.Zero()
	mid := c.Kernel / 2
	for ch := 0; ch < c.InC; ch++ {
		c.Weight.Value.Set(1, ch, ch, mid, mid)
	}
}

// OutSize returns the spatial output size for an input of side n.
func (c *Conv2d) OutSize(n int) int {
	return (n+2*c.Pad-c.Kernel)/c.Stride + 1
}

func (c *Conv2d) weight2D() *tensor.Tensor {
	return c.Weight.Value.Reshape(c.OutC, c.InC*c.Kernel*c.Kernel)
}

func (c *Conv2d) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	if x.Dims() != 4 || x.Dim(1) != c.InC {
		panic(&tensor.ShapeError{Op: "conv2d", Want: []int{-1, c.InC, -1, -1}, Got: x.Shape()})
	}
	n, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	oh, ow := c.OutSize(h), c.OutSize(w)
	if oh <= 0 || ow <= 0 {
		panic(&tensor.ShapeError{Op: "conv2d", Want: []int{-1, c.InC, c.Kernel, c.Kernel}, Got: x.Shape()})
	}
	out := tensor.New(n, c.OutC, oh, ow)
	w2 := c.weight2D()
	plane := oh * ow
	inSize := c.InC * h * w
	bias := c.Bias.Value.Data()
	od := out.Data()
	for s := 0; s < n; s++ {
		cols := c.im2col(x.Data()[s*inSize:(s+1)*inSize], h, w, oh, ow)
		y := tensor.MatMulTransB(w2, cols) // (out, plane)
		dst := od[s*c.OutC*plane : (s+1)*c.OutC*plane]
		copy(dst, y.Data())
		for o := 0; o < c.OutC; o++ {
			row := dst[o*plane : (o+1)*plane]
			for i := range row {
				row[i] += bias[o]
			}
		}
	}
	if train {
		c.input = x
	}
	return out
}

func (c *Conv2d) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if c.input == nil {
		missingCache("conv2d")
	}
	x := c.input
	c.input = nil
	n, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	oh, ow := c.OutSize(h), c.OutSize(w)
	plane := oh * ow
	inSize := c.InC * h * w
	w2 := c.weight2D()
	dx := tensor.New(x.Shape()...)
	var dw *tensor.Tensor
	if c.Weight.Trainable {
		dw = tensor.New(c.OutC, c.InC*c.Kernel*c.Kernel)
	}
	db := c.Bias.Grad.Data()
	gd := grad.Data()
	for s := 0; s < n; s++ {
		g := tensor.FromData(gd[s*c.OutC*plane:(s+1)*c.OutC*plane], c.OutC, plane)
		if dw != nil {
			cols := c.im2col(x.Data()[s*inSize:(s+1)*inSize], h, w, oh, ow)
			dw.AddInPlace(tensor.MatMul(g, cols))
		}
		if c.Bias.Trainable {
			for o := 0; o < c.OutC; o++ {
				for _, v := range g.Row(o) {
					db[o] += v
				}
			}
		}
		dcols := tensor.MatMulTransA(g, w2) // (plane, in*k*k)
		c.col2im(dcols, dx.Data()[s*inSize:(s+1)*inSize], h, w, oh, ow)
	}
	if dw != nil {
		c.Weight.Accumulate(dw.Reshape(c.Weight.Value.Shape()...))
	}
	return dx
}

func (c *Conv2d) Params() []*tensor.Param {
	return []*tensor.Param{c.Weight, c.Bias}
}

// im2col lays out every receptive field of one sample as a row.
func (c *Conv2d) im2col(src []float64, h, w, oh, ow int) *tensor.Tensor {
	k := c.Kernel
	width := c.InC * k * k
	cols := tensor.New(oh*ow, width)
	d := cols.Data()
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := d[(oy*ow+ox)*width : (oy*ow+ox+1)*width]
			i := 0
			for ch := 0; ch < c.InC; ch++ {
				for ky := 0; ky < k; ky++ {
					iy := oy*c.Stride - c.Pad + ky
					for kx := 0; kx < k; kx++ {
						ix := ox*c.Stride - c.Pad + kx
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							row[i] = src[(ch*h+iy)*w+ix]
						}
						i++
					}
				}
			}
		}
	}
	return cols
}

// col2im scatters column gradients back onto one sample, summing overlaps.
func (c *Conv2d) col2im(cols *tensor.Tensor, dst []float64, h, w, oh, ow int) {
	k := c.Kernel
	width := c.InC * k * k
	d := cols.Data()
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := d[(oy*ow+ox)*width : (oy*ow+ox+1)*width]
			i := 0
			for ch := 0; ch < c.InC; ch++ {
				for ky := 0; ky < k; ky++ {
					iy := oy*c.Stride - c.Pad + ky
					for kx := 0; kx < k; kx++ {
						ix := ox*c.Stride - c.Pad + kx
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							dst[(ch*h+iy)*w+ix] += row[i]
						}
						i++
					}
				}
			}
		}
	}
}
