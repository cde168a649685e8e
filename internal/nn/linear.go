package nn

import (
	"math/rand"

	"vitforge/internal/tensor"
)

// Linear applies y = x Wᵀ + b over the last dimension of its input.
// W has shape (out, in).
type Linear struct {
	In, Out int
	Weight  *tensor.Param
	Bias    *tensor.Param

	input *tensor.Tensor // (rows, in)
	shape []int
}

// NewLinear returns a layer with truncated-normal weights (std 0.02) and
// zero bias. Pass bias=false to omit the bias term.
func NewLinear(name string, in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{In: in, Out: out, Weight: tensor.NewParam(join(name, "weight"), out, in)}
	truncNormal(l.Weight.Value, 0.02, rng)
	if bias {
		l.Bias = tensor.NewParam(join(name, "bias"), out)
	}
	return l
}

func (l *Linear) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != l.In {
		panic(&tensor.ShapeError{Op: "linear", Want: []int{-1, l.In}, Got: shape})
	}
	rows := x.Len() / l.In
	x2 := x.Reshape(rows, l.In)
	y := tensor.MatMulTransB(x2, l.Weight.Value)
	if l.Bias != nil {
		b := l.Bias.Value.Data()
		d := y.Data()
		for r := 0; r < rows; r++ {
			row := d[r*l.Out : (r+1)*l.Out]
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	if train {
		l.input = x2
		l.shape = shape
	}
	outShape := append(shape[:len(shape)-1:len(shape)-1], l.Out)
	return y.Reshape(outShape...)
}

func (l *Linear) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if l.input == nil {
		missingCache("linear")
	}
	rows := l.input.Dim(0)
	g2 := grad.Reshape(rows, l.Out)
	if l.Weight.Trainable {
		l.Weight.Accumulate(tensor.MatMulTransA(g2, l.input))
	}
	if l.Bias != nil && l.Bias.Trainable {
		db := l.Bias.Grad.Data()
		d := g2.Data()
		for r := 0; r < rows; r++ {
			row := d[r*l.Out : (r+1)*l.Out]
			for j, v := range row {
				db[j] += v
			}
		}
	}
	dx := tensor.MatMul(g2, l.Weight.Value)
	shape := l.shape
	l.input, l.shape = nil, nil
	return dx.Reshape(shape...)
}

func (l *Linear) Params() []*tensor.Param {
	if l.Bias == nil {
		return []*tensor.Param{l.Weight}
	}
	return []*tensor.Param{l.Weight, l.Bias}
}
