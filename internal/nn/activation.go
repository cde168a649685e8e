package nn

import (
	"math"
	"math/rand"

	"vitforge/internal/tensor"
)

// GELU is the exact (erf) Gaussian error linear unit.
type GELU struct {
	input *tensor.Tensor
}

func (a *GELU) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	out := tensor.New(x.Shape()...)
	od := out.Data()
	for i, v := range x.Data() {
		od[i] = 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
	}
	if train {
		a.input = x
	}
	return out
}

func (a *GELU) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if a.input == nil {
		missingCache("gelu")
	}
	x := a.input
	a.input = nil
	dx := tensor.New(x.Shape()...)
	dd, gd := dx.Data(), grad.Data()
	invSqrt2Pi := 1 / math.Sqrt(2*math.Pi)
	for i, v := range x.Data() {
		cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
		pdf := invSqrt2Pi * math.Exp(-0.5*v*v)
		dd[i] = gd[i] * (cdf + v*pdf)
	}
	return dx
}

func (a *GELU) Params() []*tensor.Param { return nil }

// ReLU is max(0, x).
type ReLU struct {
	input *tensor.Tensor
}

func (a *ReLU) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	out := tensor.New(x.Shape()...)
	od := out.Data()
	for i, v := range x.Data() {
		if v > 0 {
			od[i] = v
		}
	}
	if train {
		a.input = x
	}
	return out
}

func (a *ReLU) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if a.input == nil {
		missingCache("relu")
	}
	x := a.input
	a.input = nil
	dx := tensor.New(x.Shape()...)
	dd, gd := dx.Data(), grad.Data()
	for i, v := range x.Data() {
		if v > 0 {
			dd[i] = gd[i]
		}
	}
	return dx
}

func (a *ReLU) Params() []*tensor.Param { return nil }

// Dropout zeroes elements with probability P during training and rescales
// survivors by 1/(1-P). Inference is the identity.
type Dropout struct {
	P   float64
	rng *rand.Rand

	mask []float64
}

// NewDropout returns a dropout layer drawing masks from rng.
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

func (d *Dropout) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	if !train {
		return x
	}
	out := tensor.New(x.Shape()...)
	mask := make([]float64, x.Len())
	keep := 1 - d.P
	od := out.Data()
	for i, v := range x.Data() {
		if d.P <= 0 || d.rng.Float64() < keep {
			mask[i] = 1 / keep
			od[i] = v * mask[i]
		}
	}
	d.mask = mask
	return out
}

func (d *Dropout) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if d.mask == nil {
		missingCache("dropout")
	}
	dx := tensor.New(grad.Shape()...)
	dd := dx.Data()
	for i, g := range grad.Data() {
		dd[i] = g * d.mask[i]
	}
	d.mask = nil
	return dx
}

func (d *Dropout) Params() []*tensor.Param { return nil }
