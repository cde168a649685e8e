// Package nn implements the layers a Vision Transformer is assembled from.
//
// Every layer follows the same contract: Forward with train=true caches the
// activations its Backward needs; Forward with train=false is the
// no-gradient path and caches nothing. Backward consumes the gradient with
// respect to the layer output, accumulates parameter gradients into
// trainable params and returns the gradient with respect to the input.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"vitforge/internal/tensor"
)

// Layer is a differentiable building block.
type Layer interface {
	Forward(x *tensor.Tensor, train bool) *tensor.Tensor
	Backward(grad *tensor.Tensor) *tensor.Tensor
	Params() []*tensor.Param
}

// Sequential chains layers.
type Sequential struct {
	Layers []Layer
}

// NewSequential returns a chain of layers applied in order.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	for _, l := range s.Layers {
		x = l.Forward(x, train)
	}
	return x
}

func (s *Sequential) Backward(grad *tensor.Tensor) *tensor.Tensor {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad = s.Layers[i].Backward(grad)
	}
	return grad
}

func (s *Sequential) Params() []*tensor.Param {
	var out []*tensor.Param
	for _, l := range s.Layers {
		out = append(out, l.Params()...)
	}
	return out
}

// SetTrainable flips the trainable flag on every parameter of l.
func SetTrainable(l Layer, trainable bool) {
	for _, p := range l.Params() {
		p.Trainable = trainable
	}
}

func missingCache(layer string) {
	panic(fmt.Sprintf("nn: %s backward called without a training forward", layer))
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// truncNormal fills t from N(0, std²) truncated to two standard deviations.
func truncNormal(t *tensor.Tensor, std float64, rng *rand.Rand) {
	d := t.Data()
	for i := range d {
		v := rng.NormFloat64()
		for math.Abs(v) > 2 {
			v = rng.NormFloat64()
		}
		d[i] = v * std
	}
}

// uniform fills t from U(-bound, bound).
func uniform(t *tensor.Tensor, bound float64, rng *rand.Rand) {
	d := t.Data()
	for i := range d {
		d[i] = (rng.Float64()*2 - 1) * bound
	}
}
