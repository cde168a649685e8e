package model

import "vitforge/internal/tensor"

// Classifier maps an image batch (N, 3, H, W) to logits (N, classes).
type Classifier interface {
	// Forward runs the model. With train=false no activations are kept
	// and Backward must not be called.
	Forward(x *tensor.Tensor, train bool) *tensor.Tensor
	// Backward propagates d(loss)/d(logits) and accumulates parameter
	// gradients.
	Backward(grad *tensor.Tensor) *tensor.Tensor
	// Params lists every parameter, frozen ones included.
	Params() []*tensor.Param
	NumClasses() int
}
