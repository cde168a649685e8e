package nn

import (
	"math"

	"vitforge/internal/tensor"
)

// LayerNorm normalizes over the last dimension with a learned scale and shift.
type LayerNorm struct {
	Dim         int
	Eps         float64
	Gamma, Beta *tensor.Param

	xhat   *tensor.Tensor
	invStd []float64
}

// NewLayerNorm returns a LayerNorm with unit scale and zero shift.
func NewLayerNorm(name string, dim int) *LayerNorm {
	ln := &LayerNorm{
		Dim:   dim,
		Eps:   1e-6,
		Gamma: tensor.NewParam(join(name, "weight"), dim),
		Beta:  tensor.NewParam(join(name, "bias"), dim),
	}
	ln.Gamma.Value.Fill(1)
	return ln
}

func (ln *LayerNorm) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != ln.Dim {
		panic(&tensor.ShapeError{Op: "layernorm", Want: []int{-1, ln.Dim}, Got: shape})
	}
	rows := x.Len() / ln.Dim
	out := tensor.New(shape...)
	xhat := tensor.New(shape...)
	invStd := make([]float64, rows)
	g, b := ln.Gamma.Value.Data(), ln.Beta.Value.Data()
	xd, od, hd := x.Data(), out.Data(), xhat.Data()
	n := float64(ln.Dim)
	for r := 0; r < rows; r++ {
		row := xd[r*ln.Dim : (r+1)*ln.Dim]
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= n
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= n
		inv := 1 / math.Sqrt(variance+ln.Eps)
		invStd[r] = inv
		for j, v := range row {
			h := (v - mean) * inv
			hd[r*ln.Dim+j] = h
			od[r*ln.Dim+j] = h*g[j] + b[j]
		}
	}
	if train {
		ln.xhat = xhat
		ln.invStd = invStd
	}
	return out
}

func (ln *LayerNorm) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if ln.xhat == nil {
		missingCache("layernorm")
	}
	xhat, invStd := ln.xhat, ln.invStd
	ln.xhat, ln.invStd = nil, nil

	dx := tensor.New(xhat.Shape()...)
	g := ln.Gamma.Value.Data()
	dg, db := ln.Gamma.Grad.Data(), ln.Beta.Grad.Data()
	gd, hd, xd := grad.Data(), xhat.Data(), dx.Data()
	n := float64(ln.Dim)
	dxhat := make([]float64, ln.Dim)
	for r := range invStd {
		off := r * ln.Dim
		sum, dot := 0.0, 0.0
		for j := 0; j < ln.Dim; j++ {
			gv := gd[off+j]
			dxhat[j] = gv * g[j]
			sum += dxhat[j]
			dot += dxhat[j] * hd[off+j]
			if ln.Gamma.Trainable {
				dg[j] += gv * hd[off+j]
			}
			if ln.Beta.Trainable {
				db[j] += gv
			}
		}
		for j := 0; j < ln.Dim; j++ {
			xd[off+j] = invStd[r] / n * (n*dxhat[j] - sum - hd[off+j]*dot)
		}
	}
	return dx
}

func (ln *LayerNorm) Params() []*tensor.Param {
	return []*tensor.Param{ln.Gamma, ln.Beta}
}
