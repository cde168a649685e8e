package nn

import (
	"math"
	"math/rand"

	"vitforge/internal/tensor"
)

// Attention is multi-head self-attention over (batch, tokens, dim) input,
// with a fused qkv projection laid out as [q | k | v] along the last axis.
type Attention struct {
	Dim, Heads int
	QKV        *Linear
	Proj       *Linear

	qkv     *tensor.Tensor   // (B, T, 3D)
	weights []*tensor.Tensor // softmax(QKᵀ·scale), one (T, T) per batch and head
}

// NewAttention returns an attention layer; dim must divide evenly by heads.
func NewAttention(name string, dim, heads int, rng *rand.Rand) *Attention {
	if heads <= 0 || dim%heads != 0 {
		panic(&tensor.ShapeError{Op: "attention heads", Want: []int{dim}, Got: []int{heads}})
	}
	return &Attention{
		Dim:   dim,
		Heads: heads,
		QKV:   NewLinear(join(name, "qkv"), dim, 3*dim, true, rng),
		Proj:  NewLinear(join(name, "proj"), dim, dim, true, rng),
	}
}

func (a *Attention) headDim() int { return a.Dim / a.Heads }

// head copies one head's slice of q, k or v (part 0, 1, 2) for batch b.
func (a *Attention) head(qkv *tensor.Tensor, b, h, part int) *tensor.Tensor {
	t, hd := qkv.Dim(1), a.headDim()
	out := tensor.New(t, hd)
	src, dst := qkv.Data(), out.Data()
	stride := 3 * a.Dim
	for i := 0; i < t; i++ {
		off := (b*t+i)*stride + part*a.Dim + h*hd
		copy(dst[i*hd:(i+1)*hd], src[off:off+hd])
	}
	return out
}

// scatter adds src (T, hd) into the head slot of dst, whose last axis is
// width wide with the head block starting at base.
func (a *Attention) scatter(dst *tensor.Tensor, src *tensor.Tensor, b, h, width, base int) {
	t, hd := src.Dim(0), a.headDim()
	dd, sd := dst.Data(), src.Data()
	for i := 0; i < t; i++ {
		off := (b*t+i)*width + base + h*hd
		row := dd[off : off+hd]
		for j, v := range sd[i*hd : (i+1)*hd] {
			row[j] += v
		}
	}
}

func (a *Attention) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	if x.Dims() != 3 || x.Dim(2) != a.Dim {
		panic(&tensor.ShapeError{Op: "attention", Want: []int{-1, -1, a.Dim}, Got: x.Shape()})
	}
	bsz, t := x.Dim(0), x.Dim(1)
	qkv := a.QKV.Forward(x, train)
	scale := 1 / math.Sqrt(float64(a.headDim()))
	ctx := tensor.New(bsz, t, a.Dim)
	var weights []*tensor.Tensor
	if train {
		weights = make([]*tensor.Tensor, 0, bsz*a.Heads)
	}
	for b := 0; b < bsz; b++ {
		for h := 0; h < a.Heads; h++ {
			q := a.head(qkv, b, h, 0)
			k := a.head(qkv, b, h, 1)
			v := a.head(qkv, b, h, 2)
			scores := tensor.MatMulTransB(q, k)
			scores.ScaleInPlace(scale)
			softmaxRows(scores)
			a.scatter(ctx, tensor.MatMul(scores, v), b, h, a.Dim, 0)
			if train {
				weights = append(weights, scores)
			}
		}
	}
	if train {
		a.qkv = qkv
		a.weights = weights
	}
	return a.Proj.Forward(ctx, train)
}

func (a *Attention) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if a.qkv == nil {
		missingCache("attention")
	}
	qkv, weights := a.qkv, a.weights
	a.qkv, a.weights = nil, nil

	gctx := a.Proj.Backward(grad)
	bsz := qkv.Dim(0)
	scale := 1 / math.Sqrt(float64(a.headDim()))
	gqkv := tensor.New(qkv.Shape()...)
	for b := 0; b < bsz; b++ {
		for h := 0; h < a.Heads; h++ {
			w := weights[b*a.Heads+h]
			q := a.head(qkv, b, h, 0)
			k := a.head(qkv, b, h, 1)
			v := a.head(qkv, b, h, 2)
			gc := a.headOf(gctx, b, h)

			gw := tensor.MatMulTransB(gc, v)
			gv := tensor.MatMulTransA(w, gc)
			gs := softmaxBackwardRows(w, gw)
			gs.ScaleInPlace(scale)
			gq := tensor.MatMul(gs, k)
			gk := tensor.MatMulTransA(gs, q)

			a.scatter(gqkv, gq, b, h, 3*a.Dim, 0)
			a.scatter(gqkv, gk, b, h, 3*a.Dim, a.Dim)
			a.scatter(gqkv, gv, b, h, 3*a.Dim, 2*a.Dim)
		}
	}
	return a.QKV.Backward(gqkv)
}

// headOf copies one head's slice from a (B, T, D) tensor.
func (a *Attention) headOf(x *tensor.Tensor, b, h int) *tensor.Tensor {
	t, hd := x.Dim(1), a.headDim()
	out := tensor.New(t, hd)
	src, dst := x.Data(), out.Data()
	for i := 0; i < t; i++ {
		off := (b*t+i)*a.Dim + h*hd
		copy(dst[i*hd:(i+1)*hd], src[off:off+hd])
	}
	return out
}

func (a *Attention) Params() []*tensor.Param {
	return append(a.QKV.Params(), a.Proj.Params()...)
}

// softmaxRows applies a numerically stable softmax to each row in place.
func softmaxRows(x *tensor.Tensor) {
	for r := 0; r < x.Dim(0); r++ {
		row := x.Row(r)
		m := row[0]
		for _, v := range row {
			if v > m {
				m = v
			}
		}
		sum := 0.0
		for i, v := range row {
			row[i] = math.Exp(v - m)
			sum += row[i]
		}
		for i := range row {
			row[i] /= sum
		}
	}
}

// softmaxBackwardRows returns dS where dS_ij = Y_ij (dY_ij - Σ_k dY_ik Y_ik).
func softmaxBackwardRows(y, gy *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(y.Shape()...)
	for r := 0; r < y.Dim(0); r++ {
		yr, gr, or := y.Row(r), gy.Row(r), out.Row(r)
		dot := 0.0
		for i := range yr {
			dot += yr[i] * gr[i]
		}
		for i := range yr {
			or[i] = yr[i] * (gr[i] - dot)
		}
	}
	return out
}
