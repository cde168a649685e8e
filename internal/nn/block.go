package nn

import (
	"math/rand"
	"strconv"

	"vitforge/internal/tensor"
)

// MLP is the transformer feed-forward sublayer: fc1, GELU, fc2.
type MLP struct {
	FC1 *Linear
	Act *GELU
	FC2 *Linear
}

// NewMLP returns a dim -> hidden -> dim feed-forward network.
func NewMLP(name string, dim, hidden int, rng *rand.Rand) *MLP {
	return &MLP{
		FC1: NewLinear(join(name, "fc1"), dim, hidden, true, rng),
		Act: &GELU{},
		FC2: NewLinear(join(name, "fc2"), hidden, dim, true, rng),
	}
}

func (m *MLP) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	return m.FC2.Forward(m.Act.Forward(m.FC1.Forward(x, train), train), train)
}

func (m *MLP) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return m.FC1.Backward(m.Act.Backward(m.FC2.Backward(grad)))
}

func (m *MLP) Params() []*tensor.Param {
	return append(m.FC1.Params(), m.FC2.Params()...)
}

// Block is a pre-norm transformer encoder block:
//
//	h = x + attn(norm1(x))
//	y = h + mlp(norm2(h))
type Block struct {
	Index int
	Norm1 *LayerNorm
	Attn  *Attention
	Norm2 *LayerNorm
	MLP   *MLP

	trainable bool
}

// NewBlock returns a trainable block named blocks.<index>.
func NewBlock(index, dim, heads int, mlpRatio float64, rng *rand.Rand) *Block {
	name := join("blocks", strconv.Itoa(index))
	return &Block{
		Index:     index,
		Norm1:     NewLayerNorm(join(name, "norm1"), dim),
		Attn:      NewAttention(join(name, "attn"), dim, heads, rng),
		Norm2:     NewLayerNorm(join(name, "norm2"), dim),
		MLP:       NewMLP(join(name, "mlp"), dim, int(float64(dim)*mlpRatio), rng),
		trainable: true,
	}
}

// SetTrainable freezes or unfreezes every parameter in the block. A frozen
// block still runs forward and propagates input gradients.
func (b *Block) SetTrainable(trainable bool) {
	b.trainable = trainable
	SetTrainable(b, trainable)
}

// Trainable reports the flag last set with SetTrainable.
func (b *Block) Trainable() bool { return b.trainable }

func (b *Block) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	h := b.Attn.Forward(b.Norm1.Forward(x, train), train)
	h.AddInPlace(x)
	y := b.MLP.Forward(b.Norm2.Forward(h, train), train)
	y.AddInPlace(h)
	return y
}

func (b *Block) Backward(grad *tensor.Tensor) *tensor.Tensor {
	gh := b.Norm2.Backward(b.MLP.Backward(grad))
	gh.AddInPlace(grad)
	gx := b.Norm1.Backward(b.Attn.Backward(gh))
	gx.AddInPlace(gh)
	return gx
}

func (b *Block) Params() []*tensor.Param {
	var out []*tensor.Param
	out = append(out, b.Norm1.Params()...)
	out = append(out, b.Attn.Params()...)
	out = append(out, b.Norm2.Params()...)
	out = append(out, b.MLP.Params()...)
	return out
}
