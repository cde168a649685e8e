package model

import (
	"math/rand"

	"vitforge/internal/nn"
	"vitforge/internal/tensor"
)

// Arch describes a Vision Transformer shape.
type Arch struct {
	Name      string
	ImageSize int
	Patch     int
	Dim       int
	Depth     int
	Heads     int
	MLPRatio  float64
	InChans   int
	// Mean and Std are the per-channel input statistics the weights were
	// trained with.
	Mean, Std [3]float64
}

// Grid returns the number of patches along each side.
func (a Arch) Grid() int { return a.ImageSize / a.Patch }

// Tokens returns the sequence length including the class token.
func (a Arch) Tokens() int { return a.Grid()*a.Grid() + 1 }

// ViT is a Vision Transformer backbone: patch embedding, class token,
// learned position embedding, encoder blocks, final norm and class-token
// pooling, with an optional linear head.
type ViT struct {
	Arch       Arch
	PatchEmbed *nn.Conv2d
	ClsToken   *tensor.Param
	PosEmbed   *tensor.Param
	blocks     []*nn.Block
	Norm       *nn.LayerNorm
	// Head is nil when the backbone is built as a feature extractor.
	Head *nn.Linear

	batch int
}

// NewViT builds a randomly initialised backbone. numClasses == 0 drops the
// head so Forward returns (N, Dim) features.
func NewViT(arch Arch, numClasses int, rng *rand.Rand) *ViT {
	v := &ViT{
		Arch:       arch,
		PatchEmbed: nn.NewConv2d("patch_embed.proj", arch.InChans, arch.Dim, arch.Patch, arch.Patch, 0, rng),
		ClsToken:   tensor.NewParam("cls_token", 1, 1, arch.Dim),
		PosEmbed:   tensor.NewParam("pos_embed", 1, arch.Tokens(), arch.Dim),
		Norm:       nn.NewLayerNorm("norm", arch.Dim),
	}
	fillNormal(v.ClsToken.Value, 1e-6, rng)
	fillNormal(v.PosEmbed.Value, 0.02, rng)
	for i := 0; i < arch.Depth; i++ {
		v.blocks = append(v.blocks, nn.NewBlock(i, arch.Dim, arch.Heads, arch.MLPRatio, rng))
	}
	if numClasses > 0 {
		v.Head = nn.NewLinear("head", arch.Dim, numClasses, true, rng)
	}
	return v
}

func fillNormal(t *tensor.Tensor, std float64, rng *rand.Rand) {
	for i := range t.Data() {
		t.Data()[i] = rng.NormFloat64() * std
	}
}

// Blocks returns the encoder blocks in order.
func (v *ViT) Blocks() []*nn.Block { return v.blocks }

// FeatureDim is the width of the pooled representation.
func (v *ViT) FeatureDim() int { return v.Arch.Dim }

// NumClasses returns the head width, or 0 for a feature extractor.
func (v *ViT) NumClasses() int {
	if v.Head == nil {
		return 0
	}
	return v.Head.Out
}

func (v *ViT) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	a := v.Arch
	if x.Dims() != 4 || x.Dim(1) != a.InChans || x.Dim(2) != a.ImageSize || x.Dim(3) != a.ImageSize {
		panic(&tensor.ShapeError{Op: "vit input", Want: []int{-1, a.InChans, a.ImageSize, a.ImageSize}, Got: x.Shape()})
	}
	n := x.Dim(0)
	patches := v.PatchEmbed.Forward(x, train) // (N, D, g, g)
	grid := a.Grid() * a.Grid()
	tokens := a.Tokens()

	h := tensor.New(n, tokens, a.Dim)
	hd, pd := h.Data(), patches.Data()
	cls, pos := v.ClsToken.Value.Data(), v.PosEmbed.Value.Data()
	for b := 0; b < n; b++ {
		for d := 0; d < a.Dim; d++ {
			hd[(b*tokens)*a.Dim+d] = cls[d] + pos[d]
			for p := 0; p < grid; p++ {
				hd[(b*tokens+1+p)*a.Dim+d] = pd[(b*a.Dim+d)*grid+p] + pos[(1+p)*a.Dim+d]
			}
		}
	}

	for _, blk := range v.blocks {
		h = blk.Forward(h, train)
	}
	h = v.Norm.Forward(h, train)

	feats := tensor.New(n, a.Dim)
	for b := 0; b < n; b++ {
		copy(feats.Row(b), h.Data()[b*tokens*a.Dim:(b*tokens+1)*a.Dim])
	}
	if train {
		v.batch = n
	}
	if v.Head == nil {
		return feats
	}
	return v.Head.Forward(feats, train)
}

func (v *ViT) Backward(grad *tensor.Tensor) *tensor.Tensor {
	a := v.Arch
	n := v.batch
	if n == 0 {
		panic("model: vit backward called without a training forward")
	}
	v.batch = 0
	if v.Head != nil {
		grad = v.Head.Backward(grad)
	}
	tokens := a.Tokens()
	gh := tensor.New(n, tokens, a.Dim)
	for b := 0; b < n; b++ {
		copy(gh.Data()[b*tokens*a.Dim:(b*tokens+1)*a.Dim], grad.Row(b))
	}
	gh = v.Norm.Backward(gh)
	for i := len(v.blocks) - 1; i >= 0; i-- {
		gh = v.blocks[i].Backward(gh)
	}

	grid := a.Grid() * a.Grid()
	gd := gh.Data()
	if v.PosEmbed.Trainable {
		gp := v.PosEmbed.Grad.Data()
		for b := 0; b < n; b++ {
			for i, g := range gd[b*tokens*a.Dim : (b+1)*tokens*a.Dim] {
				gp[i] += g
			}
		}
	}
	if v.ClsToken.Trainable {
		gc := v.ClsToken.Grad.Data()
		for b := 0; b < n; b++ {
			for d := 0; d < a.Dim; d++ {
				gc[d] += gd[b*tokens*a.Dim+d]
			}
		}
	}
	gpatch := tensor.New(n, a.Dim, a.Grid(), a.Grid())
	pd := gpatch.Data()
	for b := 0; b < n; b++ {
		for p := 0; p < grid; p++ {
			for d := 0; d < a.Dim; d++ {
				pd[(b*a.Dim+d)*grid+p] = gd[(b*tokens+1+p)*a.Dim+d]
			}
		}
	}
	return v.PatchEmbed.Backward(gpatch)
}

// Params lists parameters in a stable order.
func (v *ViT) Params() []*tensor.Param {
	out := append([]*tensor.Param{}, v.PatchEmbed.Params()...)
	out = append(out, v.ClsToken, v.PosEmbed)
	for _, blk := range v.blocks {
		out = append(out, blk.Params()...)
	}
	out = append(out, v.Norm.Params()...)
	if v.Head != nil {
		out = append(out, v.Head.Params()...)
	}
	return out
}
