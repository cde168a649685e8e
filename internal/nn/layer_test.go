package nn

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"

	"vitforge/internal/tensor"
)

const gradTol = 1e-5

func randTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data() {
		t.Data()[i] = rng.NormFloat64()
	}
	return t
}

// checkGradients compares analytic gradients of sum(layer(x) * r) with
// central finite differences, for the input and for every parameter.
func checkGradients(t *testing.T, layer Layer, x *tensor.Tensor, rng *rand.Rand) {
	t.Helper()
	out := layer.Forward(x, false)
	r := randTensor(rng, out.Shape()...)
	objective := func() float64 {
		y := layer.Forward(x, false)
		s := 0.0
		for i, v := range y.Data() {
			s += v * r.Data()[i]
		}
		return s
	}

	for _, p := range layer.Params() {
		p.ZeroGrad()
	}
	layer.Forward(x, true)
	dx := layer.Backward(r.Clone())

	settings := &fd.Settings{Formula: fd.Central, Step: 1e-6}
	numeric := func(target *tensor.Tensor) []float64 {
		orig := append([]float64(nil), target.Data()...)
		return fd.Gradient(nil, func(v []float64) float64 {
			copy(target.Data(), v)
			s := objective()
			copy(target.Data(), orig)
			return s
		}, orig, settings)
	}

	compare(t, "input", dx.Data(), numeric(x))
	for _, p := range layer.Params() {
		compare(t, p.Name, p.Grad.Data(), numeric(p.Value))
	}
}

func compare(t *testing.T, name string, analytic, numeric []float64) {
	t.Helper()
	if len(analytic) != len(numeric) {
		t.Fatalf("%s: length %d vs %d", name, len(analytic), len(numeric))
	}
	for i := range analytic {
		diff := math.Abs(analytic[i] - numeric[i])
		scale := math.Max(1, math.Abs(numeric[i]))
		if diff/scale > gradTol {
			t.Fatalf("%s[%d]: analytic %.8f numeric %.8f", name, i, analytic[i], numeric[i])
		}
	}
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	checkGradients(t, NewLinear("fc", 4, 3, true, rng), randTensor(rng, 2, 5, 4), rng)
}

func TestConv2dGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	checkGradients(t, NewConv2d("conv", 2, 3, 3, 1, 1, rng), randTensor(rng, 2, 2, 5, 5), rng)
}

func TestStridedConv2dGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	checkGradients(t, NewConv2d("patch", 3, 4, 2, 2, 0, rng), randTensor(rng, 1, 3, 4, 4), rng)
}

func TestLayerNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	ln := NewLayerNorm("norm", 6)
	for i := range ln.Gamma.Value.Data() {
		ln.Gamma.Value.Data()[i] = 1 + 0.1*rng.NormFloat64()
		ln.Beta.Value.Data()[i] = 0.1 * rng.NormFloat64()
	}
	checkGradients(t, ln, randTensor(rng, 3, 6), rng)
}

func TestActivationGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	checkGradients(t, &GELU{}, randTensor(rng, 4, 3), rng)
	checkGradients(t, &ReLU{}, randTensor(rng, 4, 3), rng)
}

func TestAttentionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	attn := NewAttention("attn", 4, 2, rng)
	for _, p := range attn.Params() {
		for i := range p.Value.Data() {
			p.Value.Data()[i] = 0.5 * rng.NormFloat64()
		}
	}
	checkGradients(t, attn, randTensor(rng, 2, 3, 4), rng)
}

func TestBlockGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	block := NewBlock(0, 4, 2, 2, rng)
	checkGradients(t, block, randTensor(rng, 1, 3, 4), rng)
}

func TestFrozenBlockStillPropagatesInputGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	block := NewBlock(3, 4, 2, 2, rng)
	block.SetTrainable(false)
	x := randTensor(rng, 1, 3, 4)
	y := block.Forward(x, true)
	dx := block.Backward(randTensor(rng, y.Shape()...))
	nonZero := false
	for _, v := range dx.Data() {
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Fatalf("frozen block must still pass gradient to its input")
	}
	for _, p := range block.Params() {
		if p.Trainable {
			t.Fatalf("%s still trainable", p.Name)
		}
		for _, g := range p.Grad.Data() {
			if g != 0 {
				t.Fatalf("%s accumulated gradient while frozen", p.Name)
			}
		}
	}
}

func TestDropoutInferenceIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	d := NewDropout(0.5, rng)
	x := randTensor(rng, 4, 4)
	if y := d.Forward(x, false); !y.Equal(x) {
		t.Fatalf("dropout changed input at inference")
	}
	y := d.Forward(x, true)
	g := d.Backward(tensor.New(4, 4))
	for i, v := range y.Data() {
		if v != 0 && math.Abs(v-2*x.Data()[i]) > 1e-12 {
			t.Fatalf("kept element not rescaled: %f vs %f", v, x.Data()[i])
		}
		if g.Data()[i] != 0 {
			t.Fatalf("zero upstream gradient produced %f", g.Data()[i])
		}
	}
}

func TestConvIdentityInit(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	conv := NewConv2d("pre", 3, 3, 1, 1, 0, rng)
	conv.InitIdentity()
	x := randTensor(rng, 2, 3, 4, 4)
	if y := conv.Forward(x, false); !y.Equal(x) {
		t.Fatalf("identity conv changed its input")
	}
}

func TestParamNames(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	block := NewBlock(5, 4, 2, 2, rng)
	want := []string{
		"blocks.5.norm1.weight", "blocks.5.norm1.bias",
		"blocks.5.attn.qkv.weight", "blocks.5.attn.qkv.bias",
		"blocks.5.attn.proj.weight", "blocks.5.attn.proj.bias",
		"blocks.5.norm2.weight", "blocks.5.norm2.bias",
		"blocks.5.mlp.fc1.weight", "blocks.5.mlp.fc1.bias",
		"blocks.5.mlp.fc2.weight", "blocks.5.mlp.fc2.bias",
	}
	params := block.Params()
	if len(params) != len(want) {
		t.Fatalf("got %d params want %d", len(params), len(want))
	}
	for i, p := range params {
		if p.Name != want[i] {
			t.Fatalf("param[%d]=%s want %s", i, p.Name, want[i])
		}
	}
}
