package nn

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"vitforge/internal/errkind"
	"vitforge/internal/tensor"
)

// Optimizer updates a fixed set of trainable parameters from their
// accumulated gradients.
type Optimizer interface {
	// Step applies one update.
	Step()
	// ZeroGrad clears accumulated gradients.
	ZeroGrad()
	// Steps returns how many updates have been applied.
	Steps() int
}

// OptimizerConfig selects and parameterises an optimizer.
type OptimizerConfig struct {
	Name        string
	LR          float64
	Momentum    float64
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Eps         float64
}

// NewOptimizer builds the configured optimizer over the trainable subset of
// params.
func NewOptimizer(cfg OptimizerConfig, params []*tensor.Param) (Optimizer, error) {
	if cfg.LR <= 0 {
		return nil, errkind.Configf("optimizer lr must be > 0 (got %g)", cfg.LR)
	}
	trainable := tensor.Trainable(params)
	switch strings.ToLower(cfg.Name) {
	case "sgd":
		return NewSGD(trainable, cfg.LR, cfg.Momentum, cfg.WeightDecay), nil
	case "adam":
		return NewAdam(trainable, cfg.LR, cfg.Beta1, cfg.Beta2, cfg.Eps, cfg.WeightDecay, false), nil
	case "adamw":
		return NewAdam(trainable, cfg.LR, cfg.Beta1, cfg.Beta2, cfg.Eps, cfg.WeightDecay, true), nil
	default:
		return nil, errkind.Configf("unknown optimizer %q", cfg.Name)
	}
}

type base struct {
	params []*tensor.Param
	steps  int
}

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

func (b *base) Steps() int { return b.steps }

// SGD is stochastic gradient descent with optional momentum and L2 decay.
type SGD struct {
	base
	LR, Momentum, WeightDecay float64

	velocity [][]float64
}

// NewSGD returns an SGD optimizer over params.
func NewSGD(params []*tensor.Param, lr, momentum, weightDecay float64) *SGD {
	v := make([][]float64, len(params))
	for i, p := range params {
		v[i] = make([]float64, p.Value.Len())
	}
	return &SGD{base: base{params: params}, LR: lr, Momentum: momentum, WeightDecay: weightDecay, velocity: v}
}

func (o *SGD) Step() {
	o.steps++
	for i, p := range o.params {
		w, g, v := p.Value.Data(), p.Grad.Data(), o.velocity[i]
		for j := range w {
			d := g[j] + o.WeightDecay*w[j]
			if o.Momentum != 0 {
				if o.steps == 1 {
					v[j] = d
				} else {
					v[j] = o.Momentum*v[j] + d
				}
				d = v[j]
			}
			w[j] -= o.LR * d
		}
	}
}

// Adam implements Adam, or AdamW when Decoupled is set.
type Adam struct {
	base
	LR, Beta1, Beta2, Eps, WeightDecay float64
	Decoupled                          bool

	m, v [][]float64
}

// NewAdam returns an Adam optimizer; zero betas and eps take the usual
// defaults (0.9, 0.999, 1e-8).
func NewAdam(params []*tensor.Param, lr, beta1, beta2, eps, weightDecay float64, decoupled bool) *Adam {
	if beta1 == 0 {
		beta1 = 0.9
	}
	if beta2 == 0 {
		beta2 = 0.999
	}
	if eps == 0 {
		eps = 1e-8
	}
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Value.Len())
		v[i] = make([]float64, p.Value.Len())
	}
	return &Adam{
		base: base{params: params},
		LR:   lr, Beta1: beta1, Beta2: beta2, Eps: eps, WeightDecay: weightDecay,
		Decoupled: decoupled,
		m:         m, v: v,
	}
}

func (o *Adam) Step() {
	o.steps++
	bias1 := 1 - math.Pow(o.Beta1, float64(o.steps))
	bias2 := 1 - math.Pow(o.Beta2, float64(o.steps))
	for i, p := range o.params {
		w, g, m, v := p.Value.Data(), p.Grad.Data(), o.m[i], o.v[i]
		for j := range w {
			d := g[j]
			if o.Decoupled {
				w[j] -= o.LR * o.WeightDecay * w[j]
			} else {
				d += o.WeightDecay * w[j]
			}
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*d
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*d*d
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			w[j] -= o.LR * mHat / (math.Sqrt(vHat) + o.Eps)
		}
	}
}

// ClipGradNorm rescales the gradients of params so their global L2 norm is
// at most maxNorm, and returns the norm measured before clipping.
func ClipGradNorm(params []*tensor.Param, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		n := floats.Norm(p.Grad.Data(), 2)
		total += n * n
	}
	total = math.Sqrt(total)
	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			if p.Trainable {
				p.Grad.ScaleInPlace(coef)
			}
		}
	}
	return total
}
