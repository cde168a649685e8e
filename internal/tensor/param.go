package tensor

// Param is a named learnable tensor with its gradient buffer.
//
// Trainable is set explicitly by the module that owns the parameter. A
// frozen parameter still takes part in forward computation but never
// accumulates gradient and is never handed to an optimizer.
type Param struct {
	Name      string
	Value     *Tensor
	Grad      *Tensor
	Trainable bool
}

// NewParam allocates a zero-valued trainable parameter.
func NewParam(name string, shape ...int) *Param {
	return &Param{Name: name, Value: New(shape...), Grad: New(shape...), Trainable: true}
}

// Accumulate adds g into the gradient of a trainable parameter.
func (p *Param) Accumulate(g *Tensor) {
	if !p.Trainable {
		return
	}
	p.Grad.AddInPlace(g)
}

// ZeroGrad clears the gradient buffer.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Trainable filters params down to those that receive updates.
func Trainable(params []*Param) []*Param {
	out := make([]*Param, 0, len(params))
	for _, p := range params {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// ByName indexes params by name.
func ByName(params []*Param) map[string]*Param {
	out := make(map[string]*Param, len(params))
	for _, p := range params {
		out[p.Name] = p
	}
	return out
}

// Count returns the total number of scalar values across params.
func Count(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Value.Len()
	}
	return n
}
