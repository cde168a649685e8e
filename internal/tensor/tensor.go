// Package tensor provides the dense float64 arrays the model is built from.
//
// Storage is row-major. Two-dimensional products are delegated to gonum's
// mat package, which wraps the backing slices without copying.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is an n-dimensional row-major array.
type Tensor struct {
	shape []int
	data  []float64
}

// ShapeError reports an operation applied to operands of the wrong shape.
// Tensor operations panic with a *ShapeError; callers that run a model
// convert it into an error at a step boundary.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor: %s: want shape %v, got %v", e.Op, e.Want, e.Got)
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	n := volume(shape)
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, n)}
}

// FromData wraps data without copying.
func FromData(data []float64, shape ...int) *Tensor {
	if volume(shape) != len(data) {
		panic(&ShapeError{Op: "from data", Want: shape, Got: []int{len(data)}})
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(&ShapeError{Op: "alloc", Want: []int{0}, Got: shape})
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int { return len(t.shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// At returns the element at the given indices.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set writes the element at the given indices.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(&ShapeError{Op: "index", Want: t.shape, Got: idx})
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(&ShapeError{Op: "index", Want: t.shape, Got: idx})
		}
		off = off*t.shape[i] + v
	}
	return off
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.Shape(), data: append([]float64(nil), t.data...)}
}

// Reshape returns a view over the same storage with a new shape.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if volume(shape) != len(t.data) {
		panic(&ShapeError{Op: "reshape", Want: shape, Got: t.shape})
	}
	return &Tensor{shape: append([]int(nil), shape...), data: t.data}
}

// Zero sets every element to zero.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// CopyFrom copies o's elements into t. Shapes must match.
func (t *Tensor) CopyFrom(o *Tensor) {
	MustSameShape("copy", t, o)
	copy(t.data, o.data)
}

// AddInPlace adds o element-wise into t.
func (t *Tensor) AddInPlace(o *Tensor) {
	MustSameShape("add", t, o)
	floats.Add(t.data, o.data)
}

// ScaleInPlace multiplies every element by s.
func (t *Tensor) ScaleInPlace(s float64) {
	floats.Scale(s, t.data)
}

// Equal reports whether both tensors have the same shape and bit-identical
// elements.
func (t *Tensor) Equal(o *Tensor) bool {
	if !SameShape(t, o) {
		return false
	}
	for i, v := range t.data {
		if math.Float64bits(v) != math.Float64bits(o.data[i]) {
			return false
		}
	}
	return true
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Row returns row i of a 2-D tensor as a slice into the storage.
func (t *Tensor) Row(i int) []float64 {
	MustDims("row", t, 2)
	n := t.shape[1]
	return t.data[i*n : (i+1)*n]
}

// ArgMax returns the index of the largest value in each row of a 2-D tensor.
func (t *Tensor) ArgMax() []int {
	MustDims("argmax", t, 2)
	out := make([]int, t.shape[0])
	for i := range out {
		out[i] = floats.MaxIdx(t.Row(i))
	}
	return out
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v", t.shape)
	if len(t.data) <= 8 {
		fmt.Fprintf(&b, "%v", t.data)
	}
	return b.String()
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// MustSameShape panics with a *ShapeError when a and b differ in shape.
func MustSameShape(op string, a, b *Tensor) {
	if !SameShape(a, b) {
		panic(&ShapeError{Op: op, Want: a.shape, Got: b.shape})
	}
}

// MustDims panics with a *ShapeError unless t has n dimensions.
func MustDims(op string, t *Tensor, n int) {
	if len(t.shape) != n {
		panic(&ShapeError{Op: op, Want: make([]int, n), Got: t.shape})
	}
}

func dense(t *Tensor) *mat.Dense {
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}

// MatMul returns a @ b for a (m,k) and b (k,n).
func MatMul(a, b *Tensor) *Tensor {
	MustDims("matmul", a, 2)
	MustDims("matmul", b, 2)
	if a.shape[1] != b.shape[0] {
		panic(&ShapeError{Op: "matmul", Want: []int{a.shape[1], -1}, Got: b.shape})
	}
	out := New(a.shape[0], b.shape[1])
	dense(out).Mul(dense(a), dense(b))
	return out
}

// MatMulTransB returns a @ bᵀ for a (m,k) and b (n,k).
func MatMulTransB(a, b *Tensor) *Tensor {
	MustDims("matmul", a, 2)
	MustDims("matmul", b, 2)
	if a.shape[1] != b.shape[1] {
		panic(&ShapeError{Op: "matmul bᵀ", Want: []int{-1, a.shape[1]}, Got: b.shape})
	}
	out := New(a.shape[0], b.shape[0])
	dense(out).Mul(dense(a), dense(b).T())
	return out
}

// MatMulTransA returns aᵀ @ b for a (k,m) and b (k,n).
func MatMulTransA(a, b *Tensor) *Tensor {
	MustDims("matmul", a, 2)
	MustDims("matmul", b, 2)
	if a.shape[0] != b.shape[0] {
		panic(&ShapeError{Op: "matmul aᵀ", Want: []int{a.shape[0], -1}, Got: b.shape})
	}
	out := New(a.shape[1], b.shape[1])
	dense(out).Mul(dense(a).T(), dense(b))
	return out
}
