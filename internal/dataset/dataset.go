// Package dataset provides labelled image sources and the batch loader that
// feeds the trainer.
package dataset

import (
	"image"

	"vitforge/internal/errkind"
	"vitforge/internal/tensor"
)

// Sample is one labelled image.
type Sample struct {
	Image image.Image
	Label int
}

// Dataset is a finite, randomly addressable sample source.
type Dataset interface {
	Len() int
	Get(i int) (Sample, error)
}

// Batch is a stacked group of transformed samples.
type Batch struct {
	// Images has shape (N, 3, S, S).
	Images *tensor.Tensor
	Labels []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int { return len(b.Labels) }

// Subset is a fixed index view over another dataset.
type Subset struct {
	base    Dataset
	indices []int
}

// Subsample keeps every stride-th sample of ds, starting at index 0. The
// index set is computed once.
func Subsample(ds Dataset, stride int) (*Subset, error) {
	if stride <= 0 {
		return nil, errkind.Configf("subsample stride must be > 0 (got %d)", stride)
	}
	n := ds.Len()
	indices := make([]int, 0, (n+stride-1)/stride)
	for i := 0; i < n; i += stride {
		indices = append(indices, i)
	}
	return &Subset{base: ds, indices: indices}, nil
}

func (s *Subset) Len() int { return len(s.indices) }

func (s *Subset) Get(i int) (Sample, error) {
	if i < 0 || i >= len(s.indices) {
		return Sample{}, errkind.Resourcef("subset index %d out of range [0, %d)", i, len(s.indices))
	}
	return s.base.Get(s.indices[i])
}

// Indices returns the base indices the subset exposes.
func (s *Subset) Indices() []int { return append([]int(nil), s.indices...) }
