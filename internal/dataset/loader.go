package dataset

import (
	"context"
	"math/rand"

	"vitforge/internal/errkind"
	"vitforge/internal/tensor"
)

// Loader turns a Dataset into a finite, restartable sequence of batches.
type Loader struct {
	Dataset   Dataset
	BatchSize int
	// Shuffle draws a new permutation per epoch from Seed and the epoch
	// number. Without it batches follow dataset order.
	Shuffle    bool
	Transform  Transform
	NumWorkers int
	Seed       int64
}

// NumBatches counts the batches of one pass, the last partial one included.
func (l *Loader) NumBatches() int {
	if l.BatchSize <= 0 {
		return 0
	}
	return (l.Dataset.Len() + l.BatchSize - 1) / l.BatchSize
}

// Order returns the sample order for epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.Dataset.Len()
	if !l.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewSource(l.Seed*1_000_003 + int64(epoch)))
	return rng.Perm(n)
}

// Batches streams epoch's batches. Workers assemble batches concurrently;
// they arrive in order. Drain the batch channel, then read the error
// channel; cancel ctx to stop early.
func (l *Loader) Batches(ctx context.Context, epoch int) (<-chan Batch, <-chan error) {
	if l.BatchSize <= 0 {
		return failed(errkind.Configf("batch size must be > 0 (got %d)", l.BatchSize))
	}
	if err := l.Transform.Validate(); err != nil {
		return failed(err)
	}
	order := l.Order(epoch)
	return runOrdered(ctx, l.NumBatches(), l.NumWorkers, func(ctx context.Context, id int) (Batch, error) {
		lo := id * l.BatchSize
		hi := min(lo+l.BatchSize, len(order))
		return l.assemble(ctx, epoch, order[lo:hi])
	})
}

func (l *Loader) assemble(ctx context.Context, epoch int, indices []int) (Batch, error) {
	size := l.Transform.Size
	images := tensor.New(len(indices), 3, size, size)
	labels := make([]int, len(indices))
	stride := 3 * size * size
	for i, idx := range indices {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		s, err := l.Dataset.Get(idx)
		if err != nil {
			return Batch{}, err
		}
		l.Transform.Apply(s.Image, epoch, idx, images.Data()[i*stride:(i+1)*stride])
		labels[i] = s.Label
	}
	return Batch{Images: images, Labels: labels}, nil
}

func failed(err error) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errCh := make(chan error, 1)
	close(out)
	errCh <- err
	close(errCh)
	return out, errCh
}
