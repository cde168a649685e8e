package dataset

import (
	"context"
	"sync"
)

type result[T any] struct {
	id    int
	value T
	err   error
}

// runOrdered evaluates fn for ids 0..n-1 on a pool of workers and emits the
// values in id order. At most 2*workers results are in flight. The first
// failure (or cancellation) stops the stream and is reported on the error
// channel, which is closed after the value channel.
func runOrdered[T any](parent context.Context, n, workers int, fn func(ctx context.Context, id int) (T, error)) (<-chan T, <-chan error) {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan int, workers)
	tokens := make(chan struct{}, 2*workers)
	results := make(chan result[T], workers)
	out := make(chan T, workers)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, tokens, n)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker[T](ctx, jobs, results, fn)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		if err := runAggregator[T](ctx, n, results, tokens, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func produceJobs(ctx context.Context, jobs chan<- int, tokens chan<- struct{}, n int) {
	defer close(jobs)
	for id := 0; id < n; id++ {
		select {
		case <-ctx.Done():
			return
		case tokens <- struct{}{}:
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- id:
		}
	}
}

func worker[T any](ctx context.Context, jobs <-chan int, results chan<- result[T], fn func(context.Context, int) (T, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-jobs:
			if !ok {
				return
			}
			value, err := fn(ctx, id)
			select {
			case <-ctx.Done():
				return
			case results <- result[T]{id: id, value: value, err: err}:
			}
		}
	}
}

func runAggregator[T any](ctx context.Context, n int, results <-chan result[T], tokens <-chan struct{}, out chan<- T) error {
	pending := make(map[int]result[T])
	for next := 0; next < n; {
		r, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r, ok = <-results:
				if !ok {
					return ctx.Err()
				}
				pending[r.id] = r
			}
			continue
		}
		if r.err != nil {
			return r.err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- r.value:
		}
		delete(pending, next)
		<-tokens
		next++
	}
	return nil
}
