// Package trainer runs the epoch state machine: train on every batch of
// the training stream, then evaluate on the held-out stream.
package trainer

import (
	"context"
	"errors"
	"math"
	"time"

	"k8s.io/klog/v2"

	"vitforge/internal/dataset"
	"vitforge/internal/errkind"
	"vitforge/internal/metrics"
	"vitforge/internal/model"
	"vitforge/internal/nn"
	"vitforge/internal/tensor"
)

// BatchSource produces one finite pass of batches per call.
type BatchSource interface {
	Batches(ctx context.Context, epoch int) (<-chan dataset.Batch, <-chan error)
	NumBatches() int
}

// Trainer owns the model and its optimizer for one run.
type Trainer struct {
	Model     model.Classifier
	Optimizer nn.Optimizer
	// ClipNorm bounds the global gradient norm before each update; 0
	// disables clipping.
	ClipNorm float64
	LogEvery int
}

// EpochStats summarises one training pass.
type EpochStats struct {
	Steps   int
	Samples int
	// AvgLoss is the sum of batch losses divided by Steps.
	AvgLoss float64
}

// EvalStats counts correct arg-max predictions.
type EvalStats struct {
	Correct int
	Total   int
}

// Accuracy is 100*Correct/Total, or 0 for an empty evaluation.
func (s EvalStats) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Correct) / float64(s.Total)
}

// TrainEpoch consumes batches until the channel closes, taking one
// optimizer step per batch.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, batches <-chan dataset.Batch, errs <-chan error) (EpochStats, error) {
	logEvery := t.LogEvery
	if logEvery <= 0 {
		logEvery = 50
	}
	var (
		stats   EpochStats
		lossSum float64
		window  metrics.Window
	)
	for {
		startData := time.Now()
		var (
			batch dataset.Batch
			ok    bool
		)
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case batch, ok = <-batches:
		}
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := t.step(batch)
		if err != nil {
			return stats, err
		}
		computeTime := time.Since(startCompute)

		stats.Steps++
		stats.Samples += batch.Size()
		lossSum += loss
		window.Record(batch.Size(), dataTime, computeTime, loss)

		if stats.Steps%logEvery == 0 {
			snap := window.Snapshot()
			klog.Infof("epoch=%d step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				epoch,
				stats.Steps,
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.AvgLoss,
			)
		}
	}
	if err := <-errs; err != nil {
		return stats, err
	}
	if stats.Steps == 0 {
		return stats, errkind.Resourcef("epoch %d: training stream produced no batches", epoch)
	}
	stats.AvgLoss = lossSum / float64(stats.Steps)
	return stats, nil
}

// step runs forward, loss, backward, optional clipping, update and
// gradient reset for one batch.
func (t *Trainer) step(b dataset.Batch) (loss float64, err error) {
	defer recoverShape(&err)

	logits := t.Model.Forward(b.Images, true)
	loss, grad := nn.CrossEntropy(logits, b.Labels)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Optimizer.ZeroGrad()
		return 0, errkind.Numericalf("loss is %v at step %d", loss, t.Optimizer.Steps()+1)
	}
	t.Model.Backward(grad)
	if t.ClipNorm > 0 {
		nn.ClipGradNorm(tensor.Trainable(t.Model.Params()), t.ClipNorm)
	}
	t.Optimizer.Step()
	t.Optimizer.ZeroGrad()
	return loss, nil
}

// Evaluate runs inference over every batch and counts arg-max hits.
func (t *Trainer) Evaluate(ctx context.Context, batches <-chan dataset.Batch, errs <-chan error) (EvalStats, error) {
	var stats EvalStats
	for {
		var (
			batch dataset.Batch
			ok    bool
		)
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case batch, ok = <-batches:
		}
		if !ok {
			break
		}
		correct, err := t.evalStep(batch)
		if err != nil {
			return stats, err
		}
		stats.Correct += correct
		stats.Total += batch.Size()
	}
	if err := <-errs; err != nil {
		return stats, err
	}
	return stats, nil
}

func (t *Trainer) evalStep(b dataset.Batch) (correct int, err error) {
	defer recoverShape(&err)
	return nn.CountCorrect(t.Model.Forward(b.Images, false), b.Labels), nil
}

// recoverShape converts a tensor shape panic into a numerical error.
// Any other panic is re-raised.
func recoverShape(err *error) {
	r := recover()
	if r == nil {
		return
	}
	var se *tensor.ShapeError
	if e, ok := r.(error); ok && errors.As(e, &se) {
		*err = errkind.Numericalf("%v", se)
		return
	}
	panic(r)
}

// RunConfig wires the two batch streams to a trainer.
type RunConfig struct {
	Trainer *Trainer
	Train   BatchSource
	Eval    BatchSource
	Epochs  int
}

// Run alternates a training and an evaluation pass for cfg.Epochs epochs
// and returns one history entry per completed epoch.
func Run(ctx context.Context, cfg RunConfig) (*metrics.History, error) {
	if cfg.Epochs <= 0 {
		return nil, errkind.Configf("epochs must be > 0 (got %d)", cfg.Epochs)
	}
	history := &metrics.History{}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		start := time.Now()
		train, err := runPass(ctx, epoch, cfg.Train, func(ctx context.Context, b <-chan dataset.Batch, e <-chan error) (EpochStats, error) {
			return cfg.Trainer.TrainEpoch(ctx, epoch, b, e)
		})
		if err != nil {
			return history, err
		}
		eval, err := runPass(ctx, epoch, cfg.Eval, cfg.Trainer.Evaluate)
		if err != nil {
			return history, err
		}
		history.Append(metrics.EpochMetrics{Epoch: epoch, TrainLoss: train.AvgLoss, Accuracy: eval.Accuracy()})
		klog.Infof("epoch %d/%d train_loss=%.4f accuracy=%.2f%% (%d/%d) steps=%d elapsed=%s",
			epoch, cfg.Epochs, train.AvgLoss, eval.Accuracy(), eval.Correct, eval.Total, train.Steps,
			time.Since(start).Round(time.Millisecond))
	}
	return history, nil
}

// runPass scopes one loader pass to its own context so an early return
// stops the loader's workers.
func runPass[S any](ctx context.Context, epoch int, src BatchSource, fn func(context.Context, <-chan dataset.Batch, <-chan error) (S, error)) (S, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := src.Batches(ctx, epoch)
	return fn(ctx, batches, errs)
}
