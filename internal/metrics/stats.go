// Package metrics aggregates per-interval throughput and per-epoch results.
package metrics

import "time"

// Window accumulates step timings between two log lines.
type Window struct {
	images  int
	data    time.Duration
	compute time.Duration
	steps   int
	lossSum float64
	last    float64
}

// Record adds one optimizer step: how many images it consumed, how long the
// loader took to hand over the batch, how long forward/backward/update took,
// and the batch loss.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.images += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.last = loss
}

// Steps reports how many steps are waiting in the window.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns the aggregate since the previous snapshot and resets.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, LastLoss: w.last}
	if total := w.data + w.compute; total > 0 {
		snap.ImagesPerSec = float64(w.images) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = float64(w.data.Milliseconds()) / float64(w.steps)
		snap.AvgComputeMS = float64(w.compute.Milliseconds()) / float64(w.steps)
		snap.AvgLoss = w.lossSum / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot is one interval's loggable aggregate.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	AvgLoss      float64
	LastLoss     float64
}
