package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if snap.Steps != 2 || snap.AvgDataMS != 15 || snap.AvgComputeMS != 15 {
		t.Fatalf("unexpected timings %+v", snap)
	}
	if math.Abs(snap.AvgLoss-1.0) > 1e-12 || snap.LastLoss != 0.8 {
		t.Fatalf("unexpected losses %+v", snap)
	}
	if w.Steps() != 0 {
		t.Fatalf("window was not reset")
	}
	if empty := w.Snapshot(); empty != (Snapshot{}) {
		t.Fatalf("empty window snapshot %+v", empty)
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	var h History
	if _, ok := h.Last(); ok {
		t.Fatalf("empty history has a last entry")
	}
	h.Append(EpochMetrics{Epoch: 1, TrainLoss: 2.1, Accuracy: 20})
	h.Append(EpochMetrics{Epoch: 2, TrainLoss: 1.7, Accuracy: 35})

	got := h.Entries()
	got[0].Accuracy = 99
	if h.Entries()[0].Accuracy != 20 {
		t.Fatalf("Entries exposed internal storage")
	}
	if last, _ := h.Last(); last.Epoch != 2 || h.Len() != 2 {
		t.Fatalf("last=%+v len=%d", last, h.Len())
	}
}
