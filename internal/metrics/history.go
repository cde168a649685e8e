package metrics

import "sync"

// EpochMetrics is the record kept for each finished epoch.
type EpochMetrics struct {
	Epoch     int
	TrainLoss float64
	// Accuracy is the evaluation accuracy in percent.
	Accuracy float64
}

// History is an append-only log of epoch results.
type History struct {
	mu      sync.Mutex
	entries []EpochMetrics
}

func (h *History) Append(m EpochMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, m)
}

// Entries returns a copy of every record in append order.
func (h *History) Entries() []EpochMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]EpochMetrics(nil), h.entries...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Last returns the most recent record.
func (h *History) Last() (EpochMetrics, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return EpochMetrics{}, false
	}
	return h.entries[len(h.entries)-1], true
}
