package service

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// latencyWindow keeps the most recent successful probe latencies in a ring
// so the statistics endpoint can report quantiles without scanning the
// whole collection.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &latencyWindow{samples: make([]float64, capacity)}
}

func (w *latencyWindow) Add(latencyMS float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = latencyMS
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

type latencySummary struct {
	Mean    float64
	Median  float64
	P95     float64
	Samples int
}

func (w *latencyWindow) Summary() latencySummary {
	w.mu.Lock()
	count := w.next
	if w.full {
		count = len(w.samples)
	}
	snapshot := make([]float64, count)
	copy(snapshot, w.samples[:count])
	w.mu.Unlock()

	if count == 0 {
		return latencySummary{}
	}

	sort.Float64s(snapshot)
	return latencySummary{
		Mean:    stat.Mean(snapshot, nil),
		Median:  stat.Quantile(0.5, stat.Empirical, snapshot, nil),
		P95:     stat.Quantile(0.95, stat.Empirical, snapshot, nil),
		Samples: count,
	}
}
