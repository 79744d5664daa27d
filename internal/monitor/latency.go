package monitor

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"time"
)

// LatencyWindow holds the most recent samples, in milliseconds, in a fixed ring.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// LatencyStats summarizes a window.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// NewLatencyWindow keeps the last size samples (1000 when size <= 0).
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &LatencyWindow{samples: make([]float64, size)}
}

// Record adds a sample, evicting the oldest once the window is full.
func (w *LatencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = float64(d) / float64(time.Millisecond)
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Stats computes the summary of the current window.
func (w *LatencyWindow) Stats() LatencyStats {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   nearestRank(sorted, 0.50),
		P95:   nearestRank(sorted, 0.95),
		P99:   nearestRank(sorted, 0.99),
		Count: n,
	}
}

func nearestRank(sorted []float64, q float64) float64 {
	i := int(math.Ceil(q*float64(len(sorted)))) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}

// Snapshot is a point-in-time view of engine health served by the status endpoint.
type Snapshot struct {
	ValidationLatency LatencyStats `json:"validation_latency"`
	EvaluationLatency LatencyStats `json:"evaluation_latency"`
	TrackedAccounts   int          `json:"tracked_accounts"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// Snapshot collects latency windows and runtime stats.
func (m *Metrics) Snapshot(trackedAccounts int) Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := Snapshot{
		TrackedAccounts: trackedAccounts,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Timestamp:       time.Now(),
	}
	if m != nil {
		s.ValidationLatency = m.ValidationLatency.Stats()
		s.EvaluationLatency = m.EvaluationLatency.Stats()
	}
	return s
}
