// Package metrics keeps in-process latency and error counters for external calls.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of latency samples for one operation.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds
	maxSamples int
	count      int64
	errors     int64
}

// NewLatencyTracker creates a tracker keeping at most windowSize samples.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

// Record adds one observation.
func (lt *LatencyTracker) Record(d time.Duration, failed bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// drop the oldest 10% at once to avoid shifting on every call
		drop := lt.maxSamples / 10
		if drop < 1 {
			drop = 1
		}
		lt.samples = append(lt.samples[:0], lt.samples[drop:]...)
	}
	lt.samples = append(lt.samples, d.Microseconds())
	lt.count++
	if failed {
		lt.errors++
	}
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count  int64   `json:"count"`
	Errors int64   `json:"errors"`
	AvgMs  float64 `json:"avg_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Stats computes percentiles over the current window.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	sorted := append([]int64(nil), lt.samples...)
	stats := LatencyStats{Count: lt.count, Errors: lt.errors}
	lt.mu.Unlock()

	n := len(sorted)
	if n == 0 {
		return stats
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	pct := func(p float64) float64 {
		return float64(sorted[int(float64(n-1)*p)]) / 1000
	}

	stats.AvgMs = float64(sum/int64(n)) / 1000
	stats.P50Ms = pct(0.50)
	stats.P95Ms = pct(0.95)
	stats.P99Ms = pct(0.99)
	stats.MaxMs = float64(sorted[n-1]) / 1000
	return stats
}

// Registry maps operation names ("gmail.list", "drive.upload") to trackers.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

// NewRegistry creates a registry whose trackers keep windowSize samples.
func NewRegistry(windowSize int) *Registry {
	return &Registry{trackers: make(map[string]*LatencyTracker), window: windowSize}
}

func (r *Registry) tracker(name string) *LatencyTracker {
	r.mu.RLock()
	t, ok := r.trackers[name]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.trackers[name]; !ok {
		t = NewLatencyTracker(r.window)
		r.trackers[name] = t
	}
	return t
}

// Observe records the time since start for name. It is meant to be deferred:
//
//	defer reg.Observe("drive.upload", time.Now(), &err)
func (r *Registry) Observe(name string, start time.Time, errp *error) {
	failed := errp != nil && *errp != nil
	r.tracker(name).Record(time.Since(start), failed)
}

// Stats returns the stats of one operation.
func (r *Registry) Stats(name string) LatencyStats {
	return r.tracker(name).Stats()
}

// AllStats returns the stats of every operation seen so far.
func (r *Registry) AllStats() map[string]LatencyStats {
	r.mu.RLock()
	names := make([]string, 0, len(r.trackers))
	for name := range r.trackers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]LatencyStats, len(names))
	for _, name := range names {
		out[name] = r.Stats(name)
	}
	return out
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry used by provider adapters.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry(1000)
	})
	return global
}
