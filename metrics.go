package ratelimiter

import (
	"sort"
	"strings"
	"sync"
)

// MetricsRecorder receives counters and timings from the limiter. The
// default is NopRecorder; inject a real backend with WithRecorder.
type MetricsRecorder interface {
	// Add increments the named counter by value.
	Add(name string, value float64, tags map[string]string)
	// Observe records one sample of the named timing, in seconds.
	Observe(name string, value float64, tags map[string]string)
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

// Add implements MetricsRecorder.
func (NopRecorder) Add(string, float64, map[string]string) {}

// Observe implements MetricsRecorder.
func (NopRecorder) Observe(string, float64, map[string]string) {}

// MemoryRecorder accumulates metrics in process memory. It backs the
// daemon's metrics endpoint and doubles as a test recorder.
type MemoryRecorder struct {
	mu       sync.Mutex
	counters map[string]float64
	samples  map[string]int64
	sums     map[string]float64
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		counters: make(map[string]float64),
		samples:  make(map[string]int64),
		sums:     make(map[string]float64),
	}
}

// Add implements MetricsRecorder.
func (r *MemoryRecorder) Add(name string, value float64, tags map[string]string) {
	key := metricKey(name, tags)
	r.mu.Lock()
	r.counters[key] += value
	r.mu.Unlock()
}

// Observe implements MetricsRecorder.
func (r *MemoryRecorder) Observe(name string, value float64, tags map[string]string) {
	key := metricKey(name, tags)
	r.mu.Lock()
	r.samples[key]++
	r.sums[key] += value
	r.mu.Unlock()
}

// Snapshot returns a copy of all counters plus, for each timing, a
// "<name>.count" and "<name>.sum" pair.
func (r *MemoryRecorder) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.counters)+2*len(r.samples))
	for k, v := range r.counters {
		out[k] = v
	}
	for k, n := range r.samples {
		out[k+".count"] = float64(n)
		out[k+".sum"] = r.sums[k]
	}
	return out
}

// metricKey flattens tags into the metric name with a stable order, e.g.
// ratelimit.consume{outcome=allowed,policy=api}.
func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
