package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const latencySampleSize = 256

// MetricsSnapshot is a point-in-time view of one topic's counters.
type MetricsSnapshot struct {
	Published         uint64
	Delivered         uint64
	Dropped           uint64
	HandlerFailures   uint64
	HandlerLatencyP50 time.Duration
	HandlerLatencyP99 time.Duration
}

// topicMetrics accumulates per-topic counters and a bounded latency sample
// ring for percentile estimates.
type topicMetrics struct {
	published       atomic.Uint64
	delivered       atomic.Uint64
	dropped         atomic.Uint64
	handlerFailures atomic.Uint64

	latMu      sync.Mutex
	latSamples [latencySampleSize]time.Duration
	latIdx     int
	latCount   int
}

func (m *topicMetrics) recordLatency(d time.Duration) {
	m.latMu.Lock()
	m.latSamples[m.latIdx] = d
	m.latIdx = (m.latIdx + 1) % latencySampleSize
	if m.latCount < latencySampleSize {
		m.latCount++
	}
	m.latMu.Unlock()
}

func (m *topicMetrics) snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Published:       m.published.Load(),
		Delivered:       m.delivered.Load(),
		Dropped:         m.dropped.Load(),
		HandlerFailures: m.handlerFailures.Load(),
	}

	m.latMu.Lock()
	n := m.latCount
	samples := make([]time.Duration, n)
	copy(samples, m.latSamples[:n])
	m.latMu.Unlock()

	if n > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		snap.HandlerLatencyP50 = samples[n/2]
		snap.HandlerLatencyP99 = samples[(n*99)/100]
	}
	return snap
}

type metricsRegistry struct {
	mu     sync.RWMutex
	topics map[Topic]*topicMetrics
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{topics: make(map[Topic]*topicMetrics)}
}

func (r *metricsRegistry) get(topic Topic) *topicMetrics {
	r.mu.RLock()
	m, ok := r.topics[topic]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.topics[topic]; ok {
		return m
	}
	m = &topicMetrics{}
	r.topics[topic] = m
	return m
}
