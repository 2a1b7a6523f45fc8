package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const latencySamples = 1000

// Metrics aggregates processor cycle metrics.
type Metrics struct {
	mu sync.RWMutex

	cycles      atomic.Int64
	records     atomic.Int64
	written     atomic.Int64
	deadLetters atomic.Int64
	failures    atomic.Int64

	latencies []time.Duration
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{latencies: make([]time.Duration, 0, latencySamples)}
}

// RecordCycle records one cycle's outcome and latency.
func (m *Metrics) RecordCycle(d time.Duration, records, written, deadLetters int, failed bool) {
	m.cycles.Add(1)
	m.records.Add(int64(records))
	m.written.Add(int64(written))
	m.deadLetters.Add(int64(deadLetters))
	if failed {
		m.failures.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the last latencySamples samples
	if len(m.latencies) >= latencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

// Percentile returns the p-th percentile of recorded cycle latencies.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.RLock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Summary returns a snapshot.
func (m *Metrics) Summary() MetricsSummary {
	return MetricsSummary{
		Cycles:      m.cycles.Load(),
		Records:     m.records.Load(),
		Written:     m.written.Load(),
		DeadLetters: m.deadLetters.Load(),
		Failures:    m.failures.Load(),
		P50Latency:  m.Percentile(0.50),
		P95Latency:  m.Percentile(0.95),
		P99Latency:  m.Percentile(0.99),
	}
}

// MetricsSummary is a snapshot of metrics.
type MetricsSummary struct {
	Cycles      int64         `json:"cycles"`
	Records     int64         `json:"records"`
	Written     int64         `json:"written"`
	DeadLetters int64         `json:"dead_letters"`
	Failures    int64         `json:"failures"`
	P50Latency  time.Duration `json:"p50_latency_ns"`
	P95Latency  time.Duration `json:"p95_latency_ns"`
	P99Latency  time.Duration `json:"p99_latency_ns"`
}
