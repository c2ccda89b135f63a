// Package monitor tracks engine-wide performance counters and latency stats.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	TickLatency       *LatencyHistogram
	OrderLatency      *LatencyHistogram
	PredictionLatency *LatencyHistogram
	APILatency        *LatencyHistogram

	// Counters
	ticksProcessed  uint64
	tradesAttempted uint64
	tradesExecuted  uint64
	tradesFailed    uint64
	errorsCount     uint64
	apiRequests     uint64
	apiErrors       uint64

	// Skip reasons, keyed by reason code.
	skips map[string]uint64

	// Multi-user stats (updated periodically from main).
	schedulableUsers int
}

// LatencyHistogram tracks latency samples over a sliding window, with lazy
// stats recomputation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		TickLatency:       NewLatencyHistogram(1000),
		OrderLatency:      NewLatencyHistogram(1000),
		PredictionLatency: NewLatencyHistogram(1000),
		APILatency:        NewLatencyHistogram(1000),
		skips:             make(map[string]uint64),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementTicks increments the processed ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementAttempted increments the attempted trades counter.
func (m *SystemMetrics) IncrementAttempted() {
	atomic.AddUint64(&m.tradesAttempted, 1)
}

// IncrementExecuted increments the executed trades counter.
func (m *SystemMetrics) IncrementExecuted() {
	atomic.AddUint64(&m.tradesExecuted, 1)
}

// IncrementFailed increments the failed trades counter.
func (m *SystemMetrics) IncrementFailed() {
	atomic.AddUint64(&m.tradesFailed, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementAPI increments the API request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the API error counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// RecordSkip counts a skipped tick by reason code.
func (m *SystemMetrics) RecordSkip(reason string) {
	m.mu.Lock()
	m.skips[reason]++
	m.mu.Unlock()
}

// SetSchedulableUsers updates the schedulable user count.
func (m *SystemMetrics) SetSchedulableUsers(n int) {
	m.mu.Lock()
	m.schedulableUsers = n
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time metrics view.
type MetricsSnapshot struct {
	TickLatency       LatencyStats      `json:"tick_latency"`
	OrderLatency      LatencyStats      `json:"order_latency"`
	PredictionLatency LatencyStats      `json:"prediction_latency"`
	APILatency        LatencyStats      `json:"api_latency"`
	TicksProcessed    uint64            `json:"ticks_processed"`
	TradesAttempted   uint64            `json:"trades_attempted"`
	TradesExecuted    uint64            `json:"trades_executed"`
	TradesFailed      uint64            `json:"trades_failed"`
	ErrorsCount       uint64            `json:"errors_count"`
	APIRequests       uint64            `json:"api_requests"`
	APIErrors         uint64            `json:"api_errors"`
	Skips             map[string]uint64 `json:"skips"`
	SchedulableUsers  int               `json:"schedulable_users"`
	GoroutineCount    int               `json:"goroutine_count"`
	HeapAlloc         uint64            `json:"heap_alloc_bytes"`
	HeapSys           uint64            `json:"heap_sys_bytes"`
	Timestamp         time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	skips := make(map[string]uint64, len(m.skips))
	for k, v := range m.skips {
		skips[k] = v
	}
	users := m.schedulableUsers
	m.mu.RUnlock()

	return MetricsSnapshot{
		TickLatency:       m.TickLatency.Stats(),
		OrderLatency:      m.OrderLatency.Stats(),
		PredictionLatency: m.PredictionLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		TicksProcessed:    atomic.LoadUint64(&m.ticksProcessed),
		TradesAttempted:   atomic.LoadUint64(&m.tradesAttempted),
		TradesExecuted:    atomic.LoadUint64(&m.tradesExecuted),
		TradesFailed:      atomic.LoadUint64(&m.tradesFailed),
		ErrorsCount:       atomic.LoadUint64(&m.errorsCount),
		APIRequests:       atomic.LoadUint64(&m.apiRequests),
		APIErrors:         atomic.LoadUint64(&m.apiErrors),
		Skips:             skips,
		SchedulableUsers:  users,
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}
