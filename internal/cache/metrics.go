package cache

import (
	"sync"
	"time"
)

// maxLatencySamples bounds each latency window; older samples are dropped in halves.
const maxLatencySamples = 10000

// DetailedMetrics collects counters for cache and serving operations.
type DetailedMetrics struct {
	mu sync.RWMutex

	// Serving outcomes
	hits      int64
	misses    int64
	fallbacks int64

	// Network traffic
	networkFetches  int64
	networkFailures int64
	bytesDownloaded int64
	bytesServed     int64

	// Storage
	evictions     int64
	errors        int64
	bytesStored   int64
	entriesStored int64

	getLatencies    []time.Duration
	putLatencies    []time.Duration
	deleteLatencies []time.Duration

	startTime     time.Time
	lastHitTime   time.Time
	lastMissTime  time.Time
	lastErrorTime time.Time

	peakBytesStored int64
}

// NewDetailedMetrics creates a new DetailedMetrics instance.
func NewDetailedMetrics() *DetailedMetrics {
	now := time.Now()
	return &DetailedMetrics{
		startTime:       now,
		lastHitTime:     now,
		lastMissTime:    now,
		lastErrorTime:   now,
		getLatencies:    make([]time.Duration, 0, 1000),
		putLatencies:    make([]time.Duration, 0, 1000),
		deleteLatencies: make([]time.Duration, 0, 1000),
	}
}

// RecordHit records a response served from cache.
func (m *DetailedMetrics) RecordHit(bytesServed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits++
	m.bytesServed += bytesServed
	m.lastHitTime = time.Now()
}

// RecordMiss records a request that was not answered from cache.
func (m *DetailedMetrics) RecordMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.misses++
	m.lastMissTime = time.Now()
}

// RecordNetworkFetch records a completed origin request.
func (m *DetailedMetrics) RecordNetworkFetch(bytesDownloaded int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.networkFetches++
	m.bytesDownloaded += bytesDownloaded
}

// RecordNetworkFailure records an origin request that failed at the transport level.
func (m *DetailedMetrics) RecordNetworkFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.networkFailures++
	m.lastErrorTime = time.Now()
}

// RecordFallback records a cached response served after the network failed.
func (m *DetailedMetrics) RecordFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fallbacks++
}

// RecordEviction records an entry removed by reconciliation.
func (m *DetailedMetrics) RecordEviction(bytesEvicted int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictions++
	m.bytesStored -= bytesEvicted
	if m.bytesStored < 0 {
		m.bytesStored = 0
	}
	m.entriesStored--
	if m.entriesStored < 0 {
		m.entriesStored = 0
	}
}

// RecordError records an operation error.
func (m *DetailedMetrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors++
	m.lastErrorTime = time.Now()
}

// RecordPut records a successful put operation.
func (m *DetailedMetrics) RecordPut(bytesStored int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bytesStored += bytesStored
	m.entriesStored++
	if m.bytesStored > m.peakBytesStored {
		m.peakBytesStored = m.bytesStored
	}
}

// RecordLatency records the latency of a "get", "put" or "delete" operation.
func (m *DetailedMetrics) RecordLatency(operation string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch operation {
	case "get":
		m.getLatencies = appendSample(m.getLatencies, duration)
	case "put":
		m.putLatencies = appendSample(m.putLatencies, duration)
	case "delete":
		m.deleteLatencies = appendSample(m.deleteLatencies, duration)
	}
}

func appendSample(samples []time.Duration, d time.Duration) []time.Duration {
	samples = append(samples, d)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples/2:]
	}
	return samples
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

func (m *DetailedMetrics) calculateHitRate() float64 {
	total := m.hits + m.misses
	if total == 0 {
		return 0.0
	}
	return float64(m.hits) / float64(total)
}

// GetSnapshot returns a thread-safe snapshot of current metrics.
func (m *DetailedMetrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Hits:      m.hits,
		Misses:    m.misses,
		HitRate:   m.calculateHitRate(),
		Fallbacks: m.fallbacks,

		NetworkFetches:  m.networkFetches,
		NetworkFailures: m.networkFailures,
		BytesDownloaded: m.bytesDownloaded,
		BytesServed:     m.bytesServed,

		Evictions:       m.evictions,
		Errors:          m.errors,
		BytesStored:     m.bytesStored,
		EntriesStored:   m.entriesStored,
		PeakBytesStored: m.peakBytesStored,

		AverageGetLatency:    average(m.getLatencies),
		AveragePutLatency:    average(m.putLatencies),
		AverageDeleteLatency: average(m.deleteLatencies),

		Uptime:             time.Since(m.startTime),
		TimeSinceLastHit:   time.Since(m.lastHitTime),
		TimeSinceLastMiss:  time.Since(m.lastMissTime),
		TimeSinceLastError: time.Since(m.lastErrorTime),
	}
}

// MetricsSnapshot provides a point-in-time view of cache metrics.
type MetricsSnapshot struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Fallbacks int64   `json:"fallbacks"`

	NetworkFetches  int64 `json:"network_fetches"`
	NetworkFailures int64 `json:"network_failures"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesServed     int64 `json:"bytes_served"`

	Evictions       int64 `json:"evictions"`
	Errors          int64 `json:"errors"`
	BytesStored     int64 `json:"bytes_stored"`
	EntriesStored   int64 `json:"entries_stored"`
	PeakBytesStored int64 `json:"peak_bytes_stored"`

	// Latency metrics (in nanoseconds)
	AverageGetLatency    time.Duration `json:"avg_get_latency_ns"`
	AveragePutLatency    time.Duration `json:"avg_put_latency_ns"`
	AverageDeleteLatency time.Duration `json:"avg_delete_latency_ns"`

	Uptime             time.Duration `json:"uptime"`
	TimeSinceLastHit   time.Duration `json:"time_since_last_hit"`
	TimeSinceLastMiss  time.Duration `json:"time_since_last_miss"`
	TimeSinceLastError time.Duration `json:"time_since_last_error"`
}

// Reset clears all metrics data.
func (m *DetailedMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.hits, m.misses, m.fallbacks = 0, 0, 0
	m.networkFetches, m.networkFailures = 0, 0
	m.bytesDownloaded, m.bytesServed = 0, 0
	m.evictions, m.errors = 0, 0
	m.bytesStored, m.entriesStored, m.peakBytesStored = 0, 0, 0
	m.startTime, m.lastHitTime, m.lastMissTime, m.lastErrorTime = now, now, now, now
	m.getLatencies = m.getLatencies[:0]
	m.putLatencies = m.putLatencies[:0]
	m.deleteLatencies = m.deleteLatencies[:0]
}
