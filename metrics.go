package fhirflat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names used with Metrics.RecordConversion.
const (
	OpFlatten   = "flatten"
	OpUnflatten = "unflatten"
	OpIngest    = "ingest"
)

// Metrics tracks conversion metrics using lock-free atomic operations.
// All methods are safe for concurrent use.
type Metrics struct {
	// Record counts
	recordsTotal  atomic.Uint64
	recordsFailed atomic.Uint64

	// Timing (stored as nanoseconds)
	timeTotal atomic.Uint64
	timeMin   atomic.Uint64
	timeMax   atomic.Uint64

	// Cache metrics
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	// Issue counts by severity
	errorsTotal   atomic.Uint64
	warningsTotal atomic.Uint64

	// Per-operation counters
	operations sync.Map // map[string]*operationMetrics
}

type operationMetrics struct {
	records   atomic.Uint64
	failures  atomic.Uint64
	totalTime atomic.Uint64 // nanoseconds
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	// first value becomes the minimum
	m.timeMin.Store(^uint64(0))
	return m
}

// --- Recording Methods ---

// RecordConversion records one converted record for operation op.
func (m *Metrics) RecordConversion(op string, duration time.Duration, ok bool) {
	m.recordsTotal.Add(1)
	if !ok {
		m.recordsFailed.Add(1)
	}

	ns := uint64(duration.Nanoseconds()) //nolint:gosec // durations are positive
	m.timeTotal.Add(ns)

	for {
		old := m.timeMin.Load()
		if ns >= old || m.timeMin.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.timeMax.Load()
		if ns <= old || m.timeMax.CompareAndSwap(old, ns) {
			break
		}
	}

	om := m.operation(op)
	om.records.Add(1)
	om.totalTime.Add(ns)
	if !ok {
		om.failures.Add(1)
	}
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordIssue records an issue based on severity.
func (m *Metrics) RecordIssue(severity IssueSeverity) {
	switch severity {
	case SeverityError, SeverityFatal:
		m.errorsTotal.Add(1)
	case SeverityWarning:
		m.warningsTotal.Add(1)
	}
}

func (m *Metrics) operation(name string) *operationMetrics {
	if v, ok := m.operations.Load(name); ok {
		return v.(*operationMetrics)
	}
	actual, _ := m.operations.LoadOrStore(name, &operationMetrics{})
	return actual.(*operationMetrics)
}

// --- Query Methods ---

// RecordsTotal returns the number of records converted.
func (m *Metrics) RecordsTotal() uint64 {
	return m.recordsTotal.Load()
}

// RecordsFailed returns the number of records that failed conversion.
func (m *Metrics) RecordsFailed() uint64 {
	return m.recordsFailed.Load()
}

// SuccessRate returns the fraction of successful records (0.0 to 1.0).
func (m *Metrics) SuccessRate() float64 {
	total := m.recordsTotal.Load()
	if total == 0 {
		return 0
	}
	return float64(total-m.recordsFailed.Load()) / float64(total)
}

// AverageTime returns the average per-record conversion time.
func (m *Metrics) AverageTime() time.Duration {
	total := m.recordsTotal.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.timeTotal.Load() / total) //nolint:gosec // within int64 range
}

// MinTime returns the fastest per-record conversion time.
func (m *Metrics) MinTime() time.Duration {
	v := m.timeMin.Load()
	if v == ^uint64(0) {
		return 0
	}
	return time.Duration(v) //nolint:gosec // within int64 range
}

// MaxTime returns the slowest per-record conversion time.
func (m *Metrics) MaxTime() time.Duration {
	return time.Duration(m.timeMax.Load()) //nolint:gosec // within int64 range
}

// CacheHitRate returns the cache hit rate (0.0 to 1.0).
func (m *Metrics) CacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ErrorsTotal returns the total error issues recorded.
func (m *Metrics) ErrorsTotal() uint64 {
	return m.errorsTotal.Load()
}

// WarningsTotal returns the total warning issues recorded.
func (m *Metrics) WarningsTotal() uint64 {
	return m.warningsTotal.Load()
}

// OperationStats holds the counters of one operation.
type OperationStats struct {
	Name     string        `json:"name"`
	Records  uint64        `json:"records"`
	Failures uint64        `json:"failures"`
	AvgTime  time.Duration `json:"avg_time_ns"`
}

// Operations returns statistics for every recorded operation, sorted by name.
func (m *Metrics) Operations() []OperationStats {
	var stats []OperationStats
	m.operations.Range(func(key, value any) bool {
		om := value.(*operationMetrics)
		s := OperationStats{
			Name:     key.(string),
			Records:  om.records.Load(),
			Failures: om.failures.Load(),
		}
		if s.Records > 0 {
			s.AvgTime = time.Duration(om.totalTime.Load() / s.Records) //nolint:gosec // within int64 range
		}
		stats = append(stats, s)
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// --- Export Methods ---

// Snapshot represents a point-in-time snapshot of all metrics.
type Snapshot struct {
	Timestamp     time.Time        `json:"timestamp"`
	RecordsTotal  uint64           `json:"records_total"`
	RecordsFailed uint64           `json:"records_failed"`
	SuccessRate   float64          `json:"success_rate"`
	AvgTimeNs     uint64           `json:"avg_time_ns"`
	MinTimeNs     uint64           `json:"min_time_ns"`
	MaxTimeNs     uint64           `json:"max_time_ns"`
	CacheHitRate  float64          `json:"cache_hit_rate"`
	ErrorsTotal   uint64           `json:"errors_total"`
	WarningsTotal uint64           `json:"warnings_total"`
	Operations    []OperationStats `json:"operations,omitempty"`
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:     time.Now(),
		RecordsTotal:  m.RecordsTotal(),
		RecordsFailed: m.RecordsFailed(),
		SuccessRate:   m.SuccessRate(),
		AvgTimeNs:     uint64(m.AverageTime()), //nolint:gosec // positive
		MinTimeNs:     uint64(m.MinTime()),     //nolint:gosec // positive
		MaxTimeNs:     uint64(m.MaxTime()),     //nolint:gosec // positive
		CacheHitRate:  m.CacheHitRate(),
		ErrorsTotal:   m.ErrorsTotal(),
		WarningsTotal: m.WarningsTotal(),
		Operations:    m.Operations(),
	}
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.recordsTotal.Store(0)
	m.recordsFailed.Store(0)
	m.timeTotal.Store(0)
	m.timeMin.Store(^uint64(0))
	m.timeMax.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.errorsTotal.Store(0)
	m.warningsTotal.Store(0)
	m.operations.Range(func(key, _ any) bool {
		m.operations.Delete(key)
		return true
	})
}
