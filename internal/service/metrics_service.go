package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

// Allocation run outcomes used as metric labels.
const (
	AllocationOutcomeSuccess  = "success"
	AllocationOutcomeConflict = "conflict"
	AllocationOutcomeFailed   = "failed"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	dbQueryDuration *prometheus.HistogramVec

	allocationRuns        *prometheus.CounterVec
	allocationDuration    *prometheus.HistogramVec
	allocationPlacements  *prometheus.CounterVec
	allocationUnallocated prometheus.Gauge
	allocationCancelled   prometheus.Counter

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	dbQueryCount         uint64
	dbQueryDurationTotal uint64
	runCount             uint64
	runFailureCount      uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	allocationRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eca_allocation_runs_total",
		Help: "Allocation runs by selection mode and outcome",
	}, []string{"mode", "outcome"})

	allocationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eca_allocation_run_duration_seconds",
		Help:    "Wall time of allocation runs and previews",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"mode", "kind"})

	allocationPlacements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eca_allocations_created_total",
		Help: "Allocations written by committed runs, by allocation type",
	}, []string{"type"})

	allocationUnallocated := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eca_last_run_unallocated",
		Help: "Unallocated student-slot pairs reported by the most recent committed run",
	})

	allocationCancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eca_activities_cancelled_total",
		Help: "Activities cancelled below their minimum by committed runs",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, dbQueryDuration,
		allocationRuns, allocationDuration, allocationPlacements, allocationUnallocated, allocationCancelled, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:              registry,
		handler:               handler,
		requestDuration:       requestDuration,
		requestTotal:          requestTotal,
		cacheLatency:          cacheLatency,
		cacheWrite:            cacheWrite,
		cacheHitRatio:         cacheHitRatio,
		cacheHits:             cacheHits,
		cacheMisses:           cacheMisses,
		dbQueryDuration:       dbQueryDuration,
		allocationRuns:        allocationRuns,
		allocationDuration:    allocationDuration,
		allocationPlacements:  allocationPlacements,
		allocationUnallocated: allocationUnallocated,
		allocationCancelled:   allocationCancelled,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
	atomic.AddUint64(&m.dbQueryCount, 1)
	atomic.AddUint64(&m.dbQueryDurationTotal, uint64(duration.Nanoseconds()))
}

// ObserveAllocationPreview records the wall time of a preview computation.
func (m *MetricsService) ObserveAllocationPreview(mode models.EcaSelectionMode, duration time.Duration) {
	if m == nil {
		return
	}
	m.allocationDuration.WithLabelValues(string(mode), "preview").Observe(duration.Seconds())
}

// RecordAllocationRun records the outcome of a run. Placement counts only apply to committed runs.
func (m *MetricsService) RecordAllocationRun(mode models.EcaSelectionMode, outcome string, duration time.Duration, placements map[models.EcaAllocationType]int, unallocated, cancelled int) {
	if m == nil {
		return
	}
	m.allocationRuns.WithLabelValues(string(mode), outcome).Inc()
	m.allocationDuration.WithLabelValues(string(mode), "run").Observe(duration.Seconds())
	atomic.AddUint64(&m.runCount, 1)
	if outcome != AllocationOutcomeSuccess {
		atomic.AddUint64(&m.runFailureCount, 1)
		return
	}
	for allocType, count := range placements {
		m.allocationPlacements.WithLabelValues(string(allocType)).Add(float64(count))
	}
	m.allocationUnallocated.Set(float64(unallocated))
	m.allocationCancelled.Add(float64(cancelled))
}

// Snapshot returns aggregated metrics for the summary endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)
	dbCount := atomic.LoadUint64(&m.dbQueryCount)
	dbDuration := atomic.LoadUint64(&m.dbQueryDurationTotal)

	var cacheRatio float64
	if totalLookups := hits + misses; totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	var avgDBMs float64
	if dbCount > 0 {
		avgDBMs = float64(dbDuration) / float64(dbCount) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		DBQueryCount:             dbCount,
		AverageDBQueryDurationMs: avgDBMs,
		AllocationRuns:           atomic.LoadUint64(&m.runCount),
		AllocationFailures:       atomic.LoadUint64(&m.runFailureCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
