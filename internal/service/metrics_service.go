package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transfer operation outcomes used as metric labels.
const (
	OutcomeSuccess    = "success"
	OutcomeIneligible = "ineligible"
	OutcomeUnsafe     = "unsafe"
	OutcomeConflict   = "conflict"
	OutcomeError      = "error"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	cacheLatency      prometheus.Observer
	cacheWrite        prometheus.Observer
	cacheHitRatio     prometheus.Gauge
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	transferTotal     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	auditDispatched   *prometheus.CounterVec
	auditDispatchSize prometheus.Histogram

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers the collectors on a private registry.
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
		Help:    "Latency for cache lookups",
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

	transferTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_operations_total",
		Help: "Transfer operations by operation and outcome",
	}, []string{"operation", "outcome"})

	transferDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_operation_duration_seconds",
		Help:    "Duration of transfer operations including the database transaction",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	auditDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_dispatched_total",
		Help: "Audit outbox events delivered to the activity log by outcome",
	}, []string{"outcome"})

	auditDispatchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_dispatch_batch_size",
		Help:    "Number of outbox events picked up per dispatch cycle",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		transferTotal, transferDuration, auditDispatched, auditDispatchSize, goroutines)

	return &MetricsService{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		cacheLatency:      cacheLatency,
		cacheWrite:        cacheWrite,
		cacheHitRatio:     cacheHitRatio,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		transferTotal:     transferTotal,
		transferDuration:  transferDuration,
		auditDispatched:   auditDispatched,
		auditDispatchSize: auditDispatchSize,
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

// Registry returns the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
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

// ObserveTransferOperation records the outcome and latency of create, revert or retarget.
func (m *MetricsService) ObserveTransferOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transferTotal.WithLabelValues(operation, outcome).Inc()
	m.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveAuditDispatch records one dispatch cycle.
func (m *MetricsService) ObserveAuditDispatch(batch, delivered, failed int) {
	if m == nil {
		return
	}
	m.auditDispatchSize.Observe(float64(batch))
	m.auditDispatched.WithLabelValues(OutcomeSuccess).Add(float64(delivered))
	m.auditDispatched.WithLabelValues(OutcomeError).Add(float64(failed))
}
