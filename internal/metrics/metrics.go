package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueryResult captures how the resource cache answered a read.
type QueryResult string

const (
	// QueryHit indicates a fresh entry answered the read without a network call.
	QueryHit QueryResult = "hit"
	// QueryMiss indicates the read started a network fetch.
	QueryMiss QueryResult = "miss"
	// QueryShared indicates the read joined a fetch already in flight.
	QueryShared QueryResult = "shared"
	// QueryStale indicates the read found a stale entry and re-fetched it.
	QueryStale QueryResult = "stale"
)

// RefetchResult captures the outcome of a background re-fetch.
type RefetchResult string

const (
	RefetchFresh     RefetchResult = "fresh"
	RefetchError     RefetchResult = "error"
	RefetchDiscarded RefetchResult = "discarded"
)

// Recorder publishes Prometheus metrics for the API server and the client cache.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	cacheQueries       *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	cacheRefetches     *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "immogest",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total API requests served.",
	}, []string{"resource", "method", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "immogest",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for API requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"resource", "method"})

	cacheQueries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "immogest",
		Subsystem: "cache",
		Name:      "queries_total",
		Help:      "Reads answered by the resource cache, by result.",
	}, []string{"endpoint", "result"})

	cacheInvalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "immogest",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Tags invalidated by successful writes, by resource type.",
	}, []string{"type"})

	cacheRefetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "immogest",
		Subsystem: "cache",
		Name:      "refetches_total",
		Help:      "Background re-fetches of stale subscribed entries.",
	}, []string{"endpoint", "result"})

	cacheEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "immogest",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Unsubscribed entries evicted after the idle TTL.",
	})

	reg.MustRegister(httpRequests, httpLatency, cacheQueries, cacheInvalidations, cacheRefetches, cacheEvictions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		httpRequests:       httpRequests,
		httpLatency:        httpLatency,
		cacheQueries:       cacheQueries,
		cacheInvalidations: cacheInvalidations,
		cacheRefetches:     cacheRefetches,
		cacheEvictions:     cacheEvictions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the status and latency of a served API request.
func (r *Recorder) ObserveRequest(resource, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	resourceLabel := normalizeLabel(resource)
	methodLabel := normalizeLabel(strings.ToUpper(method))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(resourceLabel, methodLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(resourceLabel, methodLabel).Observe(duration.Seconds())
}

// ObserveQuery records how the cache answered a read for the named endpoint.
func (r *Recorder) ObserveQuery(endpoint string, result QueryResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(QueryMiss)
	}
	r.cacheQueries.WithLabelValues(normalizeLabel(endpoint), resultLabel).Inc()
}

// ObserveInvalidation counts one invalidated tag of the given resource type.
func (r *Recorder) ObserveInvalidation(resourceType string) {
	if r == nil {
		return
	}
	r.cacheInvalidations.WithLabelValues(normalizeLabel(resourceType)).Inc()
}

// ObserveRefetch records the outcome of a background re-fetch.
func (r *Recorder) ObserveRefetch(endpoint string, result RefetchResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(RefetchError)
	}
	r.cacheRefetches.WithLabelValues(normalizeLabel(endpoint), resultLabel).Inc()
}

// ObserveEviction counts one idle entry eviction.
func (r *Recorder) ObserveEviction() {
	if r == nil {
		return
	}
	r.cacheEvictions.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
