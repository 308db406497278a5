package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of upstream place-search calls by kind and outcome",
		},
		[]string{"kind", "result"},
	)
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream place-search call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)
	ProxyRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_credential_retries_total",
			Help: "Forwarder retries after a credential was exhausted or invalidated",
		},
		[]string{"kind"},
	)

	CredentialAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_acquire_total",
			Help: "Credential pool acquisitions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transitions_total",
			Help: "Crawl task status transitions by target status",
		},
		[]string{"to"},
	)
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_running",
			Help: "Tasks currently executing on the worker pool",
		},
	)
	ExecutorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_queue_depth",
			Help: "Submissions waiting for a free worker",
		},
	)

	PagesFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_pages_fetched_total",
			Help: "Result pages fetched by the crawl engine",
		},
	)
	POIRowsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_poi_rows_written_total",
			Help: "POI rows appended to result files",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(ProxyRetriesTotal)
	prometheus.MustRegister(CredentialAcquireTotal)
	prometheus.MustRegister(TaskTransitionsTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(ExecutorQueueDepth)
	prometheus.MustRegister(PagesFetchedTotal)
	prometheus.MustRegister(POIRowsWrittenTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveUpstream records one upstream call outcome.
func ObserveUpstream(kind, result string, dur time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(kind, result).Inc()
	UpstreamRequestDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

func AcquireHit(kind string)  { CredentialAcquireTotal.WithLabelValues(kind, "hit").Inc() }
func AcquireMiss(kind string) { CredentialAcquireTotal.WithLabelValues(kind, "miss").Inc() }

// TaskTransition records a status write on a crawl task.
func TaskTransition(to string) { TaskTransitionsTotal.WithLabelValues(to).Inc() }

func StartTaskRun()  { TasksRunning.Inc() }
func FinishTaskRun() { TasksRunning.Dec() }
