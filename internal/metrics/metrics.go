package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opspilot",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Name:      "searches_total",
		Help:      "Total playbook searches by source collection set and outcome.",
	}, []string{"outcome"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "opspilot",
		Name:      "search_duration_seconds",
		Help:      "End-to-end search latency in seconds, including reranking.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	RerankTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Name:      "rerank_total",
		Help:      "LLM rerank passes by outcome (ok, degraded, skipped).",
	}, []string{"outcome"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Name:      "sync_runs_total",
		Help:      "Sync batch runs by collection outcome (ok, partial, failed, rejected).",
	}, []string{"outcome"})

	SyncObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Name:      "sync_objects_total",
		Help:      "Objects processed by sync, by kind and outcome.",
	}, []string{"kind", "outcome"})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Name:      "publish_total",
		Help:      "Playbook publish attempts by outcome (published, rejected, conflict, error).",
	}, []string{"outcome"})

	ResolveDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "opspilot",
		Name:      "resolve_depth",
		Help:      "Reference depth reached while resolving playbooks.",
		Buckets:   []float64{0, 1, 2, 3},
	})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath buckets URL paths to avoid high cardinality: the first two
// segments are kept, anything deeper is dropped.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	switch p {
	case "/healthz", "/readyz", "/metrics":
		return p
	}
	segments := 0
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			segments++
			if segments >= 2 {
				return p[:i]
			}
		}
	}
	return p
}
