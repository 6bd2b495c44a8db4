package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute labels requests no route pattern matched, keeping label
// cardinality bounded for probes of arbitrary paths.
const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "path", "status"})

	// Executions hold the request open, so buckets reach well past the
	// default 10s ceiling.
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandboxd_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route pattern.",
		Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 300},
	}, []string{"method", "path"})

	httpResponseBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandboxd_http_response_size_bytes",
		Help:    "HTTP response body size by route pattern.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 10),
	}, []string{"path"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sandboxd_http_requests_in_flight",
		Help: "HTTP requests currently being served, including open output streams.",
	})

	createsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandboxd_http_creates_rejected_total",
		Help: "Context creations rejected by the rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		httpResponseBytes,
		httpInFlight,
		createsRejectedTotal,
	)
}

// metricsMiddleware observes every request once it has been routed, so the
// chi route pattern is available as the path label.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		observeRequest(r, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

func observeRequest(r *http.Request, status, size int, elapsed time.Duration) {
	if status == 0 {
		// Handler wrote nothing; net/http will answer 200.
		status = http.StatusOK
	}
	path := unmatchedRoute
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			path = p
		}
	}

	httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())
	httpResponseBytes.WithLabelValues(path).Observe(float64(size))
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
