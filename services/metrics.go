package services

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proctor",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proctor",
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "sessions_started_total",
		Help:      "Interview sessions created",
	})

	turnsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "turns_recorded_total",
		Help:      "Turns persisted, by whether the question was answered",
	}, []string{"answered"})

	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "submissions_total",
		Help:      "Sessions submitted, by upload path",
	}, []string{"path"})

	recordingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "recording_failures_total",
		Help:      "Terminal recording failures by reason",
	}, []string{"reason"})

	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Name:      "evaluations_total",
		Help:      "Evaluation trigger outcomes",
	}, []string{"outcome"})

	relayConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "proctor",
		Name:      "relay_connections",
		Help:      "Open relay websocket connections by role",
	}, []string{"role"})
)

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working behind the middleware.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

// MetricsMiddleware records request metrics labelled by chi route pattern so
// interview tokens never become label values.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// MetricsHandler exposes the default Prometheus metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
