package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the HTTP surface.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ChatStreamsTotal   *prometheus.CounterVec
	ChatStreamsActive  prometheus.Gauge
	ChatChunksTotal    prometheus.Counter
	ChatRateLimitTotal prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry so several
// handlers can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "luna_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ChatStreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_chat_streams_total",
				Help: "Chat replies by outcome",
			},
			[]string{"outcome"},
		),
		ChatStreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "luna_chat_streams_active",
				Help: "Chat replies currently streaming",
			},
		),
		ChatChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "luna_chat_chunks_total",
				Help: "Reply fragments relayed to clients",
			},
		),
		ChatRateLimitTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "luna_chat_rate_limited_total",
				Help: "Chat requests rejected by the local rate limiter",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument records count and latency for one route.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses flushable through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
