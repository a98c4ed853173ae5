// Package metrics instruments the webhook ingress with Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPCollector records request counts, latencies and the in-flight gauge
// for the ingress endpoints. It runs its own registry so the scrape output
// carries only what this process emits.
type HTTPCollector struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewHTTPCollector builds and registers the ingress metric set.
func NewHTTPCollector() (*HTTPCollector, error) {
	c := &HTTPCollector{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Webhook ingress requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Webhook ingress latency distribution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feedgate",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Requests currently being served.",
		}),
	}

	for _, col := range []prometheus.Collector{c.requestTotal, c.requestDuration, c.inFlight} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the /metrics scrape endpoint.
func (c *HTTPCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next so every request is counted and timed.
func (c *HTTPCollector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.inFlight.Inc()
		defer c.inFlight.Dec()

		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.status)
		c.requestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
