// Package metrics exposes Prometheus collectors for the bridge service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/storebridge/internal/stream"
)

// Collector records stream lifecycles and HTTP traffic. It implements
// stream.Monitor, so it can be handed to any stream constructor.
type Collector struct {
	subscriptionsActive        *prometheus.GaugeVec
	subscriptionsTotal         *prometheus.CounterVec
	eventsTotal                *prometheus.CounterVec
	eventsDroppedTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

var _ stream.Monitor = (*Collector)(nil)

// New registers the collectors on reg. A nil reg registers nothing, which
// keeps the collectors usable in tests.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		subscriptionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storebridge_subscriptions_active",
				Help: "Number of live subscriptions, labeled by stream.",
			},
			[]string{"stream"},
		),
		subscriptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_subscriptions_total",
				Help: "Total number of subscriptions opened, labeled by stream.",
			},
			[]string{"stream"},
		),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_events_total",
				Help: "Total number of events delivered to subscribers, labeled by stream and kind.",
			},
			[]string{"stream", "kind"},
		),
		eventsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_events_dropped_total",
				Help: "Total number of events discarded after a subscription ended, labeled by stream.",
			},
			[]string{"stream"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storebridge_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// Subscribed implements stream.Monitor.
func (c *Collector) Subscribed(name string) {
	c.subscriptionsActive.WithLabelValues(name).Inc()
	c.subscriptionsTotal.WithLabelValues(name).Inc()
}

// Unsubscribed implements stream.Monitor.
func (c *Collector) Unsubscribed(name string) {
	c.subscriptionsActive.WithLabelValues(name).Dec()
}

// Delivered implements stream.Monitor.
func (c *Collector) Delivered(name string, kind stream.Kind) {
	c.eventsTotal.WithLabelValues(name, string(kind)).Inc()
}

// Dropped implements stream.Monitor.
func (c *Collector) Dropped(name string, _ stream.Kind) {
	c.eventsDroppedTotal.WithLabelValues(name).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collector) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns an http.Handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
