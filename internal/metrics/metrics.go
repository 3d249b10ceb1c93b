// Package metrics exposes Prometheus instrumentation for the battle server.
//
// Everything registers on Registry rather than the global default so that
// the exported set is exactly what this package declares plus the Go and
// process collectors.
package metrics

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentbattle"

// Registry holds every collector served on /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
}

// HTTP surface.
var (
	HTTPRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status class.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"method", "route"})
)

// Simulator activity.
var (
	// IntentsTotal counts dispatched intents by type and result
	// (applied, rejected, invalid, invariant).
	IntentsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_total",
		Help:      "Dispatched intents by type and result.",
	}, []string{"type", "result"})

	TransitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Transaction state transitions by from and to state.",
	}, []string{"from", "to"})

	DisputesResolvedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disputes_resolved_total",
		Help:      "Resolved disputes by resolution.",
	}, []string{"resolution"})

	// NegotiationRounds observes the round at which a quote was accepted.
	NegotiationRounds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "negotiation_rounds",
		Help:      "Counter-offer rounds before a quote was accepted.",
		Buckets:   prometheus.LinearBuckets(0, 1, 6),
	})

	DispatchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent reducing one intent.",
		Buckets:   prometheus.ExponentialBuckets(.00001, 5, 7),
	})
)

// Session host.
var (
	ActiveSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Live battle sessions.",
	})

	SessionsEvictedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Sessions evicted after sitting idle.",
	})

	ActiveWebSocketClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Connected WebSocket clients.",
	})
)

// Middleware records request count and latency. Requests that match no
// route share the "unmatched" label so stray paths cannot grow cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(nil)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(timer.ObserveDuration().Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
