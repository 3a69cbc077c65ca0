// Package metrics implements the Prometheus exposition surface: exchange
// throughput, suspension duration, rewrite rule application counts,
// router queue depth and shed events, and replay latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector is the process-wide metrics registry. The zero value is not
// usable; construct with New.
type Collector struct {
	exchangesTotal     *prometheus.CounterVec
	suspensionDuration *prometheus.HistogramVec
	rewriteApplied     *prometheus.CounterVec
	routerQueueDepth   prometheus.Gauge
	routerShedTotal    *prometheus.CounterVec
	replayDuration     prometheus.Histogram
	replayTotal        *prometheus.CounterVec
	warningsTotal      prometheus.Counter

	httpHandler fasthttp.RequestHandler
}

// New constructs a Collector and registers every metric against
// prometheus.DefaultRegisterer.
func New(namespace string, logger *zap.Logger) *Collector {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewWithRegistry constructs a Collector against a caller-supplied
// registerer, for tests that need an isolated registry.
func NewWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{
		exchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "exchanges_total",
			Help: "Total number of captured exchanges, by terminal state.",
		}, []string{"state"}),

		suspensionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "suspension_duration_seconds",
			Help:    "Time an exchange spent suspended waiting on an operator decision, by phase.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"phase"}),

		rewriteApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rewrite", Name: "rules_applied_total",
			Help: "Total number of match/replace rule applications, by rule id and scope.",
		}, []string{"rule_id", "scope"}),

		routerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "outbound_queue_depth",
			Help: "Current depth of the operator channel's bounded outbound send queue.",
		}),

		routerShedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "shed_total",
			Help: "Total number of outbound messages evicted from the send queue under backpressure, by message kind.",
		}, []string{"kind"}),

		replayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "replay", Name: "duration_seconds",
			Help:    "Time taken by a Repeater-tab replay request against the upstream server.",
			Buckets: prometheus.DefBuckets,
		}),

		replayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "requests_total",
			Help: "Total number of replay requests, by outcome.",
		}, []string{"outcome"}),

		warningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "warnings_total",
			Help: "Process-lifetime count of recoverable warnings (malformed rules, rewrite failures, and the like).",
		}),
	}

	registerer.MustRegister(
		c.exchangesTotal, c.suspensionDuration, c.rewriteApplied,
		c.routerQueueDepth, c.routerShedTotal, c.replayDuration, c.replayTotal,
		c.warningsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordExchangeTerminal records an exchange reaching a terminal state
// (completed, dropped, excluded).
func (c *Collector) RecordExchangeTerminal(state string) {
	c.exchangesTotal.WithLabelValues(state).Inc()
}

// RecordSuspension records how long an exchange stayed suspended before
// the operator forwarded or dropped it.
func (c *Collector) RecordSuspension(phase string, duration time.Duration) {
	c.suspensionDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRewriteApplied records one match/replace rule application.
func (c *Collector) RecordRewriteApplied(ruleID, scope string) {
	c.rewriteApplied.WithLabelValues(ruleID, scope).Inc()
}

// SetRouterQueueDepth reports the operator channel's current outbound
// queue depth.
func (c *Collector) SetRouterQueueDepth(depth int) {
	c.routerQueueDepth.Set(float64(depth))
}

// RecordRouterShed records an outbound message evicted under
// backpressure.
func (c *Collector) RecordRouterShed(kind string) {
	c.routerShedTotal.WithLabelValues(kind).Inc()
}

// RecordReplay records one replay request's outcome and latency.
func (c *Collector) RecordReplay(outcome string, duration time.Duration) {
	c.replayTotal.WithLabelValues(outcome).Inc()
	c.replayDuration.Observe(duration.Seconds())
}

// IncWarnings increments the process-lifetime warnings counter.
func (c *Collector) IncWarnings() {
	c.warningsTotal.Inc()
}

// WarningsCount reads the current value of the warnings counter, for
// callers that report it outside the Prometheus exposition format.
func (c *Collector) WarningsCount() float64 {
	metric := &dto.Metric{}
	if err := c.warningsTotal.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// ServeHTTP implements metricsserver.MetricsHandler, exposing every
// registered metric in the Prometheus text format.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.httpHandler(ctx)
}
