package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the indexer. All methods are safe on a nil Collector,
// which lets tests and embedded uses skip metrics entirely.
type Collector struct {
	registry *prometheus.Registry

	// Ingestion
	IngestedTxs   *prometheus.CounterVec
	BlockDuration prometheus.Histogram
	FeedHeight    prometheus.Gauge

	// Reads
	QueryDuration *prometheus.HistogramVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry (no global registration).
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		IngestedTxs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingested_transactions_total",
				Help:      "Confirmed transactions seen by the aggregator, by outcome",
			},
			[]string{"result"},
		),
		BlockDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_ingest_duration_seconds",
				Help:      "Time to ingest one confirmed block",
				Buckets:   prometheus.DefBuckets,
			},
		),
		FeedHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_height",
				Help:      "Highest fully ingested block height",
			},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Query service latency by operation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		c.IngestedTxs,
		c.BlockDuration,
		c.FeedHeight,
		c.QueryDuration,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveIngest counts one transaction outcome.
func (c *Collector) ObserveIngest(result string) {
	if c == nil {
		return
	}
	c.IngestedTxs.WithLabelValues(result).Inc()
}

// ObserveBlock records a finished block.
func (c *Collector) ObserveBlock(height uint64, d time.Duration) {
	if c == nil {
		return
	}
	c.BlockDuration.Observe(d.Seconds())
	c.FeedHeight.Set(float64(height))
}

// ObserveQuery records the latency of a query service call.
func (c *Collector) ObserveQuery(operation string, d time.Duration) {
	if c == nil {
		return
	}
	c.QueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveHTTP records a served request.
func (c *Collector) ObserveHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
