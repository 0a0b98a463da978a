// ABOUTME: Prometheus collectors for instance statuses, the delivery queue and caches
// ABOUTME: Implements the orchestrator status observer and serves /metrics

package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/hive-gateway/internal/cache"
	"github.com/2389/hive-gateway/internal/delivery"
	"github.com/2389/hive-gateway/internal/instance"
)

const namespace = "hive"

// Collector owns the gateway's prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	instances   *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec

	mu      sync.Mutex
	current map[string]instance.Status
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Loaded instances by status.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_transitions_total",
			Help:      "Instance status transitions by target status.",
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests by route and response code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		current: make(map[string]instance.Status),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.instances,
		c.transitions,
		c.requests,
		c.latency,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// StatusChanged moves id from its previous status gauge to status.
func (c *Collector) StatusChanged(id string, status instance.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.current[id]
	if ok && prev == status {
		return
	}
	if ok {
		c.instances.WithLabelValues(string(prev)).Dec()
	}
	c.current[id] = status
	c.instances.WithLabelValues(string(status)).Inc()
	c.transitions.WithLabelValues(string(status)).Inc()
}

// Removed drops id from the status gauges.
func (c *Collector) Removed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.current[id]; ok {
		c.instances.WithLabelValues(string(prev)).Dec()
		delete(c.current, id)
	}
}

// MetricsSource reports delivery queue counters.
type MetricsSource interface {
	Metrics() delivery.Metrics
}

// RegisterQueue exports the delivery queue counters.
func (c *Collector) RegisterQueue(q MetricsSource) {
	c.registry.MustRegister(&queueCollector{source: q})
}

// RegisterCaches exports hit, miss and size figures of the caches stats
// returns.
func (c *Collector) RegisterCaches(stats func() []cache.Stats) {
	c.registry.MustRegister(&cacheCollector{stats: stats})
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request count and latency for route.
func (c *Collector) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		c.requests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		c.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

var (
	queueProcessedDesc = prometheus.NewDesc(namespace+"_delivery_processed_total", "Delivered notifications.", nil, nil)
	queueFailedDesc    = prometheus.NewDesc(namespace+"_delivery_failed_total", "Notifications dropped after exhausting retries.", nil, nil)
	queueDroppedDesc   = prometheus.NewDesc(namespace+"_delivery_dropped_total", "Notifications rejected because the queue was full.", nil, nil)
	queueRetriedDesc   = prometheus.NewDesc(namespace+"_delivery_retried_total", "Delivery attempts scheduled for retry.", nil, nil)
	queueSizeDesc      = prometheus.NewDesc(namespace+"_delivery_queue_size", "Notifications waiting in the queue.", nil, nil)
	queueActiveDesc    = prometheus.NewDesc(namespace+"_delivery_active_requests", "Deliveries in flight.", nil, nil)
	queuePendingDesc   = prometheus.NewDesc(namespace+"_delivery_pending_retries", "Notifications waiting out a retry delay.", nil, nil)
)

type queueCollector struct {
	source MetricsSource
}

func (q *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueProcessedDesc
	ch <- queueFailedDesc
	ch <- queueDroppedDesc
	ch <- queueRetriedDesc
	ch <- queueSizeDesc
	ch <- queueActiveDesc
	ch <- queuePendingDesc
}

func (q *queueCollector) Collect(ch chan<- prometheus.Metric) {
	m := q.source.Metrics()
	ch <- prometheus.MustNewConstMetric(queueProcessedDesc, prometheus.CounterValue, float64(m.Processed))
	ch <- prometheus.MustNewConstMetric(queueFailedDesc, prometheus.CounterValue, float64(m.Failed))
	ch <- prometheus.MustNewConstMetric(queueDroppedDesc, prometheus.CounterValue, float64(m.Dropped))
	ch <- prometheus.MustNewConstMetric(queueRetriedDesc, prometheus.CounterValue, float64(m.Retried))
	ch <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(m.QueueSize))
	ch <- prometheus.MustNewConstMetric(queueActiveDesc, prometheus.GaugeValue, float64(m.ActiveRequests))
	ch <- prometheus.MustNewConstMetric(queuePendingDesc, prometheus.GaugeValue, float64(m.PendingRetries))
}

var (
	cacheHitsDesc   = prometheus.NewDesc(namespace+"_cache_hits_total", "Cache hits.", []string{"cache"}, nil)
	cacheMissesDesc = prometheus.NewDesc(namespace+"_cache_misses_total", "Cache misses.", []string{"cache"}, nil)
	cacheSizeDesc   = prometheus.NewDesc(namespace+"_cache_entries", "Entries held by the cache.", []string{"cache"}, nil)
)

type cacheCollector struct {
	stats func() []cache.Stats
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheSizeDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stats() {
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(s.Hits), s.Name)
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(s.Misses), s.Name)
		ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(s.Size), s.Name)
	}
}
