// Package metrics exports operational Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/corsfix/proxy/internal/usage"
)

const namespace = "corsfix"

// Collector owns a private registry so tests and multiple servers do not
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamLatency *prometheus.HistogramVec
	bytes           *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	ssrfBlocked     prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	busMessages     *prometheus.CounterVec
}

// NewCollector registers the proxy metrics plus Go runtime and process
// collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by outcome tag.",
		}, []string{"status", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End to end request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "duration_seconds",
			Help:      "Time until upstream response headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_bytes_total",
			Help:      "Response body bytes written to clients.",
		}, []string{"transform"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		ssrfBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "blocked_total",
			Help:      "Upstream hops redirected to the sentinel.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Directory cache lookups.",
		}, []string{"cache", "result"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Invalidation messages received.",
		}, []string{"channel"}),
	}

	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.upstreamLatency,
		c.bytes,
		c.rateLimited,
		c.ssrfBlocked,
		c.cacheLookups,
		c.busMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a finished request.
func (c *Collector) RecordRequest(status string, code int, duration time.Duration) {
	c.requests.WithLabelValues(status, strconv.Itoa(code)).Inc()
	c.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordUpstream records the time to upstream response headers. code is 0
// when the upstream call failed.
func (c *Collector) RecordUpstream(code int, d time.Duration) {
	c.upstreamLatency.WithLabelValues(strconv.Itoa(code)).Observe(d.Seconds())
}

// RecordBytes adds body bytes written through a transformer.
func (c *Collector) RecordBytes(transform string, n int64) {
	if n > 0 {
		c.bytes.WithLabelValues(transform).Add(float64(n))
	}
}

// RecordRateLimited counts a rejection. scope is "local" or "tenant".
func (c *Collector) RecordRateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

// RecordBlocked counts an SSRF sentinel rewrite.
func (c *Collector) RecordBlocked() {
	c.ssrfBlocked.Inc()
}

// RecordCacheLookup matches lookup.Cached's observer signature.
func (c *Collector) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordBusMessage counts an invalidation message.
func (c *Collector) RecordBusMessage(channel string) {
	c.busMessages.WithLabelValues(channel).Inc()
}

// RegisterBreaker exports the Redis limiter breaker state as
// 0=closed, 1=half_open, 2=open.
func (c *Collector) RegisterBreaker(state func() gobreaker.State) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "breaker_state",
		Help:      "Redis limiter breaker state: 0=closed, 1=half_open, 2=open.",
	}, func() float64 { return breakerValue(state()) }))
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// RegisterUsage exports the usage collector counters.
func (c *Collector) RegisterUsage(stats func() usage.Stats) {
	counter := func(name, help string, pick func(usage.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	c.registry.MustRegister(
		counter("recorded_total", "Usage points queued.", func(s usage.Stats) int64 { return s.Recorded }),
		counter("deduped_total", "Requests skipped as duplicates.", func(s usage.Stats) int64 { return s.Deduped }),
		counter("dropped_total", "Usage points dropped on a full queue.", func(s usage.Stats) int64 { return s.Dropped }),
		counter("flushes_total", "Batch writes attempted.", func(s usage.Stats) int64 { return s.Flushes }),
		counter("flushed_total", "Points written to the sink.", func(s usage.Stats) int64 { return s.Flushed }),
		counter("flush_errors_total", "Batch writes that failed after retries.", func(s usage.Stats) int64 { return s.Errors }),
	)
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
