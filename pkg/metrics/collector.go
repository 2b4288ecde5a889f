// Package metrics exposes cache, retry and resolution counters through a
// Prometheus registry.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "quizcraft"

// Collector owns a private registry with all quizcraft metrics.
// It satisfies the cache Observer interface and provides an attempt hook
// for the retrying client.
type Collector struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheEntries   prometheus.Gauge
	cacheBytes     prometheus.Gauge

	attempts        *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	retryDelay      prometheus.Histogram

	resolutions *prometheus.CounterVec
	units       *prometheus.CounterVec
}

// NewCollector creates and registers all metrics. An empty namespace uses
// DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of response cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of response cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted to stay within capacity",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached responses",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Current total size of cached responses in bytes",
		}),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "attempts_total",
			Help:      "Remote call attempts by outcome class and status code",
		}, []string{"class", "status"}),
		// Remote generation latencies run from sub-second to a couple of minutes.
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of individual remote call attempts",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "retry_delay_seconds",
			Help:      "Backoff waits scheduled before a retry",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30},
		}),

		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Completed resolutions by final state",
		}, []string{"outcome"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billed_units_total",
			Help:      "Units reported by the remote service",
		}, []string{"model", "direction"}),
	}

	c.registry.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheEvictions,
		c.cacheEntries,
		c.cacheBytes,
		c.attempts,
		c.attemptDuration,
		c.retryDelay,
		c.resolutions,
		c.units,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordHit()  { c.cacheHits.Inc() }
func (c *Collector) RecordMiss() { c.cacheMisses.Inc() }

func (c *Collector) RecordEviction(n int) {
	if n > 0 {
		c.cacheEvictions.Add(float64(n))
	}
}

func (c *Collector) UpdateSize(entries, bytes int64) {
	c.cacheEntries.Set(float64(entries))
	c.cacheBytes.Set(float64(bytes))
}

// ObserveAttempt records one remote attempt. It matches llm.AttemptHook.
func (c *Collector) ObserveAttempt(ev models.AttemptEvent) {
	status := ""
	if ev.StatusCode != 0 {
		status = strconv.Itoa(ev.StatusCode)
	}
	c.attempts.WithLabelValues(string(ev.Class), status).Inc()
	c.attemptDuration.Observe(ev.Latency.Seconds())
	if ev.NextDelay > 0 {
		c.retryDelay.Observe(ev.NextDelay.Seconds())
	}
}

// RecordResolution counts a finished resolution by its final state.
func (c *Collector) RecordResolution(state models.ResolveState) {
	c.resolutions.WithLabelValues(string(state)).Inc()
}

// RecordUsage adds billed units for model.
func (c *Collector) RecordUsage(model string, u models.Usage) {
	c.units.WithLabelValues(model, "input").Add(float64(u.InputUnits))
	c.units.WithLabelValues(model, "output").Add(float64(u.OutputUnits))
}

// WriteTextfile writes the registry in text exposition format to path,
// for pickup by a node exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
