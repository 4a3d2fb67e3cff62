// Package metrics exposes the running engine's own introspection counters
// as a prometheus.Collector — the profiler's self-observability surface,
// distinct from the per-object report package produces at exit. Modeled
// directly on the teacher's systemd.Collector: a NewCollector(logger)
// constructor, prometheus.Desc fields built once, and a Collect method that
// never returns an error to the registry, only logs one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/log"
)

const namespace = "numaperf"

// EngineStats is the minimal read-only view Collector needs from a running
// engine.Engine, kept as an interface so tests can supply a fake without
// standing up a real mmap-backed engine.
type EngineStats interface {
	PageFragmentCount() int
	LineFragmentCount() int
	CallSiteCount() int
	ObjectsDiagnosedTotal() uint64
}

// Collector adapts an EngineStats into Prometheus gauges/counters.
type Collector struct {
	logger log.Logger
	stats  EngineStats

	pageFragments   *prometheus.Desc
	lineFragments   *prometheus.Desc
	callSites       *prometheus.Desc
	objectsObserved *prometheus.Desc
}

// NewCollector builds a Collector reading from stats, logging through
// logger exactly as the teacher's NewCollector does.
func NewCollector(logger log.Logger, stats EngineStats) *Collector {
	if logger == nil {
		logger = log.Base()
	}
	return &Collector{
		logger: logger,
		stats:  stats,
		pageFragments: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "page_shadow_fragments"),
			"Number of page-shadow mmap fragments currently allocated.", nil, nil,
		),
		lineFragments: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "cacheline_shadow_fragments"),
			"Number of cache-line shadow mmap fragments currently allocated.", nil, nil,
		),
		callSites: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "call_sites_tracked"),
			"Number of distinct allocation call sites with at least one diagnosed object.", nil, nil,
		),
		objectsObserved: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "objects_diagnosed_total"),
			"Total objects that have completed free-time diagnosis.", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pageFragments
	ch <- c.lineFragments
	ch <- c.callSites
	ch <- c.objectsObserved
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.logger.Debugf("numaperf: collecting engine introspection metrics")
	ch <- prometheus.MustNewConstMetric(c.pageFragments, prometheus.GaugeValue, float64(c.stats.PageFragmentCount()))
	ch <- prometheus.MustNewConstMetric(c.lineFragments, prometheus.GaugeValue, float64(c.stats.LineFragmentCount()))
	ch <- prometheus.MustNewConstMetric(c.callSites, prometheus.GaugeValue, float64(c.stats.CallSiteCount()))
	ch <- prometheus.MustNewConstMetric(c.objectsObserved, prometheus.CounterValue, float64(c.stats.ObjectsDiagnosedTotal()))
}
