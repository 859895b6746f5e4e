package csd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports a Metrics snapshot on every scrape
type PrometheusCollector struct {
	metrics *Metrics
	labels  prometheus.Labels

	ops      *prometheus.Desc
	bytes    *prometheus.Desc
	errors   *prometheus.Desc
	failures *prometheus.Desc
	depth    *prometheus.Desc
	latency  *prometheus.Desc
	uptime   *prometheus.Desc
}

// NewPrometheusCollector creates a collector for m. constLabels are attached
// to every series, typically the target name.
func NewPrometheusCollector(m *Metrics, constLabels prometheus.Labels) *PrometheusCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("csd", "namespace", name), help, labels, constLabels)
	}
	return &PrometheusCollector{
		metrics:  m,
		labels:   constLabels,
		ops:      desc("commands_total", "Commands completed by opcode.", "op"),
		bytes:    desc("bytes_total", "Bytes transferred or aggregated by opcode.", "op"),
		errors:   desc("command_errors_total", "Commands completed with an error by opcode.", "op"),
		failures: desc("failures_total", "Offload path failures by kind.", "kind"),
		depth:    desc("max_queue_depth", "Largest number of outstanding commands seen on one queue."),
		latency:  desc("command_latency_seconds", "Command latency from submission to completion."),
		uptime:   desc("uptime_seconds", "Time since the namespace was opened."),
	}
}

// Describe implements prometheus.Collector
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ops
	ch <- c.bytes
	ch <- c.errors
	ch <- c.failures
	ch <- c.depth
	ch <- c.latency
	ch <- c.uptime
}

// Collect implements prometheus.Collector
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
	}

	counter(c.ops, snap.ReadOps, "read")
	counter(c.ops, snap.WriteOps, "write")
	counter(c.ops, snap.AggregateOps, "aggregate")
	counter(c.ops, snap.FlushOps, "flush")

	counter(c.bytes, snap.ReadBytes, "read")
	counter(c.bytes, snap.WriteBytes, "write")
	counter(c.bytes, snap.AggregateBytes, "aggregate")

	counter(c.errors, snap.ReadErrors, "read")
	counter(c.errors, snap.WriteErrors, "write")
	counter(c.errors, snap.AggregateErrors, "aggregate")
	counter(c.errors, snap.FlushErrors, "flush")

	counter(c.failures, snap.Timeouts, "timeout")
	counter(c.failures, snap.Violations, "protocol_violation")
	counter(c.failures, snap.QueueFull, "queue_full")

	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(snap.MaxQueueDepth))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(snap.UptimeNs)/1e9)

	// The histogram buckets are already cumulative
	buckets := make(map[float64]uint64, len(LatencyBuckets))
	for i, upper := range LatencyBuckets {
		buckets[float64(upper)/1e9] = snap.LatencyHistogram[i]
	}
	count := c.metrics.OpCount.Load()
	sum := float64(c.metrics.TotalLatencyNs.Load()) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets)
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
