package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/overlay-relay/internal/emitter"
)

// PublisherSource reports MQTT event publishing statistics.
type PublisherSource interface {
	Stats() emitter.Stats
}

// PublisherCollector exposes lifecycle event publishing to Prometheus.
type PublisherCollector struct {
	source PublisherSource

	published *prometheus.Desc
	errors    *prometheus.Desc
	connected *prometheus.Desc
}

// NewPublisherCollector creates a collector labelled with instanceID.
func NewPublisherCollector(instanceID string, source PublisherSource) *PublisherCollector {
	labels := prometheus.Labels{"instance": instanceID}

	return &PublisherCollector{
		source: source,
		published: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "published_total"),
			"Lifecycle events published to the broker.",
			[]string{"topic"}, labels),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "publish_errors_total"),
			"Lifecycle events that failed to publish.",
			nil, labels),
		connected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mqtt", "connected"),
			"Whether the broker connection is up.",
			nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *PublisherCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.errors
	ch <- c.connected
}

// Collect implements prometheus.Collector.
func (c *PublisherCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	for topic, n := range s.Published {
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(n), topic)
	}
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors))

	connected := 0.0
	if s.Connected {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected)
}
