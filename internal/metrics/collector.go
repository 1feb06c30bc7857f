// Package metrics exposes relay statistics to Prometheus and serves the
// health endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	overlayrelay "github.com/e7canasta/overlay-relay"
)

const namespace = "overlay_relay"

// StatsSource is anything that reports relay statistics.
type StatsSource interface {
	Stats() overlayrelay.Stats
}

var states = []overlayrelay.State{
	overlayrelay.StateIdle,
	overlayrelay.StateRunning,
	overlayrelay.StatePaused,
	overlayrelay.StateStopped,
}

// Collector reads Stats at scrape time, so counters never drift from the controller.
type Collector struct {
	source StatsSource

	framesRelayed  *prometheus.Desc
	bytesRelayed   *prometheus.Desc
	wouldBlocks    *prometheus.Desc
	pollTimeouts   *prometheus.Desc
	stallRetries   *prometheus.Desc
	sizeMismatches *prometheus.Desc
	eventsDropped  *prometheus.Desc
	fps            *prometheus.Desc
	jitter         *prometheus.Desc
	latency        *prometheus.Desc
	uptime         *prometheus.Desc
	state          *prometheus.Desc
	buffers        *prometheus.Desc
}

// NewCollector creates a collector labelled with instanceID.
func NewCollector(instanceID string, source StatsSource) *Collector {
	labels := prometheus.Labels{"instance": instanceID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}

	return &Collector{
		source:         source,
		framesRelayed:  desc("frames_relayed_total", "Frames copied to the output device."),
		bytesRelayed:   desc("bytes_relayed_total", "Payload bytes copied to the output device."),
		wouldBlocks:    desc("would_blocks_total", "Capture dequeues that found no frame ready."),
		pollTimeouts:   desc("poll_timeouts_total", "Capture waits that expired without a frame."),
		stallRetries:   desc("stall_retries_total", "Poll timeouts tolerated by the stall policy."),
		sizeMismatches: desc("size_mismatches_total", "Frames clamped to the output buffer size."),
		eventsDropped:  desc("events_dropped_total", "Lifecycle events observers missed."),
		fps:            desc("fps", "Relay rate over the recent window."),
		jitter:         desc("jitter_seconds", "Mean deviation from the expected frame interval."),
		latency:        desc("last_frame_age_seconds", "Time since the last relayed frame."),
		uptime:         desc("uptime_seconds", "Time since the relay started."),
		state:          desc("state", "Current lifecycle state (1 for the active state).", "state"),
		buffers:        desc("buffers", "Granted buffer pool size.", "direction"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesRelayed
	ch <- c.bytesRelayed
	ch <- c.wouldBlocks
	ch <- c.pollTimeouts
	ch <- c.stallRetries
	ch <- c.sizeMismatches
	ch <- c.eventsDropped
	ch <- c.fps
	ch <- c.jitter
	ch <- c.latency
	ch <- c.uptime
	ch <- c.state
	ch <- c.buffers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.framesRelayed, s.FramesRelayed)
	counter(c.bytesRelayed, s.BytesRelayed)
	counter(c.wouldBlocks, s.WouldBlocks)
	counter(c.pollTimeouts, s.PollTimeouts)
	counter(c.stallRetries, s.StallRetries)
	counter(c.sizeMismatches, s.SizeMismatches)
	counter(c.eventsDropped, s.EventsDropped)

	gauge(c.fps, s.FPS)
	gauge(c.jitter, s.JitterMS/1000)
	gauge(c.latency, float64(s.LatencyMS)/1000)
	gauge(c.uptime, s.Uptime.Seconds())

	for _, st := range states {
		v := 0.0
		if st == s.State {
			v = 1
		}
		gauge(c.state, v, st.String())
	}

	gauge(c.buffers, float64(s.CaptureBuffers), "capture")
	gauge(c.buffers, float64(s.OutputBuffers), "output")
}
