package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats is the recorder state read at scrape time.
type LiveStats struct {
	Recording     bool
	SessionBytes  int
	SessionChunks int
	Transcribing  bool
}

// StatsSource provides the collector access to live service state.
type StatsSource interface {
	LiveStats() LiveStats
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	source StatsSource

	recording     *prometheus.Desc
	sessionBytes  *prometheus.Desc
	sessionChunks *prometheus.Desc
	transcribing  *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// source may be nil (metrics will report 0).
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		recording: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "recording"),
			"1 while a capture session is recording or finalizing.",
			nil, nil,
		),
		sessionBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "session_bytes"),
			"Bytes collected by the current session.",
			nil, nil,
		),
		sessionChunks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "session_chunks"),
			"Fragments collected by the current session.",
			nil, nil,
		),
		transcribing: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "transcription_in_progress"),
			"1 while a transcription request is running.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recording
	ch <- c.sessionBytes
	ch <- c.sessionChunks
	ch <- c.transcribing
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var s LiveStats
	if c.source != nil {
		s = c.source.LiveStats()
	}

	ch <- prometheus.MustNewConstMetric(c.recording, prometheus.GaugeValue, boolValue(s.Recording))
	ch <- prometheus.MustNewConstMetric(c.sessionBytes, prometheus.GaugeValue, float64(s.SessionBytes))
	ch <- prometheus.MustNewConstMetric(c.sessionChunks, prometheus.GaugeValue, float64(s.SessionChunks))
	ch <- prometheus.MustNewConstMetric(c.transcribing, prometheus.GaugeValue, boolValue(s.Transcribing))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
