// Package metrics exposes the engine's runtime state as Prometheus
// metrics: bandwidth estimate, per-type buffered seconds, and switch/
// stall/segment-error counters.
//
// Every metric is created once in the constructor and stored on a
// struct, rather than registered from package-level init().
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every metric the engine reports.
type Metrics struct {
	BandwidthEstimate *prometheus.GaugeVec
	BufferedSeconds   *prometheus.GaugeVec
	Switches          *prometheus.CounterVec
	Stalls            prometheus.Counter
	SegmentErrors     *prometheus.CounterVec
	SegmentDuration   *prometheus.HistogramVec
}

// New constructs and registers every metric against reg. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer for a process-wide exporter.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BandwidthEstimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "adaptivecore",
			Name:      "bandwidth_estimate_bps",
			Help:      "Current bandwidth estimate in bits per second.",
		}, []string{"session"}),
		BufferedSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "adaptivecore",
			Name:      "buffered_seconds",
			Help:      "Seconds of contiguous buffer ahead of the play head, by content type.",
		}, []string{"session", "type"}),
		Switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adaptivecore",
			Name:      "variant_switches_total",
			Help:      "Number of ABR variant switches.",
		}, []string{"session", "direction"}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adaptivecore",
			Name:      "rebuffer_events_total",
			Help:      "Number of times playback entered the buffering state.",
		}),
		SegmentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adaptivecore",
			Name:      "segment_errors_total",
			Help:      "Number of segment fetch/append failures, by error code.",
		}, []string{"session", "code"}),
		SegmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "adaptivecore",
			Name:      "segment_fetch_duration_seconds",
			Help:      "Latency of successful segment fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"session", "type"}),
	}

	reg.MustRegister(m.BandwidthEstimate, m.BufferedSeconds, m.Switches, m.Stalls, m.SegmentErrors, m.SegmentDuration)
	return m
}
