package sync

import (
	"time"

	"github.com/statechan/core/log"
	"github.com/statechan/core/metrics"
)

// roundTripMetric is the name MetricsCollector stores round-trip latency
// samples under; kept distinct from standard.go's "sync.round_trip_ms"
// Histogram name since the two track the same quantity through different
// aggregations (running min/max/mean vs. percentile-queryable samples).
const roundTripMetric = "sync.round_trip_ms.sampled"

// Monitor supplements the plain Counters and Histograms in metrics/standard.go
// with a throughput meter and a percentile-queryable sample collector for one
// Protocol, and periodically logs a snapshot of both for long-running peers.
type Monitor struct {
	rate      *metrics.Meter
	collector *metrics.MetricsCollector
	reporter  *metrics.MetricsReporter
}

// NewMonitor builds a Monitor that logs a snapshot every interval via
// logger, tagged with the owning channel's address.
func NewMonitor(channelAddress string, logger *log.Logger, interval time.Duration) *Monitor {
	collector := metrics.NewMetricsCollector(metrics.CollectorConfig{EnableHistograms: true})
	reporter := metrics.NewMetricsReporter(interval)
	reporter.RegisterBackend("log", metrics.NewLogBackend(logger.With("channel", channelAddress)))
	reporter.Start()
	return &Monitor{
		rate:      metrics.NewMeter(),
		collector: collector,
		reporter:  reporter,
	}
}

// RecordRoundTrip marks one completed propose/countersign round trip and
// records its latency for later percentile inspection.
func (m *Monitor) RecordRoundTrip(d time.Duration) {
	m.rate.Mark(1)
	m.collector.RecordHistogram(roundTripMetric, float64(d.Milliseconds()))
	m.reporter.RecordTimer("round_trip", d)
}

// RoundTripRate1 returns the 1-minute moving average of completed round
// trips per second.
func (m *Monitor) RoundTripRate1() float64 {
	return m.rate.Rate1()
}

// RoundTripPercentile returns the p-th percentile (0-100) of sampled
// round-trip latencies in milliseconds, or 0 if none have been recorded.
func (m *Monitor) RoundTripPercentile(p float64) float64 {
	return m.collector.HistogramPercentile(roundTripMetric, p)
}

// Close stops the Monitor's background reporting goroutine. Safe to call on
// a nil Monitor.
func (m *Monitor) Close() {
	if m == nil {
		return
	}
	m.reporter.Stop()
}
