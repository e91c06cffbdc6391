package metrics

import "github.com/statechan/core/log"

// LogBackend is a ReportBackend that writes each periodic snapshot to a
// structured logger, for peers that run with no separate metrics
// infrastructure (Prometheus, StatsD, ...) wired up.
type LogBackend struct {
	logger *log.Logger
}

// NewLogBackend returns a LogBackend that logs every snapshot at Info level
// via logger.
func NewLogBackend(logger *log.Logger) *LogBackend {
	return &LogBackend{logger: logger}
}

// Report logs metrics as a single structured entry. The map is flattened
// into key-value args so every value is queryable in the resulting log
// line.
func (b *LogBackend) Report(metrics map[string]float64) error {
	args := make([]any, 0, len(metrics)*2)
	for name, value := range metrics {
		args = append(args, name, value)
	}
	b.logger.Info("metrics snapshot", args...)
	return nil
}
