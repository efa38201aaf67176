// Package tracer owns the poll loop: it pulls events from the source,
// classifies and correlates them, accumulates statistics, and streams
// records and the final analysis to the sink.
package tracer

import (
	"time"

	"github.com/shuwens/reverb/internal/correlate"
	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/report"
)

// Config is the tracer's knob set. Written once at startup, read-only after.
type Config struct {
	// Duration bounds the run; zero means run until interrupted.
	Duration time.Duration

	// PollTimeout bounds each wait on the producer.
	PollTimeout time.Duration

	Format   report.Format
	Realtime bool
	Verbose  bool

	// WorkloadOnly filters real-time records to workload-tagged events.
	WorkloadOnly bool

	// Correlate enables request roll-ups.
	Correlate bool

	// System filters the stream to one storage system; SystemUnknown
	// disables the filter.
	System event.System

	// TopN bounds the per-request section of the report.
	TopN int

	// CountMetadataInDevice keeps metadata-flagged device bytes in the
	// amplification totals.
	CountMetadataInDevice bool

	// ExcludeSelf drops events generated by the tracer's own process, so
	// writing the report does not inflate the measured amplification.
	ExcludeSelf bool

	Correlation correlate.Config
}

// DefaultConfig returns the tracing defaults.
func DefaultConfig() Config {
	return Config{
		PollTimeout:           100 * time.Millisecond,
		Format:                report.FormatText,
		Realtime:              true,
		Correlate:             true,
		TopN:                  10,
		CountMetadataInDevice: true,
		ExcludeSelf:           true,
		Correlation:           correlate.DefaultConfig(),
	}
}
