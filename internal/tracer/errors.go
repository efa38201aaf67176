package tracer

import (
	"errors"
	"fmt"

	"github.com/shuwens/reverb/internal/ebpf"
	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/report"
	"github.com/shuwens/reverb/internal/source"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitProducer    = 2
	ExitSink        = 3
	ExitInterrupted = 130
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return "configuration: " + e.Detail
}

// InterruptedError marks a run ended by SIGINT/SIGTERM. The summary has
// already been emitted when it is returned.
type InterruptedError struct {
	Signal string
}

func (e *InterruptedError) Error() string {
	return "interrupted by " + e.Signal
}

// ExitCode maps an error returned by Run (or setup) to the process exit
// code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		interrupted *InterruptedError
		sinkErr     *report.SinkError
		prodErr     *source.ProducerError
		loadErr     *ebpf.LoadError
		sizeErr     *event.RecordSizeError
		cfgErr      *ConfigError
	)
	switch {
	case errors.As(err, &interrupted):
		return ExitInterrupted
	case errors.As(err, &sinkErr):
		return ExitSink
	case errors.As(err, &prodErr), errors.As(err, &loadErr), errors.As(err, &sizeErr):
		return ExitProducer
	case errors.As(err, &cfgErr):
		return ExitConfig
	}
	return ExitConfig
}

// Fatalf renders the single terminal line the user sees on failure.
func Fatalf(err error) string {
	var (
		sinkErr *report.SinkError
		prodErr *source.ProducerError
		loadErr *ebpf.LoadError
		sizeErr *event.RecordSizeError
		cfgErr  *ConfigError
	)
	kind := "error"
	switch {
	case errors.As(err, &sinkErr):
		kind = "sink-write-failure"
	case errors.As(err, &prodErr), errors.As(err, &loadErr):
		kind = "producer-unavailable"
	case errors.As(err, &sizeErr):
		kind = "schema-mismatch"
	case errors.As(err, &cfgErr):
		kind = "configuration"
	}
	return fmt.Sprintf("fatal: %s: %v", kind, err)
}
