// Package source adapts the kernel producer's ring buffer (or a captured
// replay file) into a stream of decoded layer events.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/shuwens/reverb/internal/event"
)

// Outcome is the result class of one poll.
type Outcome int

const (
	// OutcomeDelivered means one or more events were handed to the handler.
	OutcomeDelivered Outcome = iota
	// OutcomeTimedOut means the poll deadline passed with no events. Normal.
	OutcomeTimedOut
	// OutcomeInterrupted means the producer stream ended (reader closed,
	// replay exhausted). The poll loop should drain and summarize.
	OutcomeInterrupted
)

// Poll describes one completed poll.
type Poll struct {
	Outcome   Outcome
	Delivered int
}

// Handler receives each decoded event. A non-nil error aborts the poll and
// is returned to the caller verbatim.
type Handler func(*event.LayerEvent) error

// Source is a pull-based producer of layer events.
type Source interface {
	// Poll waits up to timeout for events and hands each to h. It never
	// blocks past the timeout and yields promptly on ctx cancellation.
	Poll(ctx context.Context, timeout time.Duration, h Handler) (Poll, error)

	// Drops is the producer-side overflow count, when the producer exposes
	// one.
	Drops() uint64

	// Invalid is the number of records dropped for an unknown layer/kind.
	Invalid() uint64

	Close() error
}

// ProducerError is a fatal producer failure: the ring buffer could not be
// attached or read (map gone, probe unloaded).
type ProducerError struct {
	Op  string
	Err error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("producer %s: %v", e.Op, e.Err)
}

func (e *ProducerError) Unwrap() error { return e.Err }
