package source

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/shuwens/reverb/internal/event"
)

// RingbufSource reads probe records from the producer's BPF ring buffer.
type RingbufSource struct {
	rd      *ringbuf.Reader
	drops   *cebpf.Map // optional u64 overflow counter, key 0
	invalid uint64
}

// NewRingbufSource opens a reader over the events map. dropsMap may be nil
// when the probe object carries no overflow counter.
func NewRingbufSource(events, dropsMap *cebpf.Map) (*RingbufSource, error) {
	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return nil, &ProducerError{Op: "attach", Err: err}
	}
	return &RingbufSource{rd: rd, drops: dropsMap}, nil
}

// Poll reads records until the deadline. Records with an unknown layer/kind
// are counted and dropped with a warning; a record size mismatch is a hard
// schema error.
func (s *RingbufSource) Poll(ctx context.Context, timeout time.Duration, h Handler) (Poll, error) {
	s.rd.SetDeadline(time.Now().Add(timeout))

	var rec ringbuf.Record
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return outcomeFor(delivered, OutcomeInterrupted), nil
		}

		err := s.rd.ReadInto(&rec)
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return outcomeFor(delivered, OutcomeTimedOut), nil
		case errors.Is(err, ringbuf.ErrClosed):
			return outcomeFor(delivered, OutcomeInterrupted), nil
		case err != nil:
			return Poll{}, &ProducerError{Op: "read", Err: err}
		}

		ev, err := event.Decode(rec.RawSample)
		if err != nil {
			var unknown *event.UnknownEventError
			if errors.As(err, &unknown) {
				s.invalid++
				log.Printf("warning: dropping %v", unknown)
				continue
			}
			// Size mismatch: the probe object and this binary disagree.
			return Poll{}, err
		}

		if err := h(ev); err != nil {
			return Poll{}, err
		}
		delivered++
	}
}

func outcomeFor(delivered int, idle Outcome) Poll {
	if delivered > 0 {
		return Poll{Outcome: OutcomeDelivered, Delivered: delivered}
	}
	return Poll{Outcome: idle}
}

// Drops reads the producer's overflow counter, if one was wired.
func (s *RingbufSource) Drops() uint64 {
	if s.drops == nil {
		return 0
	}
	var v uint64
	if err := s.drops.Lookup(uint32(0), &v); err != nil {
		return 0
	}
	return v
}

// Invalid is the count of records dropped for an unknown layer/kind.
func (s *RingbufSource) Invalid() uint64 {
	return s.invalid
}

// Close releases the reader; an in-flight Poll returns Interrupted.
func (s *RingbufSource) Close() error {
	return s.rd.Close()
}
