package source

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/shuwens/reverb/internal/event"
)

// replayBatch bounds how many records one replay poll delivers, so the loop
// keeps its cancellation checks even on large capture files.
const replayBatch = 4096

// ReplaySource feeds previously captured probe records through the pipeline.
// The capture format is a plain concatenation of wire records.
type ReplaySource struct {
	r       *bufio.Reader
	c       io.Closer
	invalid uint64
	done    bool
}

// NewReplaySource wraps a capture stream. If r implements io.Closer it is
// closed with the source.
func NewReplaySource(r io.Reader) *ReplaySource {
	s := &ReplaySource{r: bufio.NewReaderSize(r, 1<<16)}
	if c, ok := r.(io.Closer); ok {
		s.c = c
	}
	return s
}

// Poll delivers up to one batch of records. At end of file it reports
// Interrupted, which ends the run normally.
func (s *ReplaySource) Poll(ctx context.Context, timeout time.Duration, h Handler) (Poll, error) {
	if s.done {
		return Poll{Outcome: OutcomeInterrupted}, nil
	}

	buf := make([]byte, event.WireSize)
	delivered := 0
	for delivered < replayBatch {
		if err := ctx.Err(); err != nil {
			s.done = true
			return outcomeFor(delivered, OutcomeInterrupted), nil
		}

		n, err := io.ReadFull(s.r, buf)
		if err == io.EOF {
			s.done = true
			return outcomeFor(delivered, OutcomeInterrupted), nil
		}
		if err == io.ErrUnexpectedEOF {
			// Truncated trailing record: the capture disagrees with the
			// schema.
			s.done = true
			return Poll{}, &event.RecordSizeError{Got: n}
		}
		if err != nil {
			return Poll{}, &ProducerError{Op: "read", Err: err}
		}

		ev, err := event.Decode(buf)
		if err != nil {
			var unknown *event.UnknownEventError
			if errors.As(err, &unknown) {
				s.invalid++
				log.Printf("warning: dropping %v", unknown)
				continue
			}
			return Poll{}, err
		}

		if err := h(ev); err != nil {
			return Poll{}, err
		}
		delivered++
	}
	return Poll{Outcome: OutcomeDelivered, Delivered: delivered}, nil
}

// Drops always reports zero: a capture file has no overflow indicator.
func (s *ReplaySource) Drops() uint64 { return 0 }

// Invalid is the count of records dropped for an unknown layer/kind.
func (s *ReplaySource) Invalid() uint64 { return s.invalid }

func (s *ReplaySource) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
