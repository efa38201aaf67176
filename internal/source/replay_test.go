package source

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuwens/reverb/internal/event"
)

func captureOf(evs ...*event.LayerEvent) *bytes.Buffer {
	var buf bytes.Buffer
	for _, ev := range evs {
		buf.Write(event.Encode(ev))
	}
	return &buf
}

func collect(t *testing.T, src Source) []*event.LayerEvent {
	t.Helper()
	var out []*event.LayerEvent
	for {
		poll, err := src.Poll(context.Background(), 10*time.Millisecond, func(ev *event.LayerEvent) error {
			out = append(out, ev)
			return nil
		})
		require.NoError(t, err)
		if poll.Outcome == OutcomeInterrupted {
			return out
		}
	}
}

func TestReplayDeliversAll(t *testing.T) {
	buf := captureOf(
		&event.LayerEvent{Timestamp: 1, Layer: event.LayerApplication, Kind: event.KindAppWrite, Size: 100},
		&event.LayerEvent{Timestamp: 2, Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: 100, AlignedSize: 4096},
		&event.LayerEvent{Timestamp: 3, Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 4096},
	)

	src := NewReplaySource(buf)
	evs := collect(t, src)
	require.Len(t, evs, 3)
	assert.Equal(t, event.KindAppWrite, evs[0].Kind)
	assert.Equal(t, event.KindBioSubmit, evs[2].Kind)
	assert.Zero(t, src.Drops())
}

func TestReplayEndOfStream(t *testing.T) {
	src := NewReplaySource(bytes.NewBuffer(nil))
	poll, err := src.Poll(context.Background(), time.Millisecond, func(*event.LayerEvent) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, poll.Outcome)

	// Subsequent polls stay interrupted.
	poll, err = src.Poll(context.Background(), time.Millisecond, func(*event.LayerEvent) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, poll.Outcome)
}

func TestReplayTruncatedRecord(t *testing.T) {
	buf := captureOf(&event.LayerEvent{Timestamp: 1, Layer: event.LayerApplication, Kind: event.KindAppWrite})
	buf.Write(make([]byte, event.WireSize/2))

	src := NewReplaySource(buf)
	delivered := 0
	var pollErr error
	for {
		poll, err := src.Poll(context.Background(), time.Millisecond, func(*event.LayerEvent) error {
			delivered++
			return nil
		})
		if err != nil {
			pollErr = err
			break
		}
		if poll.Outcome == OutcomeInterrupted {
			break
		}
	}

	var sizeErr *event.RecordSizeError
	require.ErrorAs(t, pollErr, &sizeErr)
	assert.Equal(t, 1, delivered)
}

func TestReplayDropsUnknownEvents(t *testing.T) {
	good := &event.LayerEvent{Timestamp: 1, Layer: event.LayerApplication, Kind: event.KindAppWrite}
	bad := event.Encode(good)
	bad[20] = 0xFF // unknown kind
	bad[21] = 0xFF

	var buf bytes.Buffer
	buf.Write(event.Encode(good))
	buf.Write(bad)
	buf.Write(event.Encode(good))

	src := NewReplaySource(&buf)
	evs := collect(t, src)
	assert.Len(t, evs, 2)
	assert.Equal(t, uint64(1), src.Invalid())
}

func TestReplayHandlerErrorAborts(t *testing.T) {
	buf := captureOf(
		&event.LayerEvent{Timestamp: 1, Layer: event.LayerApplication, Kind: event.KindAppWrite},
	)
	src := NewReplaySource(buf)

	want := assert.AnError
	_, err := src.Poll(context.Background(), time.Millisecond, func(*event.LayerEvent) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, Poll{Outcome: OutcomeDelivered, Delivered: 4}, outcomeFor(4, OutcomeTimedOut))
	assert.Equal(t, Poll{Outcome: OutcomeTimedOut}, outcomeFor(0, OutcomeTimedOut))
	assert.Equal(t, Poll{Outcome: OutcomeInterrupted}, outcomeFor(0, OutcomeInterrupted))
}
