package tracer

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shuwens/reverb/internal/correlate"
	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/live"
	"github.com/shuwens/reverb/internal/observer"
	"github.com/shuwens/reverb/internal/report"
	"github.com/shuwens/reverb/internal/source"
	"github.com/shuwens/reverb/internal/stats"
)

// Tracer wires source → correlator → statistics → sink. The whole pipeline
// is single-owner: one logical task runs the poll loop and owns every table,
// so no locking is needed.
type Tracer struct {
	cfg      Config
	src      source.Source
	corr     *correlate.Correlator
	eng      *stats.Engine
	sink     *report.Sink
	progress *report.Progress
	hub      *live.Hub // optional
	tracker  *observer.Tracker

	filtered     uint64
	selfFiltered uint64
}

// New assembles a tracer. hub may be nil when no live endpoint is serving.
func New(cfg Config, src source.Source, sink *report.Sink, progress *report.Progress, hub *live.Hub) *Tracer {
	eng := stats.NewEngine()
	eng.CountMetadataInDevice = cfg.CountMetadataInDevice
	return &Tracer{
		cfg:      cfg,
		src:      src,
		corr:     correlate.New(cfg.Correlation),
		eng:      eng,
		sink:     sink,
		progress: progress,
		hub:      hub,
		tracker:  observer.New(),
	}
}

// Run drives the poll loop until the duration passes, the stream ends, a
// signal arrives, or a fatal error occurs. The summary is emitted before
// returning for every outcome except a broken sink.
func (t *Tracer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.cfg.Duration > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, t.cfg.Duration)
		defer tcancel()
	}

	// Signal handling: flip to a graceful drain, like any other stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	seenSig := make(chan string, 1)
	go func() {
		select {
		case sig := <-sigCh:
			seenSig <- sig.String()
			cancel()
		case <-ctx.Done():
		}
	}()

	if t.cfg.Realtime {
		if err := t.sink.Header(); err != nil {
			return err
		}
	}
	t.progress.Log("tracing started (poll timeout %s)", t.cfg.PollTimeout)
	t.tracker.Start()

	var fatal error
	start := time.Now()
loop:
	for {
		if ctx.Err() != nil {
			break
		}

		poll, err := t.src.Poll(ctx, t.cfg.PollTimeout, t.handle)
		if err != nil {
			fatal = err
			break
		}

		switch poll.Outcome {
		case source.OutcomeInterrupted:
			break loop
		case source.OutcomeDelivered:
			t.progress.Heartbeat(t.eng.Observed())
			if t.hub != nil {
				t.hub.UpdateSummary(t.eng.Snapshot(), t.src.Drops())
			}
		}
	}

	t.progress.Log("tracing stopped after %s (%d events)",
		time.Since(start).Round(time.Millisecond), t.eng.Observed())
	t.progress.Log("tracer overhead: %s", t.tracker.Overhead())

	// A broken sink cannot take a summary; everything else gets one.
	var sinkErr *report.SinkError
	if errors.As(fatal, &sinkErr) {
		return fatal
	}
	if err := t.Summarize(); err != nil {
		if fatal == nil {
			fatal = err
		}
	}
	if fatal != nil {
		return fatal
	}
	select {
	case sig := <-seenSig:
		return &InterruptedError{Signal: sig}
	default:
	}
	return nil
}

// handle processes one decoded event synchronously.
func (t *Tracer) handle(ev *event.LayerEvent) error {
	if t.cfg.ExcludeSelf && t.tracker.OwnEvent(ev.PID) {
		t.selfFiltered++
		return nil
	}
	if t.cfg.System != event.SystemUnknown && ev.System != t.cfg.System {
		t.filtered++
		return nil
	}

	stats.Classify(ev)

	if t.cfg.Correlate {
		t.corr.Observe(ev)
	} else {
		t.corr.ObserveBio(ev)
	}

	t.eng.Observe(ev)

	if t.hub != nil {
		t.hub.Publish(ev)
	}

	if t.cfg.Realtime && (!t.cfg.WorkloadOnly || ev.Workload) {
		return t.sink.Record(ev)
	}
	return nil
}

// Summarize drains residual contexts and writes the termination analysis.
func (t *Tracer) Summarize() error {
	t.corr.Drain()
	return t.sink.WriteAnalysis(t.Analysis())
}

// Analysis builds the current analysis without writing it (MCP, tests).
func (t *Tracer) Analysis() *report.Analysis {
	var corrReport *correlate.Report
	if t.cfg.Correlate {
		corrReport = t.corr.Snapshot(t.cfg.TopN)
	}
	src := report.SourceInfo{
		Drops:          t.src.Drops(),
		InvalidRecords: t.src.Invalid(),
	}
	return report.BuildAnalysis(t.eng.Snapshot(), corrReport, src, t.cfg.TopN)
}
