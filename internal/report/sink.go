package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/types"
)

// Format selects the real-time record rendering.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps the --format flag value.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown format %q (want text or json)", name)
}

// SinkError wraps an output stream failure. Fatal: nothing downstream can
// recover a broken sink.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("output sink: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Sink streams per-event records and the termination analysis to a single
// output. Writes are line-buffered with an explicit flush after each
// real-time record and after each summary section.
type Sink struct {
	w       *bufio.Writer
	f       *os.File // non-nil when writing to a file we own
	format  Format
	verbose bool

	firstTS uint64
}

// NewSink opens the output destination. "-" or "" selects stdout.
func NewSink(path string, format Format, verbose bool) (*Sink, error) {
	var w io.Writer = os.Stdout
	var f *os.File
	if path != "" && path != "-" {
		var err error
		f, err = os.Create(path)
		if err != nil {
			return nil, &SinkError{Err: err}
		}
		w = f
	}
	return &Sink{w: bufio.NewWriter(w), f: f, format: format, verbose: verbose}, nil
}

// NewWriterSink wraps an arbitrary writer (tests, the MCP tool's discarded
// record stream).
func NewWriterSink(w io.Writer, format Format, verbose bool) *Sink {
	return &Sink{w: bufio.NewWriter(w), format: format, verbose: verbose}
}

// Close flushes and releases the destination.
func (s *Sink) Close() error {
	if err := s.flush(); err != nil {
		return err
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return &SinkError{Err: err}
		}
	}
	return nil
}

func (s *Sink) flush() error {
	if err := s.w.Flush(); err != nil {
		return &SinkError{Err: err}
	}
	return nil
}

// Header prints the real-time column header (text format only).
func (s *Sink) Header() error {
	if s.format != FormatText {
		return nil
	}
	fmt.Fprintf(s.w, "%-16s %-12s %-28s %8s %8s %8s %-15s %s\n",
		"TIME", "LAYER", "EVENT", "SIZE", "ALIGNED", "LAT(μs)", "COMM", "FLAGS")
	fmt.Fprintln(s.w, strings.Repeat("=", 104))
	return s.flush()
}

// reltime renders an event timestamp as seconds since the first record.
func (s *Sink) reltime(ts uint64) string {
	if s.firstTS == 0 {
		s.firstTS = ts
	}
	d := ts - s.firstTS
	return fmt.Sprintf("%9.6f", float64(d)/1e9)
}

// jsonRecord is the JSON shape of one real-time record.
type jsonRecord struct {
	TimestampNS uint64  `json:"timestamp_ns"`
	Layer       string  `json:"layer"`
	Event       string  `json:"event"`
	PID         uint32  `json:"pid"`
	Comm        string  `json:"comm"`
	System      string  `json:"system"`
	Size        uint64  `json:"size"`
	AlignedSize uint64  `json:"aligned_size"`
	LatencyUS   float64 `json:"latency_us"`
	RequestID   string  `json:"request_id"`
	ParentID    string  `json:"parent_request_id,omitempty"`
	BranchID    uint32  `json:"branch_id,omitempty"`
	BranchCount uint32  `json:"branch_count,omitempty"`
	Filename    string  `json:"filename,omitempty"`
	IsMetadata  bool    `json:"is_metadata"`
	IsJournal   bool    `json:"is_journal"`
	IsErasure   bool    `json:"is_erasure"`
	IsSidecar   bool    `json:"is_sidecar"`
	CacheHit    bool    `json:"cache_hit"`
	Workload    bool    `json:"workload"`
}

// Record streams one real-time record and flushes it.
func (s *Sink) Record(ev *event.LayerEvent) error {
	if s.format == FormatJSON {
		rec := jsonRecord{
			TimestampNS: ev.Timestamp,
			Layer:       ev.Layer.String(),
			Event:       ev.Kind.String(),
			PID:         ev.PID,
			Comm:        ev.Comm,
			System:      ev.System.String(),
			Size:        ev.Size,
			AlignedSize: ev.EffectiveAligned(),
			LatencyUS:   float64(ev.Latency) / 1000.0,
			RequestID:   fmt.Sprintf("%016x", ev.RequestID),
			BranchID:    ev.BranchID,
			BranchCount: ev.BranchCount,
			IsMetadata:  ev.Metadata,
			IsJournal:   ev.Journal,
			IsErasure:   ev.Erasure,
			IsSidecar:   ev.Sidecar,
			CacheHit:    ev.CacheHit,
			Workload:    ev.Workload,
		}
		if ev.ParentRequestID != 0 {
			rec.ParentID = fmt.Sprintf("%016x", ev.ParentRequestID)
		}
		if ev.Filename != "" && (ev.Metadata || s.verbose) {
			rec.Filename = ev.Filename
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return &SinkError{Err: err}
		}
		s.w.Write(data)
		s.w.WriteByte('\n')
		return s.flush()
	}

	fmt.Fprintf(s.w, "%s %-12s %-28s %8d %8d %8.2f %-15s",
		s.reltime(ev.Timestamp), ev.Layer, ev.Kind,
		ev.Size, ev.EffectiveAligned(), float64(ev.Latency)/1000.0, ev.Comm)

	if ev.Metadata {
		fmt.Fprint(s.w, " [META]")
	}
	if ev.Journal {
		fmt.Fprint(s.w, " [JRNL]")
	}
	if ev.Erasure {
		fmt.Fprint(s.w, " [ERASURE]")
	}
	if ev.CacheHit {
		fmt.Fprint(s.w, " [CACHE]")
	}
	if ev.Sidecar {
		fmt.Fprint(s.w, " [SIDECAR]")
	}

	if ev.RequestID != 0 {
		fmt.Fprintf(s.w, " [REQ:%08x]", ev.RequestID&0xFFFFFFFF)
		if ev.ParentRequestID != 0 {
			fmt.Fprintf(s.w, " [CHILD of %08x]", ev.ParentRequestID&0xFFFFFFFF)
		}
		if ev.BranchCount > 1 {
			fmt.Fprintf(s.w, " [BRANCH %d/%d]", ev.BranchID, ev.BranchCount)
		}
	}

	if ev.Filename != "" && (ev.Metadata || s.verbose) {
		fmt.Fprintf(s.w, "\n    └─> File: %s", ev.Filename)
	}
	fmt.Fprintln(s.w)
	return s.flush()
}

// WriteAnalysis emits the termination report, one flush per section.
func (s *Sink) WriteAnalysis(a *Analysis) error {
	if s.format == FormatJSON {
		enc := json.NewEncoder(s.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a); err != nil {
			return &SinkError{Err: err}
		}
		return s.flush()
	}

	if err := s.writeLayerTable(a); err != nil {
		return err
	}
	if err := s.writeBreakdown(a); err != nil {
		return err
	}
	if err := s.writeHealth(a); err != nil {
		return err
	}
	if len(a.Requests) > 0 {
		if err := s.writeRequests(a); err != nil {
			return err
		}
	}
	if a.Workload != nil {
		if err := s.writeWorkload(a.Workload); err != nil {
			return err
		}
	}
	return nil
}

func factorString(f *float64) string {
	if f == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2fx", *f)
}

func (s *Sink) writeLayerTable(a *Analysis) error {
	fmt.Fprintln(s.w, "\n========================================")
	fmt.Fprintln(s.w, "    I/O AMPLIFICATION ANALYSIS")
	fmt.Fprintln(s.w, "========================================")
	fmt.Fprintln(s.w)
	fmt.Fprintln(s.w, "Per-Layer Statistics:")
	fmt.Fprintf(s.w, "%-15s %10s %12s %12s %8s %8s %8s %10s\n",
		"LAYER", "EVENTS", "BYTES", "ALIGNED", "META", "JRNL", "CACHE", "AMP_FACTOR")
	fmt.Fprintln(s.w, strings.Repeat("-", 90))
	for _, l := range a.Layers {
		fmt.Fprintf(s.w, "%-15s %10d %12d %12d %8d %8d %8d %10s\n",
			l.Layer, l.Events, l.Bytes, l.AlignedBytes,
			l.MetadataOps, l.JournalOps, l.CacheHits, factorString(l.Factor))
	}
	return s.flush()
}

func (s *Sink) writeBreakdown(a *Analysis) error {
	fmt.Fprintln(s.w, "\nAmplification Breakdown:")
	fmt.Fprintln(s.w, strings.Repeat("-", 70))

	if a.AppBytes == 0 {
		fmt.Fprintln(s.w, "No application-layer I/O observed; amplification N/A.")
		return s.flush()
	}

	app := types.Bytes(a.AppBytes)
	fmt.Fprintf(s.w, "Original application I/O:     %12d bytes (%s)\n",
		a.AppBytes, app.Humanized())
	if a.SvcBytes > 0 {
		fmt.Fprintf(s.w, "After storage service layer:  %s\n", types.Bytes(a.SvcBytes).Versus(app))
	}
	if a.OSBytes > 0 {
		fmt.Fprintf(s.w, "After OS/page cache alignment:%s\n", types.Bytes(a.OSBytes).Versus(app))
	}
	if a.FSBytes > 0 {
		fmt.Fprintf(s.w, "After filesystem layer:       %s\n", types.Bytes(a.FSBytes).Versus(app))
	}
	if a.DevBytes > 0 {
		fmt.Fprintf(s.w, "Final device layer I/O:       %s\n", types.Bytes(a.DevBytes).Versus(app))
	}

	if a.Total != nil {
		fmt.Fprintf(s.w, "\n*** TOTAL AMPLIFICATION: %.2fx ***\n", *a.Total)
		fmt.Fprintf(s.w, "    %d bytes written for %d bytes requested\n", a.FinalBytes, a.AppBytes)
	} else {
		fmt.Fprintln(s.w, "\n*** TOTAL AMPLIFICATION: N/A ***")
	}
	return s.flush()
}

func (s *Sink) writeHealth(a *Analysis) error {
	fmt.Fprintln(s.w, "\nPipeline Health:")
	fmt.Fprintf(s.w, "  producer drops: %d\n", a.Source.Drops)
	fmt.Fprintf(s.w, "  invalid records: %d\n", a.Source.InvalidRecords)
	fmt.Fprintf(s.w, "  unattributed events: %d\n", a.Unattributed)
	fmt.Fprintf(s.w, "  late events: %d\n", a.Late)
	fmt.Fprintf(s.w, "  evicted requests: %d (contexts %d)\n", a.EvictedReqs, a.EvictedCtxs)
	return s.flush()
}

func (s *Sink) writeRequests(a *Analysis) error {
	fmt.Fprintf(s.w, "\nPer-Request Amplification (Top %d of %d):\n", len(a.Requests), a.Tracked)
	fmt.Fprintf(s.w, "%-16s %-6s %10s %10s %10s %10s %10s %8s\n",
		"REQUEST_ID", "OP", "APP", "OS", "FS", "DEVICE", "TOTAL", "AMP")
	fmt.Fprintln(s.w, strings.Repeat("-", 90))

	for _, r := range a.Requests {
		amp := "N/A"
		if r.Amp != nil {
			amp = fmt.Sprintf("%.2fx", *r.Amp)
		}
		fmt.Fprintf(s.w, "%-16s %-6s %10d %10d %10d %10d %10d %8s\n",
			r.RequestID, r.Op, r.AppBytes, r.OSBytes, r.FSBytes, r.DevBytes, r.Total, amp)

		if r.Object != "" {
			fmt.Fprintf(s.w, "  └─> Object: %s\n", r.Object)
		}
		if r.Branches > 1 {
			fmt.Fprintf(s.w, "  └─> Branches: %d total, %d completed | VFS: %d reads, %d writes | BIO: %d submits\n",
				r.Branches, r.Completed, r.VfsReads, r.VfsWrites, r.BioSubmits)
		}
		if r.MetadataOps > 0 || r.JournalOps > 0 {
			fmt.Fprintf(s.w, "  └─> Metadata: %d ops | Journal: %d ops\n", r.MetadataOps, r.JournalOps)
		}
		if r.Parent != "" {
			fmt.Fprintf(s.w, "  └─> Parent request: %s\n", r.Parent)
		}
		if r.ErasureBranches > 0 {
			fmt.Fprintf(s.w, "  └─> Erasure coding: %d branches\n", r.ErasureBranches)
		}
	}
	return s.flush()
}

func (s *Sink) writeWorkload(w *WorkloadInfo) error {
	fmt.Fprintln(s.w, "\nObject Storage Workload:")
	fmt.Fprintf(s.w, "  Total PUT operations:  %d\n", w.Puts)
	fmt.Fprintf(s.w, "  Total GET operations:  %d\n", w.Gets)
	fmt.Fprintf(s.w, "  Branched requests:     %d\n", w.Branched)
	fmt.Fprintf(s.w, "  Sidecar operations:    %d\n", w.SidecarOps)
	fmt.Fprintf(s.w, "  Erasure shards:        %d\n", w.ErasureShards)
	if w.ErasureOverhead != nil {
		fmt.Fprintf(s.w, "  Implied erasure overhead: %.2fx (%s for %s)\n",
			*w.ErasureOverhead,
			types.Bytes(w.DeviceBytes).Humanized(), types.Bytes(w.AppBytes).Humanized())
	}
	return s.flush()
}
