package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuwens/reverb/internal/correlate"
	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/stats"
)

func TestRecordTextFormat(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatText, false)

	require.NoError(t, s.Record(&event.LayerEvent{
		Timestamp: 1000, Layer: event.LayerOS, Kind: event.KindVfsWrite,
		Size: 100, AlignedSize: 4096, Latency: 120000, Comm: "minio",
		RequestID: 0xAB00000012345678, BranchID: 2, BranchCount: 6,
		Metadata: true, Journal: true, Erasure: true,
	}))

	out := buf.String()
	assert.Contains(t, out, "OS")
	assert.Contains(t, out, "OS_VFS_WRITE")
	assert.Contains(t, out, "minio")
	assert.Contains(t, out, "[META]")
	assert.Contains(t, out, "[JRNL]")
	assert.Contains(t, out, "[ERASURE]")
	assert.Contains(t, out, "[REQ:12345678]")
	assert.Contains(t, out, "[BRANCH 2/6]")
	assert.Contains(t, out, "120.00")
}

func TestRecordFilenameContinuation(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatText, false)

	require.NoError(t, s.Record(&event.LayerEvent{
		Timestamp: 1000, Layer: event.LayerStorageService, Kind: event.KindXlMeta,
		Comm: "minio", Metadata: true, Sidecar: true,
		Filename: "/data/bucket/obj/xl.meta",
	}))
	assert.Contains(t, buf.String(), "└─> File: /data/bucket/obj/xl.meta")

	// Non-metadata events keep the filename off the record unless verbose.
	buf.Reset()
	s = NewWriterSink(&buf, FormatText, false)
	require.NoError(t, s.Record(&event.LayerEvent{
		Timestamp: 1000, Layer: event.LayerOS, Kind: event.KindVfsWrite,
		Comm: "minio", Filename: "/data/bucket/obj/part.1",
	}))
	assert.NotContains(t, buf.String(), "part.1")

	buf.Reset()
	s = NewWriterSink(&buf, FormatText, true)
	require.NoError(t, s.Record(&event.LayerEvent{
		Timestamp: 1000, Layer: event.LayerOS, Kind: event.KindVfsWrite,
		Comm: "minio", Filename: "/data/bucket/obj/part.1",
	}))
	assert.Contains(t, buf.String(), "part.1")
}

func TestRecordJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatJSON, false)

	require.NoError(t, s.Record(&event.LayerEvent{
		Timestamp: 1000, Layer: event.LayerDevice, Kind: event.KindBioSubmit,
		Size: 4096, Comm: "minio", Journal: true,
	}))

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "DEVICE", rec["layer"])
	assert.Equal(t, "DEV_BIO_SUBMIT", rec["event"])
	assert.Equal(t, float64(4096), rec["size"])
	assert.Equal(t, true, rec["is_journal"])
}

func buildScenarioAnalysis(t *testing.T) *Analysis {
	t.Helper()
	e := stats.NewEngine()
	evs := []*event.LayerEvent{
		{Layer: event.LayerApplication, Kind: event.KindAppWrite, Size: 100},
		{Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: 100, AlignedSize: 4096},
		{Layer: event.LayerFilesystem, Kind: event.KindJournalWrite, Size: 4096},
		{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 4096},
	}
	for _, ev := range evs {
		stats.Classify(ev)
		e.Observe(ev)
	}
	return BuildAnalysis(e.Snapshot(), nil, SourceInfo{Drops: 17}, 10)
}

func TestAnalysisText(t *testing.T) {
	a := buildScenarioAnalysis(t)

	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatText, false)
	require.NoError(t, s.WriteAnalysis(a))

	out := buf.String()
	assert.Contains(t, out, "I/O AMPLIFICATION ANALYSIS")
	assert.Contains(t, out, "Per-Layer Statistics:")
	assert.Contains(t, out, "*** TOTAL AMPLIFICATION: 40.96x ***")
	assert.Contains(t, out, "4096 bytes written for 100 bytes requested")
	assert.Contains(t, out, "producer drops: 17")
	assert.Contains(t, out, "late events: 0")

	// Every real layer appears in the table.
	for _, l := range event.Layers {
		assert.Contains(t, out, l.String())
	}
}

func TestAnalysisNoAppBytes(t *testing.T) {
	e := stats.NewEngine()
	ev := &event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 1 << 20}
	stats.Classify(ev)
	e.Observe(ev)

	a := BuildAnalysis(e.Snapshot(), nil, SourceInfo{}, 10)
	require.Nil(t, a.Total)

	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatText, false)
	require.NoError(t, s.WriteAnalysis(a))
	assert.Contains(t, buf.String(), "N/A")
	assert.NotContains(t, buf.String(), "0.00x ***")
}

func TestAnalysisLateAndRequests(t *testing.T) {
	c := correlate.New(correlate.DefaultConfig())
	e := stats.NewEngine()

	feed := func(ev *event.LayerEvent) {
		stats.Classify(ev)
		c.Observe(ev)
		e.Observe(ev)
	}
	base := uint64(1_000_000_000_000)
	feed(&event.LayerEvent{Timestamp: base, TID: 5, Layer: event.LayerApplication, Kind: event.KindAppWrite, Size: 100})
	feed(&event.LayerEvent{Timestamp: base + 1_000_000, TID: 5, Layer: event.LayerApplication, Kind: event.KindAppWrite, Latency: 500})
	feed(&event.LayerEvent{Timestamp: base + 21_000_000, TID: 5, Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: 4096, AlignedSize: 4096})

	c.Drain()
	a := BuildAnalysis(e.Snapshot(), c.Snapshot(10), SourceInfo{}, 10)
	assert.Equal(t, uint64(1), a.Late)
	require.Len(t, a.Requests, 1)
	assert.Equal(t, "WRITE", a.Requests[0].Op)

	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatText, false)
	require.NoError(t, s.WriteAnalysis(a))
	assert.Contains(t, buf.String(), "late events: 1")
	assert.Contains(t, buf.String(), "Per-Request Amplification")
}

func TestAnalysisWorkloadSection(t *testing.T) {
	e := stats.NewEngine()
	evs := []*event.LayerEvent{
		{Layer: event.LayerApplication, Kind: event.KindObjectPut, Size: 1 << 20, Workload: true},
		{Layer: event.LayerStorageService, Kind: event.KindXlMeta, Filename: "/d/o/xl.meta"},
		{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 3 << 19, Workload: true},
	}
	for _, ev := range evs {
		stats.Classify(ev)
		e.Observe(ev)
	}
	a := BuildAnalysis(e.Snapshot(), nil, SourceInfo{}, 10)
	require.NotNil(t, a.Workload)
	assert.Equal(t, uint64(1), a.Workload.Puts)
	assert.Equal(t, uint64(1), a.Workload.SidecarOps)
	require.NotNil(t, a.Workload.ErasureOverhead)
	assert.InDelta(t, 1.5, *a.Workload.ErasureOverhead, 0.001)

	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatText, false)
	require.NoError(t, s.WriteAnalysis(a))
	assert.Contains(t, buf.String(), "Object Storage Workload:")
	assert.Contains(t, buf.String(), "Implied erasure overhead: 1.50x")
}

func TestAnalysisJSON(t *testing.T) {
	a := buildScenarioAnalysis(t)

	var buf bytes.Buffer
	s := NewWriterSink(&buf, FormatJSON, false)
	require.NoError(t, s.WriteAnalysis(a))

	var decoded Analysis
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, uint64(100), decoded.AppBytes)
	assert.Equal(t, uint64(4096), decoded.FinalBytes)
	require.NotNil(t, decoded.Total)
	assert.InDelta(t, 40.96, *decoded.Total, 0.001)
	assert.Equal(t, uint64(17), decoded.Source.Drops)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestHeaderOnlyInText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriterSink(&buf, FormatJSON, false).Header())
	assert.Zero(t, buf.Len())

	require.NoError(t, NewWriterSink(&buf, FormatText, false).Header())
	assert.True(t, strings.Contains(buf.String(), "LAYER"))
}
