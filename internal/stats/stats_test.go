package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuwens/reverb/internal/event"
)

func observe(e *Engine, evs ...*event.LayerEvent) {
	for _, ev := range evs {
		Classify(ev)
		e.Observe(ev)
	}
}

func TestEngineCountsEveryEventOnce(t *testing.T) {
	e := NewEngine()
	observe(e,
		&event.LayerEvent{Layer: event.LayerApplication, Kind: event.KindAppWrite, Size: 100},
		&event.LayerEvent{Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: 100, AlignedSize: 4096},
		&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 4096},
	)

	var total uint64
	for _, l := range event.Layers {
		total += e.Layer(l).Events
	}
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, uint64(3), e.Observed())
}

func TestEngineAccumulators(t *testing.T) {
	e := NewEngine()
	observe(e,
		&event.LayerEvent{Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: 100, AlignedSize: 4096},
		&event.LayerEvent{Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: 50},
		&event.LayerEvent{Layer: event.LayerOS, Kind: event.KindPageCacheHit},
		&event.LayerEvent{Layer: event.LayerOS, Kind: event.KindPageCacheMiss},
	)

	s := e.Layer(event.LayerOS)
	assert.Equal(t, uint64(4), s.Events)
	assert.Equal(t, uint64(150), s.Bytes)
	// Aligned falls back to the raw size when the producer supplied none.
	assert.Equal(t, uint64(4146), s.AlignedBytes)
	assert.Equal(t, uint64(1), s.CacheHits)
	assert.Equal(t, uint64(1), s.CacheMisses)
}

func TestMatchedCompletionDoesNotDoubleCount(t *testing.T) {
	e := NewEngine()
	observe(e,
		&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 4096},
		&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioComplete, Size: 4096, MatchedSubmit: true, Latency: 120000},
	)

	s := e.Layer(event.LayerDevice)
	assert.Equal(t, uint64(2), s.Events)
	assert.Equal(t, uint64(4096), s.Bytes)
	assert.Equal(t, uint64(120000), s.LatencySum)
}

func TestSnapshotAmplification(t *testing.T) {
	e := NewEngine()
	observe(e,
		&event.LayerEvent{Layer: event.LayerApplication, Kind: event.KindAppWrite, Size: 100},
		&event.LayerEvent{Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: 100, AlignedSize: 4096},
		&event.LayerEvent{Layer: event.LayerFilesystem, Kind: event.KindJournalWrite, Size: 4096},
		&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 4096},
	)

	sum := e.Snapshot()
	assert.Equal(t, uint64(100), sum.AppBytes)
	assert.Equal(t, uint64(4096), sum.OSBytes)
	assert.Equal(t, uint64(4096), sum.FSBytes)
	assert.Equal(t, uint64(4096), sum.DevBytes)
	assert.Equal(t, uint64(4096), sum.FinalBytes)

	require.NotNil(t, sum.Total)
	assert.InDelta(t, 40.96, *sum.Total, 0.001)

	require.NotNil(t, sum.Factors[event.LayerOS])
	assert.InDelta(t, 40.96, *sum.Factors[event.LayerOS], 0.001)
}

func TestSnapshotNoAppBytes(t *testing.T) {
	e := NewEngine()
	observe(e,
		&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 1 << 20},
	)

	sum := e.Snapshot()
	assert.Equal(t, uint64(0), sum.AppBytes)
	assert.Nil(t, sum.Total, "amplification must be N/A, not zero")
	for _, l := range event.Layers {
		assert.Nil(t, sum.Factors[l])
	}
}

func TestSnapshotFinalBytesFallback(t *testing.T) {
	// Reads served from cache never reach the device; the OS aligned total
	// is what finally happened, and the factor may be below 1.
	e := NewEngine()
	observe(e,
		&event.LayerEvent{Layer: event.LayerApplication, Kind: event.KindAppRead, Size: 8192},
		&event.LayerEvent{Layer: event.LayerOS, Kind: event.KindVfsRead, Size: 4096, AlignedSize: 4096},
	)

	sum := e.Snapshot()
	assert.Equal(t, uint64(4096), sum.FinalBytes)
	require.NotNil(t, sum.Total)
	assert.InDelta(t, 0.5, *sum.Total, 0.001)
}

func TestMetadataInDeviceKnob(t *testing.T) {
	build := func(count bool) *Summary {
		e := NewEngine()
		e.CountMetadataInDevice = count
		observe(e,
			&event.LayerEvent{Layer: event.LayerApplication, Kind: event.KindAppWrite, Size: 4096},
			&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 1 << 20},
			&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 1 << 20, Metadata: true},
		)
		return e.Snapshot()
	}

	with := build(true)
	without := build(false)
	assert.Equal(t, uint64(2<<20), with.DevBytes)
	assert.Equal(t, uint64(1<<20), without.DevBytes)
}

func TestWorkloadTally(t *testing.T) {
	e := NewEngine()
	observe(e,
		&event.LayerEvent{Layer: event.LayerApplication, Kind: event.KindObjectPut, Size: 1 << 20},
		&event.LayerEvent{Layer: event.LayerApplication, Kind: event.KindObjectGet, Size: 1 << 10},
		&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 1 << 20, Workload: true},
		&event.LayerEvent{Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 512},
	)

	sum := e.Snapshot()
	assert.Equal(t, uint64(1), sum.ObjectPuts)
	assert.Equal(t, uint64(1), sum.ObjectGets)
	assert.Equal(t, uint64(1<<20), sum.Layers[event.LayerDevice].WorkloadBytes)
	assert.Equal(t, uint64(1), sum.Layers[event.LayerDevice].WorkloadEvents)
}
