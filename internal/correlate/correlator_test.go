package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuwens/reverb/internal/event"
)

const baseTS = uint64(1_000_000_000_000) // arbitrary monotonic origin

func ms(n uint64) uint64 { return n * 1_000_000 }

func appWrite(tid uint32, ts, size uint64) *event.LayerEvent {
	return &event.LayerEvent{
		Timestamp: ts, TID: tid,
		Layer: event.LayerApplication, Kind: event.KindAppWrite, Size: size,
	}
}

func appExit(tid uint32, ts uint64) *event.LayerEvent {
	return &event.LayerEvent{
		Timestamp: ts, TID: tid,
		Layer: event.LayerApplication, Kind: event.KindAppWrite, Latency: 1000,
	}
}

func vfsWrite(tid uint32, ts, size, aligned uint64) *event.LayerEvent {
	return &event.LayerEvent{
		Timestamp: ts, TID: tid,
		Layer: event.LayerOS, Kind: event.KindVfsWrite, Size: size, AlignedSize: aligned,
	}
}

func TestRequestIDScheme(t *testing.T) {
	c := New(DefaultConfig())
	ev := appWrite(7, baseTS, 100)
	c.Observe(ev)

	want := uint64(7)<<32 | (baseTS & 0xFFFFFFFF)
	assert.Equal(t, want, ev.RequestID)
	assert.Zero(t, ev.ParentRequestID)
	assert.Equal(t, uint64(1), c.Counters().RequestsSeen)
}

func TestDeeperLayersInheritIdentity(t *testing.T) {
	c := New(DefaultConfig())
	app := appWrite(7, baseTS, 100)
	c.Observe(app)

	os := vfsWrite(7, baseTS+ms(1), 100, 4096)
	c.Observe(os)
	assert.Equal(t, app.RequestID, os.RequestID)

	dev := &event.LayerEvent{
		Timestamp: baseTS + ms(2), TID: 7,
		Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 4096,
	}
	c.Observe(dev)
	assert.Equal(t, app.RequestID, dev.RequestID)

	r := c.rollups[app.RequestID]
	require.NotNil(t, r)
	assert.Equal(t, uint64(100), r.AppBytes())
	assert.Equal(t, uint64(4096), r.PerLayerAligned[event.LayerOS])
	assert.Equal(t, uint64(4096), r.PerLayerBytes[event.LayerDevice])
	assert.Equal(t, uint32(1), r.VfsWrites)
	assert.Equal(t, uint32(1), r.BioSubmits)
}

func TestUnattributedDeeperEvent(t *testing.T) {
	c := New(DefaultConfig())
	ev := vfsWrite(99, baseTS, 4096, 4096)
	ev.RequestID = 555 // producer noise must not leak through
	c.Observe(ev)

	assert.Zero(t, ev.RequestID)
	assert.Equal(t, uint64(1), c.Counters().Unattributed)
	assert.Zero(t, c.Tracked())
}

func TestApplicationBranchingWithinWindow(t *testing.T) {
	c := New(DefaultConfig())
	first := appWrite(7, baseTS, 100)
	c.Observe(first)

	second := appWrite(7, baseTS+ms(10), 100)
	c.Observe(second)

	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, uint32(0), second.BranchID)
	assert.Equal(t, uint32(1), second.BranchCount)
	assert.Equal(t, uint64(1), c.Counters().RequestsSeen)

	require.Len(t, c.Branches(), 1)
	assert.Equal(t, first.RequestID, c.Branches()[0].ParentRequestID)
}

func TestNewRequestOutsideWindow(t *testing.T) {
	c := New(DefaultConfig())
	first := appWrite(7, baseTS, 100)
	c.Observe(first)

	second := appWrite(7, baseTS+ms(60), 100) // window is 50ms
	c.Observe(second)

	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, uint64(2), c.Counters().RequestsSeen)
	assert.Equal(t, 2, c.Tracked())
}

func TestObjectFanoutBranches(t *testing.T) {
	c := New(DefaultConfig())
	put := &event.LayerEvent{
		Timestamp: baseTS, TID: 9,
		Layer: event.LayerApplication, Kind: event.KindObjectPut, Size: 1 << 20,
	}
	c.Observe(put)

	for i := uint64(0); i < 6; i++ {
		w := vfsWrite(9, baseTS+ms(1+i), 262144, 262144)
		c.Observe(w)
		assert.Equal(t, put.RequestID, w.RequestID)
		assert.Equal(t, uint32(i), w.BranchID)
		assert.True(t, w.Erasure, "fan-out shard writes are erasure branches")
		assert.True(t, w.Workload)
	}

	r := c.rollups[put.RequestID]
	require.NotNil(t, r)
	assert.Equal(t, uint32(6), r.BranchCount)
	assert.Equal(t, uint32(6), r.ErasureBranches)
	assert.Equal(t, uint32(6), r.VfsWrites)
	// branch_count = max branch_id + 1
	assert.Equal(t, uint32(5), c.Branches()[5].BranchID)
}

func TestBranchCountMonotonic(t *testing.T) {
	c := New(DefaultConfig())
	put := &event.LayerEvent{
		Timestamp: baseTS, TID: 9,
		Layer: event.LayerApplication, Kind: event.KindObjectPut, Size: 1 << 20,
	}
	c.Observe(put)

	prev := uint32(0)
	for i := uint64(0); i < 4; i++ {
		w := vfsWrite(9, baseTS+ms(1+i), 4096, 4096)
		c.Observe(w)
		assert.GreaterOrEqual(t, w.BranchCount, prev)
		prev = w.BranchCount
	}
}

func TestNonObjectWritesDoNotBranch(t *testing.T) {
	c := New(DefaultConfig())
	c.Observe(appWrite(7, baseTS, 100))
	w := vfsWrite(7, baseTS+ms(1), 100, 4096)
	c.Observe(w)

	assert.False(t, w.Erasure)
	assert.Zero(t, w.BranchCount)
	assert.Empty(t, c.Branches())
}

func TestRetirementAndStraggler(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg)

	c.Observe(appWrite(5, baseTS, 100))
	c.Observe(appExit(5, baseTS+ms(1)))

	// Within the 10ms grace window stragglers still attach.
	early := vfsWrite(5, baseTS+ms(6), 4096, 4096)
	c.Observe(early)
	assert.NotZero(t, early.RequestID)
	assert.Zero(t, c.Counters().Late)

	// Past the grace window they are late: counted, not attributed.
	lateEv := vfsWrite(5, baseTS+ms(25), 4096, 4096)
	c.Observe(lateEv)
	assert.Zero(t, lateEv.RequestID)
	assert.Equal(t, uint64(1), c.Counters().Late)
	assert.Zero(t, c.Live())

	// The rollup keeps only the attributed bytes.
	r := c.rollups[uint64(5)<<32|(baseTS&0xFFFFFFFF)]
	require.NotNil(t, r)
	assert.Equal(t, uint64(4096), r.PerLayerAligned[event.LayerOS])
}

func TestIdleSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	c := New(cfg)

	c.Observe(appWrite(5, baseTS, 100))
	assert.Equal(t, 1, c.Live())

	// An unrelated event far in the future triggers the sweep.
	c.Observe(appWrite(6, baseTS+ms(500), 100))
	assert.Equal(t, 1, c.Live())
	_, alive := c.contexts[5]
	assert.False(t, alive)
}

func TestRollupLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 2
	c := New(cfg)

	c.Observe(appWrite(1, baseTS, 1))
	c.Observe(appWrite(2, baseTS+ms(60), 2))
	c.Observe(appWrite(3, baseTS+ms(120), 3))

	assert.Equal(t, 2, c.Tracked())
	assert.Equal(t, uint64(1), c.Counters().EvictedRequests)
	_, ok := c.rollups[uint64(1)<<32|(baseTS&0xFFFFFFFF)]
	assert.False(t, ok, "oldest rollup evicted first")
}

func TestContextLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContexts = 2
	c := New(cfg)

	c.Observe(appWrite(1, baseTS, 1))
	c.Observe(appWrite(2, baseTS+ms(1), 2))
	c.Observe(appWrite(3, baseTS+ms(2), 3))

	assert.Equal(t, 2, c.Live())
	assert.Equal(t, uint64(1), c.Counters().EvictedContexts)
}

func TestBranchJournalBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBranches = 3
	c := New(cfg)

	put := &event.LayerEvent{
		Timestamp: baseTS, TID: 9,
		Layer: event.LayerApplication, Kind: event.KindObjectPut, Size: 1,
	}
	c.Observe(put)
	for i := uint64(0); i < 5; i++ {
		c.Observe(vfsWrite(9, baseTS+ms(1+i), 1, 1))
	}

	assert.Len(t, c.Branches(), 3)
	assert.Equal(t, uint64(2), c.Counters().DroppedBranches)
	// Oldest entries dropped: ids 2..4 remain.
	assert.Equal(t, uint32(2), c.Branches()[0].BranchID)
}

func TestBioLatencyPairing(t *testing.T) {
	c := New(DefaultConfig())

	submit := &event.LayerEvent{
		Timestamp: baseTS, TID: 1,
		Layer: event.LayerDevice, Kind: event.KindBioSubmit,
		Size: 4096, DevMajor: 8, DevMinor: 0, Offset: 1 << 20,
	}
	c.Observe(submit)

	complete := &event.LayerEvent{
		Timestamp: baseTS + 120_000, TID: 1,
		Layer: event.LayerDevice, Kind: event.KindBioComplete,
		Size: 4096, DevMajor: 8, DevMinor: 0, Offset: 1 << 20,
	}
	c.Observe(complete)

	assert.Equal(t, uint64(120_000), complete.Latency)
	assert.True(t, complete.MatchedSubmit)

	// A second completion for the same bio has no timer left.
	again := &event.LayerEvent{
		Timestamp: baseTS + 200_000, TID: 1,
		Layer: event.LayerDevice, Kind: event.KindBioComplete,
		Size: 4096, DevMajor: 8, DevMinor: 0, Offset: 1 << 20,
	}
	c.Observe(again)
	assert.Zero(t, again.Latency)
	assert.False(t, again.MatchedSubmit)
}

func TestDrainRetiresEverything(t *testing.T) {
	c := New(DefaultConfig())
	c.Observe(appWrite(1, baseTS, 1))
	c.Observe(appWrite(2, baseTS+ms(1), 2))

	c.Drain()
	assert.Zero(t, c.Live())
	assert.Equal(t, 2, c.Tracked(), "rollups survive until the report")
}

func TestSnapshotOrdering(t *testing.T) {
	c := New(DefaultConfig())

	// Request A: cached read, no device bytes, amp 0.
	c.Observe(&event.LayerEvent{
		Timestamp: baseTS, TID: 1,
		Layer: event.LayerApplication, Kind: event.KindAppRead, Size: 4096,
	})
	c.Observe(&event.LayerEvent{
		Timestamp: baseTS + ms(1), TID: 1,
		Layer: event.LayerOS, Kind: event.KindPageCacheHit, CacheHit: true,
	})

	// Request B: full write path, amp 1.
	c.Observe(appWrite(2, baseTS+ms(2), 4096))
	c.Observe(vfsWrite(2, baseTS+ms(3), 4096, 4096))
	c.Observe(&event.LayerEvent{
		Timestamp: baseTS + ms(4), TID: 2,
		Layer: event.LayerDevice, Kind: event.KindBioSubmit, Size: 4096,
	})

	rep := c.Snapshot(10)
	require.Len(t, rep.Rollups, 2)
	amp, ok := rep.Rollups[0].Amplification()
	require.True(t, ok)
	assert.InDelta(t, 1.0, amp, 0.001)
	assert.Equal(t, event.KindAppRead, rep.Rollups[1].OpKind)
	assert.Equal(t, 2, rep.TotalTracked)
}
