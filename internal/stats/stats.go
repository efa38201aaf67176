package stats

import "github.com/shuwens/reverb/internal/event"

// LayerStats is the running counter set for one layer.
type LayerStats struct {
	Events       uint64
	Bytes        uint64
	AlignedBytes uint64

	MetadataOps   uint64
	MetadataBytes uint64
	JournalOps    uint64
	CacheHits     uint64
	CacheMisses   uint64
	LatencySum    uint64 // ns

	WorkloadEvents uint64
	WorkloadBytes  uint64
	SidecarOps     uint64
	ErasureWrites  uint64
}

// Engine accumulates per-layer statistics. Single-owner, mutated only from
// the poll loop.
type Engine struct {
	layers [6]LayerStats

	// CountMetadataInDevice controls whether metadata-flagged device bytes
	// participate in the amplification totals.
	CountMetadataInDevice bool

	objectPuts uint64
	objectGets uint64
	observed   uint64
}

// NewEngine returns an Engine with the default knobs.
func NewEngine() *Engine {
	return &Engine{CountMetadataInDevice: true}
}

// Observe folds one classified event into the counters. Every delivered
// event is counted exactly once.
func (e *Engine) Observe(ev *event.LayerEvent) {
	if !ev.Layer.Valid() {
		return
	}
	e.observed++

	s := &e.layers[ev.Layer]
	s.Events++
	if ev.CountsBytes() {
		s.Bytes += ev.Size
		s.AlignedBytes += ev.EffectiveAligned()
		if ev.Metadata {
			s.MetadataBytes += ev.Size
		}
	}

	if ev.Metadata {
		s.MetadataOps++
	}
	if ev.Journal {
		s.JournalOps++
	}
	if ev.CacheHit {
		s.CacheHits++
	}
	if ev.Kind == event.KindPageCacheMiss {
		s.CacheMisses++
	}
	if ev.Sidecar {
		s.SidecarOps++
	}
	if ev.Erasure || ev.Kind == event.KindErasureWrite {
		s.ErasureWrites++
	}
	s.LatencySum += ev.Latency

	if ev.Workload {
		s.WorkloadEvents++
		if ev.CountsBytes() {
			s.WorkloadBytes += ev.Size
		}
	}
	switch ev.Kind {
	case event.KindObjectPut:
		e.objectPuts++
	case event.KindObjectGet:
		e.objectGets++
	}
}

// Layer returns a copy of the counters for one layer.
func (e *Engine) Layer(l event.Layer) LayerStats {
	if !l.Valid() {
		return LayerStats{}
	}
	return e.layers[l]
}

// Observed is the number of events folded into the engine.
func (e *Engine) Observed() uint64 {
	return e.observed
}
