package correlate

import (
	"sort"

	"github.com/shuwens/reverb/internal/event"
)

// Report is the end-of-run view of the correlation state, consumed by the
// summary renderer.
type Report struct {
	Rollups      []*Rollup // top-N by descending amplification
	TotalTracked int
	Counters     Counters

	// Aggregates over every retained rollup.
	TotalAppBytes    uint64
	TotalOSBytes     uint64
	TotalDeviceBytes uint64
	Gets             uint64
	Puts             uint64
	Branched         uint64
}

// Snapshot builds the report, keeping the top n rollups sorted by
// amplification (device bytes as tiebreak, then start time).
func (c *Correlator) Snapshot(n int) *Report {
	rep := &Report{
		TotalTracked: len(c.rollups),
		Counters:     c.counters,
	}

	all := make([]*Rollup, 0, len(c.rollups))
	for _, r := range c.rollups {
		all = append(all, r)

		rep.TotalAppBytes += r.AppBytes()
		rep.TotalOSBytes += r.PerLayerAligned[event.LayerOS]
		rep.TotalDeviceBytes += r.PerLayerBytes[event.LayerDevice]
		switch r.OpKind {
		case event.KindObjectGet:
			rep.Gets++
		case event.KindObjectPut:
			rep.Puts++
		}
		if r.BranchCount > 1 {
			rep.Branched++
		}
	}

	sort.Slice(all, func(i, j int) bool {
		ai, iok := all[i].Amplification()
		aj, jok := all[j].Amplification()
		if iok != jok {
			return iok
		}
		if iok && ai != aj {
			return ai > aj
		}
		di, dj := all[i].PerLayerBytes[event.LayerDevice], all[j].PerLayerBytes[event.LayerDevice]
		if di != dj {
			return di > dj
		}
		return all[i].StartTS < all[j].StartTS
	})

	if n > 0 && len(all) > n {
		all = all[:n]
	}
	rep.Rollups = all
	return rep
}
