package stats

import "github.com/shuwens/reverb/internal/event"

// Summary is the frozen end-of-run (or sampling-time) statistics view with
// the derived amplification factors.
type Summary struct {
	Layers [6]LayerStats

	AppBytes   uint64
	SvcBytes   uint64
	OSBytes    uint64
	FSBytes    uint64
	DevBytes   uint64
	FinalBytes uint64

	// Factor per layer relative to AppBytes; nil when undefined.
	Factors [6]*float64

	// Total is FinalBytes / AppBytes; nil when AppBytes is zero.
	Total *float64

	ObjectPuts uint64
	ObjectGets uint64
	Observed   uint64
}

// Amplified reports whether the run saw enough to compute factors.
func (s *Summary) Amplified() bool {
	return s.Total != nil
}

// Snapshot freezes the counters and computes the amplification breakdown:
// app bytes are the raw application total, deeper layers contribute their
// aligned totals, and the device layer its raw total. A factor is undefined
// (nil, reported as N/A) whenever app bytes are zero.
func (e *Engine) Snapshot() *Summary {
	sum := &Summary{
		Layers:     e.layers,
		ObjectPuts: e.objectPuts,
		ObjectGets: e.objectGets,
		Observed:   e.observed,
	}

	sum.AppBytes = e.layers[event.LayerApplication].Bytes
	sum.SvcBytes = e.layers[event.LayerStorageService].AlignedBytes
	sum.OSBytes = e.layers[event.LayerOS].AlignedBytes
	sum.FSBytes = e.layers[event.LayerFilesystem].AlignedBytes

	dev := e.layers[event.LayerDevice]
	sum.DevBytes = dev.Bytes
	if !e.CountMetadataInDevice {
		sum.DevBytes -= dev.MetadataBytes
	}

	// First non-zero of device, filesystem, OS is what finally hit storage.
	sum.FinalBytes = sum.DevBytes
	if sum.FinalBytes == 0 {
		sum.FinalBytes = sum.FSBytes
	}
	if sum.FinalBytes == 0 {
		sum.FinalBytes = sum.OSBytes
	}

	if sum.AppBytes == 0 {
		return sum
	}

	perLayer := [6]uint64{
		event.LayerStorageService: sum.SvcBytes,
		event.LayerOS:             sum.OSBytes,
		event.LayerFilesystem:     sum.FSBytes,
		event.LayerDevice:         sum.DevBytes,
	}
	for _, l := range event.Layers {
		if l == event.LayerApplication {
			continue
		}
		f := float64(perLayer[l]) / float64(sum.AppBytes)
		sum.Factors[l] = &f
	}

	t := float64(sum.FinalBytes) / float64(sum.AppBytes)
	sum.Total = &t
	return sum
}
