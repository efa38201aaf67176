// Package report renders real-time trace records and the end-of-run
// amplification analysis.
package report

import (
	"fmt"

	"github.com/shuwens/reverb/internal/correlate"
	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/stats"
)

// SourceInfo carries the producer-side counters into the analysis.
type SourceInfo struct {
	Drops          uint64 `json:"drops"`
	InvalidRecords uint64 `json:"invalid_records"`
}

// LayerLine is one row of the per-layer statistics table.
type LayerLine struct {
	Layer        string   `json:"layer"`
	Events       uint64   `json:"events"`
	Bytes        uint64   `json:"bytes"`
	AlignedBytes uint64   `json:"aligned_bytes"`
	MetadataOps  uint64   `json:"metadata_ops"`
	JournalOps   uint64   `json:"journal_ops"`
	CacheHits    uint64   `json:"cache_hits"`
	CacheMisses  uint64   `json:"cache_misses"`
	Factor       *float64 `json:"amplification,omitempty"`
}

// RequestLine is one row of the per-request listing.
type RequestLine struct {
	RequestID string   `json:"request_id"`
	Parent    string   `json:"parent_request_id,omitempty"`
	Op        string   `json:"op"`
	Object    string   `json:"object,omitempty"`
	AppBytes  uint64   `json:"app_bytes"`
	SvcBytes  uint64   `json:"storage_bytes"`
	OSBytes   uint64   `json:"os_bytes"`
	FSBytes   uint64   `json:"fs_bytes"`
	DevBytes  uint64   `json:"device_bytes"`
	Total     uint64   `json:"total_bytes"`
	Amp       *float64 `json:"amplification,omitempty"`

	Branches        uint32 `json:"branches,omitempty"`
	Completed       uint32 `json:"completed_branches,omitempty"`
	VfsReads        uint32 `json:"vfs_reads,omitempty"`
	VfsWrites       uint32 `json:"vfs_writes,omitempty"`
	BioSubmits      uint32 `json:"bio_submits,omitempty"`
	MetadataOps     uint32 `json:"metadata_ops,omitempty"`
	JournalOps      uint32 `json:"journal_ops,omitempty"`
	ErasureBranches uint32 `json:"erasure_branches,omitempty"`
	Replication     uint32 `json:"replication_factor,omitempty"`
}

// WorkloadInfo is the object-storage subsection.
type WorkloadInfo struct {
	Puts            uint64   `json:"puts"`
	Gets            uint64   `json:"gets"`
	Branched        uint64   `json:"branched_requests"`
	SidecarOps      uint64   `json:"sidecar_ops"`
	ErasureShards   uint64   `json:"erasure_shards"`
	AppBytes        uint64   `json:"app_bytes"`
	DeviceBytes     uint64   `json:"device_bytes"`
	ErasureOverhead *float64 `json:"erasure_overhead,omitempty"`
}

// Analysis is the complete termination report, consumable both as rendered
// text and as JSON (MCP, --format json).
type Analysis struct {
	Layers     []LayerLine `json:"layers"`
	AppBytes   uint64      `json:"app_bytes"`
	SvcBytes   uint64      `json:"storage_bytes"`
	OSBytes    uint64      `json:"os_bytes"`
	FSBytes    uint64      `json:"fs_bytes"`
	DevBytes   uint64      `json:"device_bytes"`
	FinalBytes uint64      `json:"final_bytes"`
	Total      *float64    `json:"total_amplification,omitempty"`

	Requests     []RequestLine `json:"requests,omitempty"`
	RequestsSeen uint64        `json:"requests_seen"`
	Tracked      int           `json:"requests_tracked"`

	Workload *WorkloadInfo `json:"workload,omitempty"`

	Source       SourceInfo `json:"source"`
	Unattributed uint64     `json:"unattributed_events"`
	Late         uint64     `json:"late_events"`
	EvictedReqs  uint64     `json:"evicted_requests"`
	EvictedCtxs  uint64     `json:"evicted_contexts"`
	DroppedBr    uint64     `json:"dropped_branches"`
}

// BuildAnalysis assembles the termination report. corr may be nil when
// request correlation was disabled.
func BuildAnalysis(sum *stats.Summary, corr *correlate.Report, src SourceInfo, topN int) *Analysis {
	a := &Analysis{
		AppBytes:   sum.AppBytes,
		SvcBytes:   sum.SvcBytes,
		OSBytes:    sum.OSBytes,
		FSBytes:    sum.FSBytes,
		DevBytes:   sum.DevBytes,
		FinalBytes: sum.FinalBytes,
		Total:      sum.Total,
		Source:     src,
	}

	for _, l := range event.Layers {
		s := sum.Layers[l]
		a.Layers = append(a.Layers, LayerLine{
			Layer:        l.String(),
			Events:       s.Events,
			Bytes:        s.Bytes,
			AlignedBytes: s.AlignedBytes,
			MetadataOps:  s.MetadataOps,
			JournalOps:   s.JournalOps,
			CacheHits:    s.CacheHits,
			CacheMisses:  s.CacheMisses,
			Factor:       sum.Factors[l],
		})
	}

	if corr != nil {
		a.RequestsSeen = corr.Counters.RequestsSeen
		a.Tracked = corr.TotalTracked
		a.Unattributed = corr.Counters.Unattributed
		a.Late = corr.Counters.Late
		a.EvictedReqs = corr.Counters.EvictedRequests
		a.EvictedCtxs = corr.Counters.EvictedContexts
		a.DroppedBr = corr.Counters.DroppedBranches

		n := topN
		if n <= 0 || n > len(corr.Rollups) {
			n = len(corr.Rollups)
		}
		for _, r := range corr.Rollups[:n] {
			a.Requests = append(a.Requests, requestLine(r))
		}
	}

	a.Workload = workloadInfo(sum, corr)
	return a
}

func requestLine(r *correlate.Rollup) RequestLine {
	line := RequestLine{
		RequestID:       fmt.Sprintf("%016x", r.RequestID),
		Op:              opName(r.OpKind),
		Object:          r.ObjectName,
		AppBytes:        r.PerLayerBytes[event.LayerApplication],
		SvcBytes:        r.PerLayerBytes[event.LayerStorageService],
		OSBytes:         r.PerLayerAligned[event.LayerOS],
		FSBytes:         r.PerLayerAligned[event.LayerFilesystem],
		DevBytes:        r.PerLayerBytes[event.LayerDevice],
		Total:           r.FinalBytes(),
		Branches:        r.BranchCount,
		Completed:       r.CompletedBranches,
		VfsReads:        r.VfsReads,
		VfsWrites:       r.VfsWrites,
		BioSubmits:      r.BioSubmits,
		MetadataOps:     r.MetadataOps,
		JournalOps:      r.JournalOps,
		ErasureBranches: r.ErasureBranches,
		Replication:     r.ReplicationFactor,
	}
	if r.ParentRequestID != 0 {
		line.Parent = fmt.Sprintf("%016x", r.ParentRequestID)
	}
	if amp, ok := r.Amplification(); ok {
		line.Amp = &amp
	}
	return line
}

func opName(k event.Kind) string {
	switch k {
	case event.KindObjectPut:
		return "PUT"
	case event.KindObjectGet:
		return "GET"
	case event.KindAppRead:
		return "READ"
	case event.KindAppWrite:
		return "WRITE"
	}
	return k.String()
}

func workloadInfo(sum *stats.Summary, corr *correlate.Report) *WorkloadInfo {
	var workloadEvents, sidecars, shards, appWL, devWL uint64
	for _, l := range event.Layers {
		s := sum.Layers[l]
		workloadEvents += s.WorkloadEvents
		sidecars += s.SidecarOps
		shards += s.ErasureWrites
	}
	appWL = sum.Layers[event.LayerApplication].WorkloadBytes
	devWL = sum.Layers[event.LayerDevice].WorkloadBytes

	if workloadEvents == 0 && sum.ObjectPuts == 0 && sum.ObjectGets == 0 {
		return nil
	}

	w := &WorkloadInfo{
		Puts:          sum.ObjectPuts,
		Gets:          sum.ObjectGets,
		SidecarOps:    sidecars,
		ErasureShards: shards,
		AppBytes:      appWL,
		DeviceBytes:   devWL,
	}
	if corr != nil {
		w.Branched = corr.Branched
	}
	if appWL > 0 && devWL > 0 {
		overhead := float64(devWL) / float64(appWL)
		w.ErasureOverhead = &overhead
	}
	return w
}
