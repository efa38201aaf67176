// Package diff compares two amplification analyses (written with
// --format json) and highlights where a workload's write amplification
// regressed or improved between runs.
package diff

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/shuwens/reverb/internal/report"
)

// DiffReport contains the comparison between two analyses.
type DiffReport struct {
	Baseline     string         `json:"baseline"`
	Current      string         `json:"current"`
	Changes      []MetricChange `json:"changes"`
	Regressions  int            `json:"regressions"`
	Improvements int            `json:"improvements"`
}

// MetricChange represents a single metric difference between analyses.
type MetricChange struct {
	Metric       string  `json:"metric"`
	OldValue     float64 `json:"old_value"`
	NewValue     float64 `json:"new_value"`
	Delta        float64 `json:"delta"`
	DeltaPct     float64 `json:"delta_pct"`
	Direction    string  `json:"direction"`    // "regression", "improvement", "unchanged"
	Significance string  `json:"significance"` // "high", "medium", "low"
}

// LoadAnalysis reads a JSON analysis file produced by a prior run.
func LoadAnalysis(path string) (*report.Analysis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var a report.Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &a, nil
}

// Compare computes differences between two analyses. Amplification going up
// is a regression: the stack is writing more per requested byte.
func Compare(baselinePath, currentPath string, baseline, current *report.Analysis) *DiffReport {
	diff := &DiffReport{Baseline: baselinePath, Current: currentPath}

	if baseline.Total != nil && current.Total != nil {
		addChange(diff, "total_amplification", *baseline.Total, *current.Total)
	}

	oldLayers := layerIndex(baseline)
	for _, l := range current.Layers {
		old, ok := oldLayers[l.Layer]
		if !ok {
			continue
		}
		if old.Factor != nil && l.Factor != nil {
			addChange(diff, strings.ToLower(l.Layer)+"_amplification", *old.Factor, *l.Factor)
		}
		addChange(diff, strings.ToLower(l.Layer)+"_journal_ops", float64(old.JournalOps), float64(l.JournalOps))
		addChange(diff, strings.ToLower(l.Layer)+"_metadata_ops", float64(old.MetadataOps), float64(l.MetadataOps))
	}

	addChange(diff, "producer_drops", float64(baseline.Source.Drops), float64(current.Source.Drops))
	addChange(diff, "late_events", float64(baseline.Late), float64(current.Late))
	addChange(diff, "unattributed_events", float64(baseline.Unattributed), float64(current.Unattributed))

	if baseline.Workload != nil && current.Workload != nil &&
		baseline.Workload.ErasureOverhead != nil && current.Workload.ErasureOverhead != nil {
		addChange(diff, "erasure_overhead", *baseline.Workload.ErasureOverhead, *current.Workload.ErasureOverhead)
	}

	for _, c := range diff.Changes {
		switch c.Direction {
		case "regression":
			diff.Regressions++
		case "improvement":
			diff.Improvements++
		}
	}
	return diff
}

func layerIndex(a *report.Analysis) map[string]report.LayerLine {
	m := make(map[string]report.LayerLine, len(a.Layers))
	for _, l := range a.Layers {
		m[l.Layer] = l
	}
	return m
}

func addChange(diff *DiffReport, metric string, oldVal, newVal float64) {
	delta := newVal - oldVal
	deltaPct := 0.0
	if oldVal != 0 {
		deltaPct = (delta / math.Abs(oldVal)) * 100
	}

	// Skip negligible changes
	if math.Abs(deltaPct) < 1.0 && math.Abs(delta) < 0.01 {
		return
	}

	direction := "unchanged"
	if delta > 0 {
		direction = "regression"
	} else if delta < 0 {
		direction = "improvement"
	}

	significance := "low"
	switch {
	case math.Abs(deltaPct) >= 50:
		significance = "high"
	case math.Abs(deltaPct) >= 10:
		significance = "medium"
	}

	diff.Changes = append(diff.Changes, MetricChange{
		Metric:       metric,
		OldValue:     oldVal,
		NewValue:     newVal,
		Delta:        delta,
		DeltaPct:     deltaPct,
		Direction:    direction,
		Significance: significance,
	})
}

// FormatDiff renders the diff report as human-readable text.
func FormatDiff(d *DiffReport) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Amplification diff: %s → %s\n", d.Baseline, d.Current)
	fmt.Fprintf(&sb, "Regressions: %d, Improvements: %d\n\n", d.Regressions, d.Improvements)

	if len(d.Changes) == 0 {
		sb.WriteString("No significant changes.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "%-32s %12s %12s %10s %-12s %s\n",
		"METRIC", "OLD", "NEW", "DELTA%", "DIRECTION", "SIG")
	sb.WriteString(strings.Repeat("-", 92) + "\n")
	for _, c := range d.Changes {
		fmt.Fprintf(&sb, "%-32s %12.2f %12.2f %9.1f%% %-12s %s\n",
			c.Metric, c.OldValue, c.NewValue, c.DeltaPct, c.Direction, c.Significance)
	}
	return sb.String()
}
