// Package stats classifies events and maintains the per-layer counters the
// amplification report is computed from.
package stats

import (
	"strings"

	"github.com/shuwens/reverb/internal/event"
)

// journalBioThreshold is the heuristic cutoff for treating a small aligned
// device write as journal traffic.
const journalBioThreshold = 8192

// Classify derives the flags the producer did not provide. Rules apply left
// to right, first match wins. Flags are only ever set, never cleared, so
// re-classifying an already-flagged event is a no-op. Flags are advisory for
// reporting and never alter byte counters.
func Classify(ev *event.LayerEvent) {
	switch {
	case strings.HasSuffix(ev.Filename, "xl.meta"):
		ev.Sidecar = true
		ev.Metadata = true
	case isShardName(ev.Filename):
		ev.Erasure = true
	case ev.Layer == event.LayerFilesystem && isFsMetadataKind(ev.Kind):
		ev.Metadata = true
		if ev.Kind == event.KindJournalWrite {
			ev.Journal = true
		}
	case ev.Layer == event.LayerDevice && ev.Kind == event.KindBioSubmit && ev.Size <= journalBioThreshold:
		ev.Journal = true
	case ev.Layer == event.LayerOS && ev.Kind == event.KindPageCacheHit:
		ev.CacheHit = true
	}

	if isObjectKind(ev.Kind) {
		ev.Workload = true
	}
}

// isShardName matches erasure-coded part files: a "/part." path component or
// a trailing numeric part suffix like "part.7".
func isShardName(name string) bool {
	if name == "" {
		return false
	}
	if strings.Contains(name, "/part.") {
		return true
	}
	idx := strings.LastIndex(name, "part.")
	if idx < 0 {
		return false
	}
	suffix := name[idx+len("part."):]
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isFsMetadataKind(k event.Kind) bool {
	switch k {
	case event.KindJournalWrite, event.KindInodeUpdate, event.KindSync:
		return true
	}
	return false
}

func isObjectKind(k event.Kind) bool {
	switch k {
	case event.KindObjectPut, event.KindObjectGet, event.KindXlMeta, event.KindErasureWrite:
		return true
	}
	return false
}
