// Package types holds small shared value types.
package types

import "fmt"

// Bytes is a byte total observed at one storage layer.
type Bytes uint64

// Humanized returns a human-readable string with automatic unit (B, KB, MB, GB, TB).
func (b Bytes) Humanized() string {
	v := float64(b)
	switch {
	case b >= 1<<40:
		return fmt.Sprintf("%.2f TB", v/(1<<40))
	case b >= 1<<30:
		return fmt.Sprintf("%.2f GB", v/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.2f MB", v/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.2f KB", v/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// Versus renders a layer total against the application-layer baseline: the
// raw count, the humanized size, and the amplification factor. A zero
// baseline leaves the factor undefined and renders N/A, never zero.
func (b Bytes) Versus(app Bytes) string {
	if app == 0 {
		return fmt.Sprintf("%12d bytes (%s, N/A)", uint64(b), b.Humanized())
	}
	return fmt.Sprintf("%12d bytes (%s, %.2fx amplification)",
		uint64(b), b.Humanized(), float64(b)/float64(app))
}
