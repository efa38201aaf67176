package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesHumanized(t *testing.T) {
	cases := []struct {
		in   Bytes
		want string
	}{
		{Bytes(0), "0 B"},
		{Bytes(100), "100 B"},
		{Bytes(1024), "1.00 KB"},
		{Bytes(1536), "1.50 KB"},
		{Bytes(1 << 20), "1.00 MB"},
		{Bytes(3 << 19), "1.50 MB"},
		{Bytes(1 << 30), "1.00 GB"},
		{Bytes(1 << 40), "1.00 TB"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.in.Humanized())
	}
}

func TestBytesVersus(t *testing.T) {
	out := Bytes(4096).Versus(100)
	assert.Contains(t, out, "4096 bytes")
	assert.Contains(t, out, "4.00 KB")
	assert.Contains(t, out, "40.96x amplification")

	// Sub-unity factors are legal (cache-served reads).
	out = Bytes(2048).Versus(4096)
	assert.Contains(t, out, "0.50x amplification")

	// No baseline means no factor, never a zero.
	out = Bytes(4096).Versus(0)
	assert.Contains(t, out, "N/A")
	assert.NotContains(t, out, "0.00x")
}
