package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderBlockPatchOverwritesFirstMatchInPlace(t *testing.T) {
	hb := NewHeaderBlock(
		Header{Name: "Received", Value: "from placeholder"},
		Header{Name: "Subject", Value: "hi"},
	)

	ok := hb.Patch("received", "from mx1.y.test")
	require.True(t, ok)

	h, _ := hb.At(0)
	assert.Equal(t, "Received", h.Name)
	assert.Equal(t, "from mx1.y.test", h.Value)

	// The second header is untouched and the block's length is unchanged.
	second, _ := hb.At(1)
	assert.Equal(t, "Subject", second.Name)
	assert.Equal(t, 2, hb.Len())
}

func TestHeaderBlockPatchReportsFalseWhenNameAbsent(t *testing.T) {
	hb := NewHeaderBlock(Header{Name: "Subject", Value: "hi"})
	assert.False(t, hb.Patch("Received", "anything"))
}

func TestHeaderBlockPatchFailsAfterSeal(t *testing.T) {
	hb := NewHeaderBlock(Header{Name: "Received", Value: "from placeholder"})
	hb.Seal()
	assert.False(t, hb.Patch("Received", "from mx1.y.test"))
}
