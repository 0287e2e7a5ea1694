package procedural

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternsAreDistinct(t *testing.T) {
	g := NewGenerator(32)

	seen := make(map[string]int)
	for i := 0; i < PatternCount; i++ {
		raw, err := g.Payload(i)
		require.NoError(t, err)
		if prev, ok := seen[string(raw)]; ok {
			t.Fatalf("pattern %d identical to pattern %d", i, prev)
		}
		seen[string(raw)] = i
	}
}

func TestPayloadDecodes(t *testing.T) {
	g := NewGenerator(24)
	raw, err := g.Payload(Circle)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 24, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())

	// centre of the circle pattern is green
	r, gr, b, _ := img.At(12, 12).RGBA()
	assert.Equal(t, uint32(0), r>>8)
	assert.Equal(t, uint32(228), gr>>8)
	assert.Equal(t, uint32(48), b>>8)
}

func TestPayloadIsCachedAndIndexWraps(t *testing.T) {
	g := NewGenerator(16)
	a, err := g.Payload(Stripes)
	require.NoError(t, err)
	b, err := g.Payload(Stripes + PatternCount)
	require.NoError(t, err)
	c, err := g.Payload(Stripes - PatternCount)
	require.NoError(t, err)

	assert.Same(t, &a[0], &b[0])
	assert.Same(t, &a[0], &c[0])
}

func TestPatternForIDIsStable(t *testing.T) {
	for _, id := range []string{"chunk_0_0", "chunk_3_-2", "chunk_-10_42"} {
		p := PatternForID(id)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, PatternCount)
		assert.Equal(t, p, PatternForID(id))
	}
}
