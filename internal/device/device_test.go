package device

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, size int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	img.SetRGBA(0, 0, color.RGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadReadbackRoundTrip(t *testing.T) {
	dev := NewSoftware(16)
	raw := encode(t, 16, color.RGBA{R: 200, G: 10, B: 30, A: 255})

	tex, err := dev.Upload(raw)
	require.NoError(t, err)
	assert.Equal(t, 16, tex.Width())
	assert.Equal(t, int64(16*16*4), tex.Footprint())

	back, err := dev.Readback(tex)
	require.NoError(t, err)

	again, err := dev.Upload(back)
	require.NoError(t, err)
	assert.Equal(t, tex.img.Pix, again.img.Pix)

	uploads, readbacks := dev.Counters()
	assert.Equal(t, int64(2), uploads)
	assert.Equal(t, int64(1), readbacks)
}

func TestUploadScalesToTextureSize(t *testing.T) {
	dev := NewSoftware(8)
	tex, err := dev.Upload(encode(t, 32, color.RGBA{G: 255, A: 255}))
	require.NoError(t, err)

	assert.Equal(t, 8, tex.Width())
	assert.Equal(t, 8, tex.Height())
	assert.Equal(t, color.RGBA{G: 255, A: 255}, tex.img.RGBAAt(7, 7))
}

func TestUploadRejectsGarbage(t *testing.T) {
	dev := NewSoftware(8)
	_, err := dev.Upload([]byte("not an image"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTextureRefCounting(t *testing.T) {
	dev := NewSoftware(4)
	tex, err := dev.Upload(encode(t, 4, color.RGBA{B: 255, A: 255}))
	require.NoError(t, err)

	clone := tex.Clone()
	assert.True(t, clone.Same(tex))
	assert.Equal(t, int32(2), tex.Refs())

	assert.False(t, clone.Release())
	assert.True(t, tex.Release())

	_, err = dev.Readback(tex)
	assert.ErrorIs(t, err, ErrReleased)
}
