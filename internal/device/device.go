// Package device models the fast, scarce memory tier that textures must
// occupy to be drawn. The software implementation keeps decoded RGBA pixels
// in process memory; uploads decode an encoded payload and readbacks encode
// it again.
package device

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync/atomic"

	"golang.org/x/image/draw"
)

var (
	// ErrInvalidPayload is returned when an upload cannot be decoded.
	ErrInvalidPayload = errors.New("device: invalid payload")
	// ErrReleased is returned when reading back a texture with no references.
	ErrReleased = errors.New("device: texture released")
)

// Device uploads encoded payloads into device textures and reads them back.
type Device interface {
	Upload(raw []byte) (*Texture, error)
	Readback(tex *Texture) ([]byte, error)
}

// Texture is a reference-counted device handle. The creator holds the first
// reference; Clone adds one and Release drops one.
type Texture struct {
	img  *image.RGBA
	refs *atomic.Int32
}

// NewTexture wraps img in a handle holding one reference.
func NewTexture(img *image.RGBA) *Texture {
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Texture{img: img, refs: refs}
}

// Clone returns a handle sharing the same pixels and adds a reference.
func (t *Texture) Clone() *Texture {
	t.refs.Add(1)
	return &Texture{img: t.img, refs: t.refs}
}

// Release drops a reference. It reports whether this was the last one.
func (t *Texture) Release() bool {
	return t.refs.Add(-1) == 0
}

// Refs is the current reference count shared by all clones.
func (t *Texture) Refs() int32 {
	return t.refs.Load()
}

func (t *Texture) Width() int  { return t.img.Bounds().Dx() }
func (t *Texture) Height() int { return t.img.Bounds().Dy() }

// Footprint is the device memory used by the texture, four bytes per pixel.
func (t *Texture) Footprint() int64 {
	return int64(t.Width()) * int64(t.Height()) * 4
}

// Image exposes the pixels for drawing. Callers must not modify them.
func (t *Texture) Image() image.Image {
	return t.img
}

// Same reports whether two handles share pixels.
func (t *Texture) Same(other *Texture) bool {
	return other != nil && t.img == other.img
}

// Software is an in-process Device. Uploaded images are scaled to
// TextureSize x TextureSize.
type Software struct {
	TextureSize int

	uploads   atomic.Int64
	readbacks atomic.Int64
}

// NewSoftware creates a software device producing size x size textures.
func NewSoftware(size int) *Software {
	return &Software{TextureSize: size}
}

func (d *Software) Upload(raw []byte) (*Texture, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	size := d.TextureSize
	if size <= 0 {
		size = src.Bounds().Dx()
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	if src.Bounds().Dx() == size && src.Bounds().Dy() == size {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}

	d.uploads.Add(1)
	return NewTexture(dst), nil
}

func (d *Software) Readback(tex *Texture) ([]byte, error) {
	if tex.Refs() <= 0 {
		return nil, ErrReleased
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, tex.img); err != nil {
		return nil, fmt.Errorf("device: encode readback: %w", err)
	}
	d.readbacks.Add(1)
	return buf.Bytes(), nil
}

// Counters returns the number of uploads and readbacks performed.
func (d *Software) Counters() (uploads, readbacks int64) {
	return d.uploads.Load(), d.readbacks.Load()
}
