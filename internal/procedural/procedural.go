// Package procedural draws the placeholder patterns used before a chunk's
// real texture is resident and as the simulated backing store's content.
package procedural

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PatternCount is the number of distinct placeholder patterns.
const PatternCount = 4

const (
	Checkerboard = iota
	Circle
	Stripes
	Dots
)

var (
	white  = color.RGBA{255, 255, 255, 255}
	blue   = color.RGBA{0, 121, 241, 255}
	green  = color.RGBA{0, 228, 48, 255}
	red    = color.RGBA{230, 41, 55, 255}
	yellow = color.RGBA{253, 249, 0, 255}
)

// Generator produces square pattern images of a fixed size. Encoded payloads
// are computed once per pattern and shared.
type Generator struct {
	size int

	mu      sync.Mutex
	encoded [PatternCount][]byte
}

// NewGenerator creates a generator for size x size images.
func NewGenerator(size int) *Generator {
	return &Generator{size: size}
}

func (g *Generator) Size() int { return g.size }

// PatternForID maps a resource id to a stable pattern index.
func PatternForID(id string) int {
	return int(xxhash.Sum64String(id) % PatternCount)
}

// Image draws pattern i (taken modulo PatternCount).
func (g *Generator) Image(i int) *image.RGBA {
	n := g.size
	img := image.NewRGBA(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			img.SetRGBA(x, y, white)
		}
	}

	switch ((i % PatternCount) + PatternCount) % PatternCount {
	case Checkerboard:
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				if (x/8+y/8)%2 == 0 {
					img.SetRGBA(x, y, blue)
				}
			}
		}
	case Circle:
		centre := float64(n) / 2
		radius := float64(n) / 3
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				if math.Hypot(float64(x)-centre, float64(y)-centre) < radius {
					img.SetRGBA(x, y, green)
				}
			}
		}
	case Stripes:
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				if (x+y)%16 < 8 {
					img.SetRGBA(x, y, red)
				}
			}
		}
	case Dots:
		for y := 0; y < n; y += 8 {
			for x := 0; x < n; x += 8 {
				for dy := 0; dy < 4 && y+dy < n; dy++ {
					for dx := 0; dx < 4 && x+dx < n; dx++ {
						img.SetRGBA(x+dx, y+dy, yellow)
					}
				}
			}
		}
	}
	return img
}

// Payload returns pattern i encoded as PNG. The returned slice is shared and
// must not be modified.
func (g *Generator) Payload(i int) ([]byte, error) {
	i = ((i % PatternCount) + PatternCount) % PatternCount

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.encoded[i] != nil {
		return g.encoded[i], nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, g.Image(i)); err != nil {
		return nil, err
	}
	g.encoded[i] = buf.Bytes()
	return g.encoded[i], nil
}

// PayloadForID returns the encoded pattern selected by PatternForID.
func (g *Generator) PayloadForID(id string) ([]byte, error) {
	return g.Payload(PatternForID(id))
}
