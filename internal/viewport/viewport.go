// Package viewport tracks the observer window over the world and reports
// when the observed point crosses a chunk boundary.
package viewport

import (
	"github.com/go-gl/mathgl/mgl32"

	"tilestream/internal/position"
)

// Viewport is a screen-sized window whose top-left corner sits at Position.
type Viewport struct {
	Position mgl32.Vec2
	Size     mgl32.Vec2

	geom      position.Geometry
	lastChunk position.ChunkPos
	seen      bool
}

// New creates a viewport of the given screen size over geom.
func New(geom position.Geometry, size mgl32.Vec2) *Viewport {
	return &Viewport{Size: size, geom: geom}
}

// Update centres the viewport on target.
func (v *Viewport) Update(target mgl32.Vec2) {
	v.Position = target.Sub(v.Size.Mul(0.5))
}

// Resize changes the screen size without moving the centre.
func (v *Viewport) Resize(size mgl32.Vec2) {
	centre := v.Position.Add(v.Size.Mul(0.5))
	v.Size = size
	v.Update(centre)
}

// ChunkChanged reports whether pos lies in a different chunk than the one
// recorded by the previous call. The first call always reports a change.
func (v *Viewport) ChunkChanged(pos mgl32.Vec2) bool {
	current := v.geom.ChunkFromWorld(pos)
	if v.seen && current == v.lastChunk {
		return false
	}
	v.seen = true
	v.lastChunk = current
	return true
}

func (v *Viewport) Geometry() position.Geometry {
	return v.geom
}

// LastChunk is the chunk recorded by the most recent ChunkChanged call.
func (v *Viewport) LastChunk() position.ChunkPos {
	return v.lastChunk
}

func (v *Viewport) WorldToScreen(world mgl32.Vec2) mgl32.Vec2 {
	return world.Sub(v.Position)
}

func (v *Viewport) ScreenToWorld(screen mgl32.Vec2) mgl32.Vec2 {
	return screen.Add(v.Position)
}

// VisibleRange returns the world-space rectangle to draw. The start corner is
// pulled back by one tile so partially visible tiles on the leading edge are
// drawn while scrolling.
func (v *Viewport) VisibleRange() (start, end mgl32.Vec2) {
	tile := mgl32.Vec2{v.geom.TileSize, v.geom.TileSize}
	return v.Position.Sub(tile), v.Position.Add(v.Size)
}

// VisibleChunks lists the chunks overlapping VisibleRange in row-major order.
func (v *Viewport) VisibleChunks() []position.ChunkPos {
	start, end := v.VisibleRange()
	first := v.geom.ChunkFromWorld(start)
	last := v.geom.ChunkFromWorld(end)

	chunks := make([]position.ChunkPos, 0, (last.X-first.X+1)*(last.Y-first.Y+1))
	for y := first.Y; y <= last.Y; y++ {
		for x := first.X; x <= last.X; x++ {
			chunks = append(chunks, position.ChunkPos{X: x, Y: y})
		}
	}
	return chunks
}
