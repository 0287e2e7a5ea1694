// Package position converts between world space, tile coordinates and chunk
// coordinates, and names the resource that backs each chunk.
package position

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

// ChunkPos is a chunk coordinate. Chunks tile the plane without gaps.
type ChunkPos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// TilePos is a tile coordinate in world tile units.
type TilePos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Add returns the chunk offset by (dx, dy).
func (c ChunkPos) Add(dx, dy int) ChunkPos {
	return ChunkPos{X: c.X + dx, Y: c.Y + dy}
}

func (c ChunkPos) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Geometry holds the world's tile and chunk dimensions.
type Geometry struct {
	TileSize  float32 // world units per tile edge
	ChunkSize int     // tiles per chunk edge
}

// ChunkWorldSize is the edge length of one chunk in world units.
func (g Geometry) ChunkWorldSize() float32 {
	return g.TileSize * float32(g.ChunkSize)
}

// ChunkFromWorld returns the chunk containing p. Negative coordinates floor
// toward negative infinity, so -1 lies in chunk -1 rather than chunk 0.
func (g Geometry) ChunkFromWorld(p mgl32.Vec2) ChunkPos {
	size := float64(g.ChunkWorldSize())
	return ChunkPos{
		X: int(math.Floor(float64(p.X()) / size)),
		Y: int(math.Floor(float64(p.Y()) / size)),
	}
}

// TileFromWorld returns the tile containing p.
func (g Geometry) TileFromWorld(p mgl32.Vec2) TilePos {
	size := float64(g.TileSize)
	return TilePos{
		X: int(math.Floor(float64(p.X()) / size)),
		Y: int(math.Floor(float64(p.Y()) / size)),
	}
}

// ChunkOrigin is the world position of the chunk's top-left corner.
func (g Geometry) ChunkOrigin(c ChunkPos) mgl32.Vec2 {
	size := g.ChunkWorldSize()
	return mgl32.Vec2{float32(c.X) * size, float32(c.Y) * size}
}

// TileOrigin is the world position of the tile's top-left corner.
func (g Geometry) TileOrigin(t TilePos) mgl32.Vec2 {
	return mgl32.Vec2{float32(t.X) * g.TileSize, float32(t.Y) * g.TileSize}
}

const resourcePrefix = "chunk_"

// ResourceID names the texture resource backing a chunk: "chunk_{x}_{y}".
func ResourceID(c ChunkPos) string {
	return resourcePrefix + strconv.Itoa(c.X) + "_" + strconv.Itoa(c.Y)
}

// ParseResourceID is the inverse of ResourceID.
func ParseResourceID(id string) (ChunkPos, bool) {
	rest, ok := strings.CutPrefix(id, resourcePrefix)
	if !ok {
		return ChunkPos{}, false
	}
	xs, ys, ok := strings.Cut(rest, "_")
	if !ok {
		return ChunkPos{}, false
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return ChunkPos{}, false
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return ChunkPos{}, false
	}
	return ChunkPos{X: x, Y: y}, true
}
