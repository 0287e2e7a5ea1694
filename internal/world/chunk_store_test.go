package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/position"
)

func testGenerator() Generator {
	return Generator{Seed: 1337, Size: 16, TileKinds: 4}
}

func TestGenerator_Deterministic(t *testing.T) {
	gen := testGenerator()

	a := gen.Generate(position.ChunkPos{X: 3, Y: -7})
	b := gen.Generate(position.ChunkPos{X: 3, Y: -7})
	require.Len(t, a.Tiles, 16*16)
	assert.Equal(t, a.Tiles, b.Tiles)

	other := gen.Generate(position.ChunkPos{X: -7, Y: 3})
	assert.NotEqual(t, a.Tiles, other.Tiles, "swapped coordinates give a different grid")

	reseeded := Generator{Seed: 42, Size: 16, TileKinds: 4}.Generate(position.ChunkPos{X: 3, Y: -7})
	assert.NotEqual(t, a.Tiles, reseeded.Tiles)

	for _, id := range a.Tiles {
		assert.Less(t, id, uint32(4))
	}
	assert.Equal(t, "chunk_3_-7", a.ResourceID())
	assert.Equal(t, a.Tiles[5+2*16], a.Tile(5, 2))
}

func TestChunkStore_GetOrCreate(t *testing.T) {
	s := NewChunkStore(testGenerator())
	pos := position.ChunkPos{X: 1, Y: 2}

	_, ok := s.Get(pos)
	assert.False(t, ok)

	c := s.GetOrCreate(pos)
	assert.Same(t, c, s.GetOrCreate(pos))
	got, ok := s.Get(pos)
	assert.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, s.Len())

	created, _ := s.Counters()
	assert.Equal(t, int64(1), created)
}

func TestChunkStore_Retain(t *testing.T) {
	s := NewChunkStore(testGenerator())
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			s.GetOrCreate(position.ChunkPos{X: x, Y: y})
		}
	}

	keep := map[position.ChunkPos]struct{}{
		{X: 0, Y: 0}: {},
		{X: 2, Y: 1}: {},
		{X: 9, Y: 9}: {}, // absent positions are ignored
	}
	assert.Equal(t, 7, s.Retain(keep))
	assert.Equal(t, []position.ChunkPos{{X: 0, Y: 0}, {X: 2, Y: 1}}, s.Positions())

	assert.Equal(t, 2, s.Retain(nil))
	assert.Equal(t, 0, s.Len())
	_, dropped := s.Counters()
	assert.Equal(t, int64(9), dropped)
}
