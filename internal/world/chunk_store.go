// Package world owns the materialized chunks around the focus and the
// streaming policy that keeps their textures resident.
package world

import (
	"encoding/binary"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"tilestream/internal/position"
)

// Chunk is a square grid of tile ids anchored at Pos.
type Chunk struct {
	Pos   position.ChunkPos
	Size  int
	Tiles []uint32 // len = Size*Size, x fastest
}

func (c *Chunk) index(x, y int) int {
	return x + y*c.Size
}

// Tile returns the tile id at local (x, y).
func (c *Chunk) Tile(x, y int) uint32 {
	return c.Tiles[c.index(x, y)]
}

// ResourceID names the texture that backs this chunk.
func (c *Chunk) ResourceID() string {
	return position.ResourceID(c.Pos)
}

// Generator fills chunk grids. The same seed and coordinate always give the
// same grid.
type Generator struct {
	Seed      uint64
	Size      int
	TileKinds int
}

func (g Generator) seedFor(pos position.ChunkPos) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], g.Seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(pos.X)))
	binary.LittleEndian.PutUint64(buf[16:], uint64(int64(pos.Y)))
	return xxhash.Sum64(buf[:])
}

// Generate builds the grid for pos.
func (g Generator) Generate(pos position.ChunkPos) *Chunk {
	rng := rand.New(rand.NewPCG(g.seedFor(pos), g.Seed))
	c := &Chunk{Pos: pos, Size: g.Size, Tiles: make([]uint32, g.Size*g.Size)}
	for i := range c.Tiles {
		c.Tiles[i] = uint32(rng.IntN(g.TileKinds))
	}
	return c
}

// ChunkStore holds the chunks currently in scope. It is safe for concurrent
// use: the streaming worker mutates it while the frame loop reads.
type ChunkStore struct {
	gen Generator

	mu     sync.RWMutex
	chunks map[position.ChunkPos]*Chunk

	created int64
	dropped int64
}

func NewChunkStore(gen Generator) *ChunkStore {
	return &ChunkStore{
		gen:    gen,
		chunks: make(map[position.ChunkPos]*Chunk),
	}
}

// GetOrCreate returns the chunk at pos, generating it on first use.
func (s *ChunkStore) GetOrCreate(pos position.ChunkPos) *Chunk {
	s.mu.RLock()
	c, ok := s.chunks[pos]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[pos]; ok {
		return c
	}
	c = s.gen.Generate(pos)
	s.chunks[pos] = c
	s.created++
	return c
}

func (s *ChunkStore) Get(pos position.ChunkPos) (*Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[pos]
	return c, ok
}

// Retain drops every chunk whose position is not in keep and returns how
// many were dropped.
func (s *ChunkStore) Retain(keep map[position.ChunkPos]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for pos := range s.chunks {
		if _, ok := keep[pos]; !ok {
			delete(s.chunks, pos)
			dropped++
		}
	}
	s.dropped += int64(dropped)
	return dropped
}

func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Positions returns the materialized chunk positions in row-major order.
func (s *ChunkStore) Positions() []position.ChunkPos {
	s.mu.RLock()
	out := make([]position.ChunkPos, 0, len(s.chunks))
	for pos := range s.chunks {
		out = append(out, pos)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// Counters returns how many chunks were generated and dropped in total.
func (s *ChunkStore) Counters() (created, dropped int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created, s.dropped
}
