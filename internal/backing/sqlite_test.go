package backing

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/procedural"
)

func openTestDB(t *testing.T, path string, opts SQLiteOptions) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t, filepath.Join(t.TempDir(), "tiles.db"), SQLiteOptions{FilterCapacity: 128})

	gen := procedural.NewGenerator(32)
	raw, err := gen.Payload(procedural.Dots)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "chunk_0_0", raw))

	got, err := s.Load(ctx, "chunk_0_0")
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	ok, err := s.Has(ctx, "chunk_0_0")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// replace keeps a single row
	require.NoError(t, s.Put(ctx, "chunk_0_0", []byte("replaced")))
	got, err = s.Load(ctx, "chunk_0_0")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got)
	n, _ = s.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestSQLiteMissWithoutFallback(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t, filepath.Join(t.TempDir(), "tiles.db"), SQLiteOptions{FilterCapacity: 128})

	_, err := s.Load(ctx, "chunk_5_5")
	assert.ErrorIs(t, err, ErrNotFound)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Filtered, "empty filter answers the miss")
	require.NotNil(t, stats.Filter)
}

func TestSQLiteFallback(t *testing.T) {
	ctx := context.Background()
	gen := procedural.NewGenerator(16)
	s := openTestDB(t, filepath.Join(t.TempDir(), "tiles.db"), SQLiteOptions{
		Fallback: NewProcedural(gen, 0),
	})

	got, err := s.Load(ctx, "chunk_-3_7")
	require.NoError(t, err)
	want, _ := gen.PayloadForID("chunk_-3_7")
	assert.Equal(t, want, got)
	assert.Equal(t, int64(1), s.Stats().Fallbacks)
	assert.Nil(t, s.Stats().Filter)
}

func TestSQLiteReopenRebuildsFilter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tiles.db")

	first, err := OpenSQLite(ctx, path, SQLiteOptions{FilterCapacity: 256})
	require.NoError(t, err)
	tiles := make([]Tile, 0, 50)
	for i := 0; i < 50; i++ {
		tiles = append(tiles, Tile{ID: fmt.Sprintf("chunk_%d_0", i), Payload: []byte{byte(i), 1, 2, 3}})
	}
	require.NoError(t, first.PutMany(ctx, tiles))
	require.NoError(t, first.Close())

	s := openTestDB(t, path, SQLiteOptions{FilterCapacity: 256})
	for _, tile := range tiles {
		got, err := s.Load(ctx, tile.ID)
		require.NoError(t, err, tile.ID)
		assert.Equal(t, tile.Payload, got)
	}
	assert.Equal(t, uint64(50), s.Stats().Filter.Size)

	removed, err := s.Delete(ctx, "chunk_0_0")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = s.Load(ctx, "chunk_0_0")
	assert.ErrorIs(t, err, ErrNotFound)
}
