package backing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"tilestream/internal/filter"
	"tilestream/internal/logging"
)

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// FilterCapacity sizes the id filter; 0 disables it.
	FilterCapacity uint64
	// Fallback serves ids missing from the database. Nil means misses
	// return ErrNotFound.
	Fallback Store
}

// Tile is one stored payload.
type Tile struct {
	ID      string
	Payload []byte
}

// SQLite stores zstd-compressed payloads in a single table. A cuckoo filter
// over stored ids answers most misses without a query.
type SQLite struct {
	db       *sql.DB
	ids      atomic.Pointer[filter.CuckooFilter] // nil when disabled
	fallback Store
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	hits      atomic.Int64
	misses    atomic.Int64
	filtered  atomic.Int64
	fallbacks atomic.Int64
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, opts SQLiteOptions) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tiles (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		raw_size INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{db: db, fallback: opts.Fallback, enc: enc, dec: dec}
	if opts.FilterCapacity > 0 {
		cf, err := filter.NewCuckooFilter(filter.DefaultConfig("sqlite-tiles", opts.FilterCapacity))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.ids.Store(cf)
		if err := s.rebuildFilter(ctx, cf); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func initPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// rebuildFilter loads every stored id into the filter. If the filter fills
// up it is dropped and all lookups go to the database.
func (s *SQLite) rebuildFilter(ctx context.Context, cf *filter.CuckooFilter) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tiles`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if err := cf.Add(id); err != nil {
			s.disableFilter(ctx, cf)
			return rows.Err()
		}
	}
	return rows.Err()
}

func (s *SQLite) disableFilter(ctx context.Context, cf *filter.CuckooFilter) {
	if s.ids.CompareAndSwap(cf, nil) {
		logging.Warn(ctx, logging.ComponentBacking, logging.ActionPressure, "id filter full, disabling", logging.Fields{
			"capacity": cf.Capacity(),
		})
	}
}

func (s *SQLite) Load(ctx context.Context, id string) ([]byte, error) {
	if cf := s.ids.Load(); cf != nil && !cf.Contains(id) {
		s.filtered.Add(1)
		return s.miss(ctx, id)
	}

	var payload []byte
	var rawSize int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, raw_size FROM tiles WHERE id = ?`, id).Scan(&payload, &rawSize)
	if errors.Is(err, sql.ErrNoRows) {
		return s.miss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	raw, err := s.dec.DecodeAll(payload, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", id, err)
	}
	s.hits.Add(1)
	return raw, nil
}

func (s *SQLite) miss(ctx context.Context, id string) ([]byte, error) {
	s.misses.Add(1)
	if s.fallback == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.fallbacks.Add(1)
	return s.fallback.Load(ctx, id)
}

// Put stores or replaces a payload.
func (s *SQLite) Put(ctx context.Context, id string, raw []byte) error {
	return s.PutMany(ctx, []Tile{{ID: id, Payload: raw}})
}

// PutMany stores payloads in one transaction.
func (s *SQLite) PutMany(ctx context.Context, tiles []Tile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tiles (id, payload, raw_size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, raw_size = excluded.raw_size, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, t := range tiles {
		compressed := s.enc.EncodeAll(t.Payload, nil)
		if _, err := stmt.ExecContext(ctx, t.ID, compressed, len(t.Payload), now); err != nil {
			return fmt.Errorf("put %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if cf := s.ids.Load(); cf != nil {
		for _, t := range tiles {
			if cf.Contains(t.ID) {
				continue
			}
			if err := cf.Add(t.ID); err != nil {
				s.disableFilter(ctx, cf)
				break
			}
		}
	}
	return nil
}

// Delete removes id and reports whether it was stored.
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	// the id stays in the filter: Put skips ids the filter already claims,
	// so removing a fingerprint could drop a colliding live id
	res, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Has reports whether id is stored, ignoring the fallback.
func (s *SQLite) Has(ctx context.Context, id string) (bool, error) {
	if cf := s.ids.Load(); cf != nil && !cf.Contains(id) {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tiles WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n)
	return n, err
}

// SQLiteStats reports lookup counters.
type SQLiteStats struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Filtered  int64         `json:"filtered"` // misses answered by the filter
	Fallbacks int64         `json:"fallbacks"`
	Filter    *filter.Stats `json:"filter,omitempty"`
}

func (s *SQLite) Stats() SQLiteStats {
	st := SQLiteStats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Filtered:  s.filtered.Load(),
		Fallbacks: s.fallbacks.Load(),
	}
	if cf := s.ids.Load(); cf != nil {
		fs := cf.Stats()
		st.Filter = &fs
	}
	return st
}

func (s *SQLite) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}
