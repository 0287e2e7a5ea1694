// Package persistence writes the cache's warm set to disk on shutdown and
// reads it back on startup.
package persistence

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"tilestream/internal/cache"
	"tilestream/internal/logging"
)

const (
	snapshotPrefix  = "tilestream-warm-"
	snapshotSuffix  = ".snap"
	snapshotVersion = 1
	// sortable and unique at nanosecond resolution
	snapshotStamp = "20060102T150405.000000000"
)

// ErrChecksum is returned when a snapshot's payloads do not match the
// checksum recorded in its header.
var ErrChecksum = errors.New("persistence: snapshot checksum mismatch")

// Config controls where snapshots live and how many are kept.
type Config struct {
	Directory        string
	Retain           int // 0 keeps every snapshot
	CompressionLevel int // zstd level 1 (fastest) to 4 (best)
	NodeID           string
}

// SnapshotManager handles snapshot creation and loading
type SnapshotManager struct {
	config Config
}

// SnapshotHeader contains metadata about the snapshot
type SnapshotHeader struct {
	Version    int
	CreatedAt  time.Time
	NodeID     string
	EntryCount int64
	Checksum   uint64
}

// SnapshotEntry is one warm resource.
type SnapshotEntry struct {
	ID       string
	Tier     string
	Payload  []byte
	Size     int64
	LastUsed time.Time
}

func NewSnapshotManager(config Config) *SnapshotManager {
	if config.CompressionLevel < int(zstd.SpeedFastest) || config.CompressionLevel > int(zstd.SpeedBestCompression) {
		config.CompressionLevel = int(zstd.SpeedDefault)
	}
	return &SnapshotManager{config: config}
}

func checksum(entries []cache.WarmEntry) uint64 {
	h := xxhash.New()
	for _, e := range entries {
		_, _ = h.WriteString(e.ID)
		_, _ = h.Write(e.Payload)
	}
	return h.Sum64()
}

// CreateSnapshot writes entries to a new snapshot file and prunes old ones.
// The file appears under its final name only once fully written.
func (sm *SnapshotManager) CreateSnapshot(ctx context.Context, entries []cache.WarmEntry) (string, error) {
	start := time.Now()
	if err := os.MkdirAll(sm.config.Directory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := snapshotPrefix + start.UTC().Format(snapshotStamp) + snapshotSuffix
	path := filepath.Join(sm.config.Directory, name)
	tmp := path + ".tmp"

	if err := sm.write(ctx, tmp, entries); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	if err := sm.cleanupOldSnapshots(); err != nil {
		logging.Warn(ctx, logging.ComponentPersistence, logging.ActionCleanup, "failed to prune old snapshots", logging.Fields{
			"error": err.Error(),
		})
	}

	logging.WithDuration(ctx, logging.INFO, logging.ComponentPersistence, logging.ActionSnapshot, "snapshot created", time.Since(start), logging.Fields{
		"file":    name,
		"entries": len(entries),
	})
	return path, nil
}

func (sm *SnapshotManager) write(ctx context.Context, path string, entries []cache.WarmEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.EncoderLevel(sm.config.CompressionLevel)))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	ge := gob.NewEncoder(bw)

	header := SnapshotHeader{
		Version:    snapshotVersion,
		CreatedAt:  time.Now().UTC(),
		NodeID:     sm.config.NodeID,
		EntryCount: int64(len(entries)),
		Checksum:   checksum(entries),
	}
	if err := ge.Encode(header); err != nil {
		enc.Close()
		return fmt.Errorf("failed to encode snapshot header: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			enc.Close()
			return err
		}
		entry := SnapshotEntry{ID: e.ID, Tier: e.Tier.String(), Payload: e.Payload, Size: e.Size, LastUsed: e.LastUsed}
		if err := ge.Encode(entry); err != nil {
			enc.Close()
			return fmt.Errorf("failed to encode entry %s: %w", e.ID, err)
		}
	}

	if err := bw.Flush(); err != nil {
		enc.Close()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close zstd stream: %w", err)
	}
	return f.Sync()
}

// LoadLatest reads the most recent snapshot. With no snapshot on disk it
// returns nil entries and a nil header.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) ([]cache.WarmEntry, *SnapshotHeader, error) {
	files, err := sm.snapshots()
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, nil
	}
	return sm.Load(ctx, files[len(files)-1])
}

// Load reads the snapshot at path.
func (sm *SnapshotManager) Load(ctx context.Context, path string) ([]cache.WarmEntry, *SnapshotHeader, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()
	gd := gob.NewDecoder(bufio.NewReaderSize(dec, 256*1024))

	var header SnapshotHeader
	if err := gd.Decode(&header); err != nil {
		return nil, nil, fmt.Errorf("failed to decode snapshot header: %w", err)
	}
	if header.Version != snapshotVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot version %d", header.Version)
	}

	entries := make([]cache.WarmEntry, 0, header.EntryCount)
	for i := int64(0); i < header.EntryCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var entry SnapshotEntry
		if err := gd.Decode(&entry); err != nil {
			return nil, nil, fmt.Errorf("failed to decode entry at position %d: %w", i, err)
		}
		entries = append(entries, cache.WarmEntry{
			ID:       entry.ID,
			Tier:     parseTier(entry.Tier),
			Payload:  entry.Payload,
			Size:     entry.Size,
			LastUsed: entry.LastUsed,
		})
	}
	if checksum(entries) != header.Checksum {
		return nil, nil, fmt.Errorf("%w: %s", ErrChecksum, filepath.Base(path))
	}

	logging.WithDuration(ctx, logging.INFO, logging.ComponentPersistence, logging.ActionRestore, "snapshot loaded", time.Since(start), logging.Fields{
		"file":    filepath.Base(path),
		"entries": len(entries),
	})
	return entries, &header, nil
}

func parseTier(s string) cache.Tier {
	var t cache.Tier
	if err := t.UnmarshalText([]byte(s)); err != nil {
		return cache.TierBacking
	}
	return t
}

// snapshots lists finished snapshot files oldest first.
func (sm *SnapshotManager) snapshots() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(sm.config.Directory, snapshotPrefix+"*"+snapshotSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to search for snapshots: %w", err)
	}
	// names embed a fixed-width UTC timestamp, so lexical order is age order
	sort.Strings(files)
	return files, nil
}

func (sm *SnapshotManager) cleanupOldSnapshots() error {
	if sm.config.Retain <= 0 {
		return nil
	}
	files, err := sm.snapshots()
	if err != nil {
		return err
	}
	if len(files) <= sm.config.Retain {
		return nil
	}

	var failed []string
	for _, path := range files[:len(files)-sm.config.Retain] {
		if err := os.Remove(path); err != nil {
			failed = append(failed, filepath.Base(path))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to remove %s", strings.Join(failed, ", "))
	}
	return nil
}
