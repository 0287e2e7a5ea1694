package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"tilestream/internal/backing"
	"tilestream/internal/cache"
	"tilestream/internal/device"
	"tilestream/internal/logging"
	"tilestream/internal/network/httpapi"
	"tilestream/internal/persistence"
	"tilestream/internal/position"
	"tilestream/internal/procedural"
	"tilestream/internal/viewport"
	"tilestream/internal/world"
	"tilestream/pkg/config"
)

var (
	configPath = flag.String("config", "configs/tilestream.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "", "Node identifier used in logs and snapshots")
	frames     = flag.Int("frames", -1, "Stop after this many frames (overrides walker.frames)")
	seedRadius = flag.Int("seed-radius", 0, "Populate the sqlite backing store with chunks within this radius of the origin, then exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Early error before logging is initialized
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *frames >= 0 {
		cfg.Walker.Frames = *frames
	}

	logger, err := logging.InitializeFromConfig(cfg.Node.ID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "tilestream starting", logging.Fields{
		"node_id":     cfg.Node.ID,
		"config_file": *configPath,
		"backing":     cfg.Backing.Driver,
		"walker":      cfg.Walker.Path,
	})

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "Failed to create data directory", err)
		logger.Close()
		os.Exit(1)
	}

	if *seedRadius > 0 {
		err = seedBacking(ctx, cfg, *seedRadius)
	} else {
		err = run(ctx, cfg)
	}
	if err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStop, "tilestream stopped with error", err)
		logger.Close()
		os.Exit(1)
	}
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "tilestream stopped")
}

func dataPath(cfg *config.Config, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Node.DataDir, p)
}

// openBacking returns the configured store and a function that closes it.
func openBacking(ctx context.Context, cfg *config.Config, gen *procedural.Generator) (backing.Store, func() error, error) {
	simulated := backing.NewProcedural(gen, cfg.Backing.Latency)
	switch cfg.Backing.Driver {
	case "sqlite":
		opts := backing.SQLiteOptions{FilterCapacity: cfg.Backing.FilterCapacity}
		if cfg.Backing.Fallback {
			opts.Fallback = simulated
		}
		db, err := backing.OpenSQLite(ctx, dataPath(cfg, cfg.Backing.Path), opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite backing: %w", err)
		}
		return db, db.Close, nil
	default:
		return simulated, func() error { return nil }, nil
	}
}

func seedBacking(ctx context.Context, cfg *config.Config, radius int) error {
	if cfg.Backing.Driver != "sqlite" {
		return fmt.Errorf("seeding needs the sqlite backing driver, configured %q", cfg.Backing.Driver)
	}
	db, err := backing.OpenSQLite(ctx, dataPath(cfg, cfg.Backing.Path), backing.SQLiteOptions{FilterCapacity: cfg.Backing.FilterCapacity})
	if err != nil {
		return err
	}
	defer db.Close()

	gen := procedural.NewGenerator(cfg.Cache.TextureSize)
	tiles := make([]backing.Tile, 0, (2*radius+1)*(2*radius+1))
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			id := position.ResourceID(position.ChunkPos{X: x, Y: y})
			raw, err := gen.PayloadForID(id)
			if err != nil {
				return err
			}
			tiles = append(tiles, backing.Tile{ID: id, Payload: raw})
		}
	}

	start := time.Now()
	if err := db.PutMany(ctx, tiles); err != nil {
		return err
	}
	count, err := db.Count(ctx)
	if err != nil {
		return err
	}
	logging.WithDuration(ctx, logging.INFO, logging.ComponentBacking, logging.ActionSeed, "backing store seeded", time.Since(start), logging.Fields{
		"written": len(tiles),
		"stored":  count,
	})
	fmt.Printf("🌱 Seeded %d chunks (%d stored)\n", len(tiles), count)
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	deviceBudget, err := config.ParseSize(cfg.Cache.DeviceBudget)
	if err != nil {
		return err
	}
	hostBudget, err := config.ParseSize(cfg.Cache.HostBudget)
	if err != nil {
		return err
	}

	gen := procedural.NewGenerator(cfg.Cache.TextureSize)
	dev := device.NewSoftware(cfg.Cache.TextureSize)
	store, closeStore, err := openBacking(ctx, cfg, gen)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logging.Warn(ctx, logging.ComponentBacking, logging.ActionStop, "backing store close failed", logging.Fields{"error": err.Error()})
		}
	}()

	rc, err := cache.New(dev, store, gen, cache.Options{
		MaxDeviceResources: cfg.Cache.MaxDeviceResources,
		MaxHostResources:   cfg.Cache.MaxHostResources,
		DeviceBudget:       deviceBudget,
		HostBudget:         hostBudget,
		IdleTimeout:        cfg.Cache.IdleTimeout,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	var snapshots *persistence.SnapshotManager
	if cfg.Persistence.Enabled {
		snapshots = persistence.NewSnapshotManager(persistence.Config{
			Directory:        dataPath(cfg, cfg.Persistence.Directory),
			Retain:           cfg.Persistence.Retain,
			CompressionLevel: cfg.Persistence.CompressionLevel,
			NodeID:           cfg.Node.ID,
		})
		restoreWarm(ctx, rc, snapshots)
	}

	geom := position.Geometry{TileSize: cfg.World.TileSize, ChunkSize: cfg.World.ChunkSize}
	chunks := world.NewChunkStore(world.Generator{Seed: cfg.World.Seed, Size: cfg.World.ChunkSize, TileKinds: cfg.World.TileKinds})
	policy, err := world.NewPolicy(world.Radii{
		Immediate: cfg.World.ImmediateRadius,
		Preload:   cfg.World.PreloadRadius,
		Cache:     cfg.World.CacheRadius,
	}, chunks, rc)
	if err != nil {
		return err
	}
	streamer := world.NewStreamer(policy)
	streamer.OnPass(func(res world.PassResult) {
		if res.Failures > 0 {
			logging.Warn(ctx, logging.ComponentStreaming, logging.ActionPass, "streaming pass had load failures", logging.Fields{
				"pass":     res.ID,
				"failures": res.Failures,
			})
		}
	})

	var debug *httpapi.Server
	if cfg.Debug.Enabled {
		debug = httpapi.NewServer(httpapi.Options{
			NodeID:       cfg.Node.ID,
			Cache:        rc,
			Chunks:       chunks,
			Streamer:     streamer,
			PushInterval: cfg.Debug.PushInterval,
		})
		addr, err := debug.Start(cfg.Debug.Addr)
		if err != nil {
			return fmt.Errorf("debug server: %w", err)
		}
		fmt.Printf("🌐 Debug API: http://%s/api/stats\n", addr)
	}

	vp := viewport.New(geom, mgl32.Vec2{cfg.World.ScreenWidth, cfg.World.ScreenHeight})
	w := newWalker(cfg.Walker)
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		defer cancel()
		return frameLoop(gctx, cfg.Walker, w, vp, streamer, rc)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Cache.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				rc.CleanupUnused()
			}
		}
	})
	loopErr := g.Wait()

	streamer.Stop()
	if debug != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := debug.Shutdown(shutdownCtx); err != nil {
			logging.Warn(ctx, logging.ComponentHTTP, logging.ActionStop, "debug server shutdown failed", logging.Fields{"error": err.Error()})
		}
		cancelShutdown()
	}
	if snapshots != nil {
		saveWarm(rc, snapshots)
	}

	st := rc.Stats()
	fmt.Printf("📊 loads=%d hits=%d promotions=%d evictions=%d passes=%d\n",
		st.Loads, st.Hits, st.Promotions, st.Evictions, streamer.Passes())

	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}
	return nil
}

func restoreWarm(ctx context.Context, rc *cache.ResourceCache, snapshots *persistence.SnapshotManager) {
	entries, header, err := snapshots.LoadLatest(ctx)
	if err != nil {
		logging.Warn(ctx, logging.ComponentPersistence, logging.ActionRestore, "warm snapshot unreadable, starting cold", logging.Fields{"error": err.Error()})
		return
	}
	if header == nil {
		return
	}
	imported := rc.ImportWarm(entries)
	logging.Info(ctx, logging.ComponentPersistence, logging.ActionRestore, "warm set restored", logging.Fields{
		"entries":  len(entries),
		"imported": imported,
		"taken_at": header.CreatedAt,
	})
}

// saveWarm runs after the main context is done, so it uses its own deadline.
func saveWarm(rc *cache.ResourceCache, snapshots *persistence.SnapshotManager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := rc.ExportWarm()
	if err != nil {
		logging.Error(ctx, logging.ComponentPersistence, logging.ActionSnapshot, "failed to export warm set", err)
		return
	}
	if _, err := snapshots.CreateSnapshot(ctx, entries); err != nil {
		logging.Error(ctx, logging.ComponentPersistence, logging.ActionSnapshot, "failed to write warm snapshot", err)
	}
}
