package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var schemaJSON string

const schemaURL = "tilestream://config.schema.json"

// Config represents the main configuration structure
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	World       WorldConfig       `yaml:"world"`
	Cache       CacheConfig       `yaml:"cache"`
	Backing     BackingConfig     `yaml:"backing"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Debug       DebugConfig       `yaml:"debug"`
	Walker      WalkerConfig      `yaml:"walker"`
}

// NodeConfig identifies this process in logs and snapshots
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// WorldConfig describes world geometry and the streaming rings
type WorldConfig struct {
	TileSize        float32 `yaml:"tile_size"`  // world units per tile
	ChunkSize       int     `yaml:"chunk_size"` // tiles per chunk edge
	TileKinds       int     `yaml:"tile_kinds"`
	Seed            uint64  `yaml:"seed"`
	ImmediateRadius int     `yaml:"immediate_radius"`
	PreloadRadius   int     `yaml:"preload_radius"`
	CacheRadius     int     `yaml:"cache_radius"`
	ScreenWidth     float32 `yaml:"screen_width"`
	ScreenHeight    float32 `yaml:"screen_height"`
}

// CacheConfig bounds the device and host tiers
type CacheConfig struct {
	MaxDeviceResources int           `yaml:"max_device_resources"`
	MaxHostResources   int           `yaml:"max_host_resources"`
	DeviceBudget       string        `yaml:"device_budget"` // soft byte budget, e.g. "64MB"
	HostBudget         string        `yaml:"host_budget"`
	TextureSize        int           `yaml:"texture_size"` // device texture edge in pixels
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

// BackingConfig selects the backing store
type BackingConfig struct {
	Driver         string        `yaml:"driver"` // "procedural", "sqlite"
	Path           string        `yaml:"path"`
	Latency        time.Duration `yaml:"latency"`
	Fallback       bool          `yaml:"fallback"` // sqlite misses fall back to procedural payloads
	FilterCapacity uint64        `yaml:"filter_capacity"`
}

// PersistenceConfig controls the warm snapshot written on shutdown
type PersistenceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Directory        string `yaml:"directory"`
	Retain           int    `yaml:"retain"`
	CompressionLevel int    `yaml:"compression_level"` // zstd level 1-4
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"` // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// DebugConfig controls the HTTP/websocket stats server
type DebugConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// WalkerConfig drives the headless viewpoint
type WalkerConfig struct {
	Path   string  `yaml:"path"`  // "line", "square", "circle"
	Speed  float32 `yaml:"speed"` // world units per second
	FPS    int     `yaml:"fps"`
	Frames int     `yaml:"frames"` // 0 runs until interrupted
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "tilestream-1",
			DataDir: "/tmp/tilestream",
		},
		World: WorldConfig{
			TileSize:        32,
			ChunkSize:       16,
			TileKinds:       4,
			Seed:            1337,
			ImmediateRadius: 1,
			PreloadRadius:   2,
			CacheRadius:     3,
			ScreenWidth:     1280,
			ScreenHeight:    720,
		},
		Cache: CacheConfig{
			MaxDeviceResources: 32,
			MaxHostResources:   64,
			DeviceBudget:       "64MB",
			HostBudget:         "128MB",
			TextureSize:        64,
			IdleTimeout:        30 * time.Second,
			CleanupInterval:    5 * time.Second,
		},
		Backing: BackingConfig{
			Driver:         "procedural",
			Path:           "tiles.db",
			Latency:        20 * time.Millisecond,
			Fallback:       true,
			FilterCapacity: 1 << 16,
		},
		Persistence: PersistenceConfig{
			Enabled:          true,
			Directory:        "snapshots",
			Retain:           3,
			CompressionLevel: 2,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
		Debug: DebugConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:9080",
			PushInterval: time.Second,
		},
		Walker: WalkerConfig{
			Path:   "line",
			Speed:  256,
			FPS:    60,
			Frames: 0,
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "configuration file %s not found, using defaults\n", path)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateSchema checks the raw document shape against the embedded schema.
// YAML is decoded generically and re-encoded as JSON so the validator sees
// plain JSON types.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if doc == nil {
		return nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to convert config to json: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return err
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.World.TileSize <= 0 {
		return fmt.Errorf("world.tile_size must be > 0")
	}
	if c.World.ChunkSize <= 0 {
		return fmt.Errorf("world.chunk_size must be > 0")
	}
	if c.World.TileKinds <= 0 {
		return fmt.Errorf("world.tile_kinds must be > 0")
	}
	if c.World.ImmediateRadius < 0 {
		return fmt.Errorf("world.immediate_radius must be >= 0")
	}
	if !(c.World.ImmediateRadius < c.World.PreloadRadius && c.World.PreloadRadius < c.World.CacheRadius) {
		return fmt.Errorf("world radii must satisfy immediate < preload < cache, got %d/%d/%d",
			c.World.ImmediateRadius, c.World.PreloadRadius, c.World.CacheRadius)
	}
	if c.Cache.MaxDeviceResources < 1 {
		return fmt.Errorf("cache.max_device_resources must be >= 1")
	}
	if c.Cache.MaxHostResources < 0 {
		return fmt.Errorf("cache.max_host_resources must be >= 0")
	}
	if c.Cache.TextureSize < 1 {
		return fmt.Errorf("cache.texture_size must be >= 1")
	}
	if c.Cache.IdleTimeout <= 0 {
		return fmt.Errorf("cache.idle_timeout must be > 0")
	}
	if _, err := ParseSize(c.Cache.DeviceBudget); err != nil {
		return fmt.Errorf("cache.device_budget: %w", err)
	}
	if _, err := ParseSize(c.Cache.HostBudget); err != nil {
		return fmt.Errorf("cache.host_budget: %w", err)
	}
	if !isValidBackingDriver(c.Backing.Driver) {
		return fmt.Errorf("invalid backing driver: %s", c.Backing.Driver)
	}
	if c.Backing.Driver == "sqlite" && c.Backing.Path == "" {
		return fmt.Errorf("backing.path is required for the sqlite driver")
	}
	if c.Persistence.Enabled {
		if c.Persistence.Directory == "" {
			return fmt.Errorf("persistence.directory cannot be empty")
		}
		if c.Persistence.Retain < 1 {
			return fmt.Errorf("persistence.retain must be >= 1")
		}
		if c.Persistence.CompressionLevel < 1 || c.Persistence.CompressionLevel > 4 {
			return fmt.Errorf("compression level must be between 1 and 4")
		}
	}
	if c.Debug.Enabled && c.Debug.Addr == "" {
		return fmt.Errorf("debug.addr cannot be empty")
	}
	if !isValidWalkerPath(c.Walker.Path) {
		return fmt.Errorf("invalid walker path: %s", c.Walker.Path)
	}
	if c.Walker.FPS < 1 {
		return fmt.Errorf("walker.fps must be >= 1")
	}

	return nil
}

func isValidBackingDriver(driver string) bool {
	validDrivers := map[string]bool{
		"procedural": true,
		"sqlite":     true,
	}
	return validDrivers[driver]
}

func isValidWalkerPath(path string) bool {
	validPaths := map[string]bool{
		"line":   true,
		"square": true,
		"circle": true,
	}
	return validPaths[path]
}

// ParseSize parses size strings such as "100MB" into bytes. An empty string
// means no budget and yields 0.
func ParseSize(sizeStr string) (int64, error) {
	if sizeStr == "" {
		return 0, nil
	}

	multipliers := map[string]int64{
		"B":  1,
		"KB": 1024,
		"MB": 1024 * 1024,
		"GB": 1024 * 1024 * 1024,
	}

	var size int64
	var unit string
	n, err := fmt.Sscanf(sizeStr, "%d%s", &size, &unit)
	if err != nil || n != 2 {
		return 0, fmt.Errorf("invalid size format %q", sizeStr)
	}
	multiplier, ok := multipliers[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q in size %q", unit, sizeStr)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %q", sizeStr)
	}
	return size * multiplier, nil
}
