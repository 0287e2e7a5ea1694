package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig mirrors the logging section of the YAML configuration.
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// InitializeFromConfig builds a logger from configuration and installs it
// as the global logger.
func InitializeFromConfig(instance string, logConfig LogConfig) (*Logger, error) {
	if logConfig.EnableFile && logConfig.LogDir != "" {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", instance))
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		Instance:      instance,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// Component names
const (
	ComponentMain        = "main"
	ComponentCache       = "cache"
	ComponentStreaming   = "streaming"
	ComponentChunks      = "chunks"
	ComponentBacking     = "backing"
	ComponentFilter      = "filter"
	ComponentPersistence = "persistence"
	ComponentStorage     = "storage"
	ComponentHTTP        = "http"
	ComponentWebSocket   = "websocket"
)

// Action names
const (
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionRequest  = "request"
	ActionResponse = "response"
	ActionLoad     = "load"
	ActionPromote  = "promote"
	ActionEvict    = "evict"
	ActionDemote   = "demote"
	ActionPass     = "pass"
	ActionRetain   = "retain"
	ActionCleanup  = "cleanup"
	ActionPressure = "pressure"
	ActionSnapshot = "snapshot"
	ActionRestore  = "restore"
	ActionConnect  = "connect"
	ActionFrame    = "frame"
	ActionSeed     = "seed"
)
