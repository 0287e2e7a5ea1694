package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields carries structured key/value data attached to an entry.
type Fields map[string]interface{}

type contextKey string

// CorrelationIDKey is the context key holding the correlation id.
const CorrelationIDKey contextKey = "correlation_id"

// LogEntry is the JSON shape written for every record.
type LogEntry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Instance      string    `json:"instance,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Duration      *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	File          string    `json:"file,omitempty"`
	Line          int       `json:"line,omitempty"`
	Function      string    `json:"function,omitempty"`
}

// Logger writes structured entries asynchronously to a set of writers.
type Logger struct {
	level    LogLevel
	instance string
	writers  []io.Writer
	mu       sync.RWMutex
	entries  chan LogEntry
	done     chan struct{}
	wg       sync.WaitGroup
	closeOne sync.Once
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	Instance      string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	BufferSize    int
}

// NewLogger creates a logger and starts its writer goroutine.
func NewLogger(config Config) *Logger {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}

	logger := &Logger{
		level:    config.Level,
		instance: config.Instance,
		entries:  make(chan LogEntry, config.BufferSize),
		done:     make(chan struct{}),
	}

	if config.EnableConsole {
		logger.writers = append(logger.writers, os.Stdout)
	}

	if config.EnableFile && config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", config.LogFile, err)
		} else {
			logger.writers = append(logger.writers, file)
		}
	}

	logger.wg.Add(1)
	go logger.drain()

	return logger
}

func (l *Logger) drain() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.entries:
			l.write(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.entries:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, w := range l.writers {
		_, _ = w.Write(data)
	}
}

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

func (l *Logger) log(ctx context.Context, level LogLevel, component, action, message string, fields Fields, err error, duration *time.Duration) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   message,
		Instance:  l.instance,
		Component: component,
		Action:    action,
		Fields:    fields,
	}

	// frame 2 is whoever called the level method or package helper
	if pc, file, line, ok := runtime.Caller(2); ok {
		entry.File = file
		entry.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Function = fn.Name()
		}
	}

	if id := GetCorrelationID(ctx); id != "" {
		entry.CorrelationID = id
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if duration != nil {
		ms := duration.Milliseconds()
		entry.Duration = &ms
	}

	select {
	case l.entries <- entry:
	default:
		// buffer full: write inline rather than drop
		l.write(entry)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, DEBUG, component, action, message, first(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, INFO, component, action, message, first(fields), nil, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, WARN, component, action, message, first(fields), nil, nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, ERROR, component, action, message, first(fields), err, nil)
}

// Fatal logs a fatal message. It does not exit; callers decide.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, FATAL, component, action, message, first(fields), err, nil)
}

// WithDuration logs with timing information
func (l *Logger) WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...Fields) {
	l.log(ctx, level, component, action, message, first(fields), nil, &duration)
}

// StartTimer returns a function that logs the elapsed time when called.
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		l.WithDuration(ctx, DEBUG, component, action, message, time.Since(start))
	}
}

// AddWriter adds a new writer to the logger
func (l *Logger) AddWriter(writer io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = append(l.writers, writer)
}

// Close flushes pending entries and closes file writers.
func (l *Logger) Close() {
	l.closeOne.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()

		for _, w := range l.writers {
			if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
				_ = c.Close()
			}
		}
	})
}

var (
	globalLogger *Logger
	loggerMutex  sync.RWMutex
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return globalLogger
}

// Package-level helpers write through the global logger and are no-ops
// until one is installed.

func Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, DEBUG, component, action, message, first(fields), nil, nil)
	}
}

func Info(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, INFO, component, action, message, first(fields), nil, nil)
	}
}

func Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, WARN, component, action, message, first(fields), nil, nil)
	}
}

func Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, ERROR, component, action, message, first(fields), err, nil)
	}
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, FATAL, component, action, message, first(fields), err, nil)
	}
}

func WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, level, component, action, message, first(fields), nil, &duration)
	}
}
