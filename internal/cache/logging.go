package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

// Supported log levels, from most to least verbose.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// SlogLevel returns the equivalent slog level.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger provides structured logging for the cache system.
// A nil or zero Logger discards everything.
type Logger struct {
	impl   *slog.Logger
	config LogConfig
}

// LogConfig holds configuration for the cache logger.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error)
	Level LogLevel
	// EnableCallerInfo includes file and line number in logs
	EnableCallerInfo bool
	// JSON switches the output from logfmt-style text to JSON lines
	JSON bool
	// Output is where log lines are written. Defaults to os.Stderr.
	Output io.Writer
}

// DefaultLogConfig returns a default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            LogLevelInfo,
		EnableCallerInfo: false,
	}
}

// NewLogger creates a new structured logger with the given configuration.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level.SlogLevel(),
		AddSource: config.EnableCallerInfo,
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{impl: slog.New(handler), config: config}
}

// NewLoggerFromSlog wraps an existing slog logger. A nil logger yields a no-op logger.
func NewLoggerFromSlog(l *slog.Logger) *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return &Logger{impl: l}
}

// Slog returns the underlying slog logger, or nil for a no-op logger.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return nil
	}
	return l.impl
}

// NewNopLogger creates a no-op logger that discards all log messages.
func NewNopLogger() *Logger {
	return &Logger{}
}

// Debug logs debug-level messages
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if l != nil && l.impl != nil {
		l.impl.DebugContext(ctx, msg, args...)
	}
}

// Info logs info-level messages
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	if l != nil && l.impl != nil {
		l.impl.InfoContext(ctx, msg, args...)
	}
}

// Warn logs warning-level messages
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	if l != nil && l.impl != nil {
		l.impl.WarnContext(ctx, msg, args...)
	}
}

// Error logs error-level messages
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	if l != nil && l.impl != nil {
		l.impl.ErrorContext(ctx, msg, args...)
	}
}

// With returns a logger with additional context fields
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.impl == nil {
		return l
	}
	return &Logger{impl: l.impl.With(args...), config: l.config}
}

// WithOperation returns a logger with operation context
func (l *Logger) WithOperation(operation Operation) *Logger {
	return l.With("operation", string(operation))
}

// WithKey returns a logger with cache key context
func (l *Logger) WithKey(key string) *Logger {
	return l.With("key", key)
}

// Operation names a cache or worker operation for logging.
type Operation string

// Operation constants used in log records.
const (
	OpMatch       Operation = "match"
	OpPut         Operation = "put"
	OpDelete      Operation = "delete"
	OpEvict       Operation = "evict"
	OpInstall     Operation = "install"
	OpActivate    Operation = "activate"
	OpFetch       Operation = "fetch"
	OpDownloadAll Operation = "download_all"
	OpWipe        Operation = "wipe"
)

// LogCacheOperation logs a cache operation with performance metrics.
func LogCacheOperation(
	ctx context.Context,
	logger *Logger,
	operation Operation,
	duration time.Duration,
	success bool,
	size int64,
	err error,
) {
	if logger == nil {
		return
	}

	fields := []any{
		"operation", string(operation),
		"duration_ms", duration.Milliseconds(),
		"success", success,
	}
	if size > 0 {
		fields = append(fields, "size", size)
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}

	if success {
		logger.Debug(ctx, "cache operation completed", fields...)
	} else {
		logger.Warn(ctx, "cache operation failed", fields...)
	}
}

// LogCacheHit logs a cache hit event.
func LogCacheHit(ctx context.Context, logger *Logger, operation Operation, size int64) {
	if logger == nil {
		return
	}
	logger.Debug(ctx, "cache hit",
		"operation", string(operation),
		"size", size,
		"result", "hit")
}

// LogCacheMiss logs a cache miss event.
func LogCacheMiss(ctx context.Context, logger *Logger, operation Operation, key string) {
	if logger == nil {
		return
	}
	logger.Debug(ctx, "cache miss",
		"operation", string(operation),
		"key", key,
		"result", "miss")
}

// LogEviction logs an eviction event.
func LogEviction(ctx context.Context, logger *Logger, key string, reason string) {
	if logger == nil {
		return
	}
	logger.Info(ctx, "cache entry evicted",
		"operation", string(OpEvict),
		"key", key,
		"reason", reason)
}

// LogPerformanceMetrics logs a metrics snapshot.
func LogPerformanceMetrics(ctx context.Context, logger *Logger, metrics *MetricsSnapshot) {
	if logger == nil || metrics == nil {
		return
	}
	logger.Info(ctx, "cache performance metrics",
		"hit_rate", fmt.Sprintf("%.2f", metrics.HitRate),
		"hits", metrics.Hits,
		"misses", metrics.Misses,
		"evictions", metrics.Evictions,
		"errors", metrics.Errors,
		"network_fetches", metrics.NetworkFetches,
		"network_failures", metrics.NetworkFailures,
		"fallbacks", metrics.Fallbacks,
		"bytes_stored", metrics.BytesStored,
		"uptime", metrics.Uptime.String(),
	)
}

// ParseLogLevel parses a string log level into a LogLevel.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug, nil
	case "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}
