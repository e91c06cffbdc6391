// Package log provides structured logging for the channel update core. It
// wraps Go's log/slog with conveniences such as per-module child loggers and
// a rotating file sink for long-running peers.
package log

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog.Logger with channel-core-specific context.
type Logger struct {
	inner *slog.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger *Logger

func init() {
	defaultLogger = New(slog.LevelInfo)
}

// New creates a Logger that writes JSON lines to stderr at the given level,
// via JSONFormatter.
func New(level slog.Level) *Logger {
	return NewWithFormatter(os.Stderr, level, &JSONFormatter{})
}

// NewWithFormatter creates a Logger that renders every record through
// formatter (TextFormatter, JSONFormatter, or ColorFormatter) and writes the
// result to w, one line per record.
func NewWithFormatter(w io.Writer, level slog.Level, formatter LogFormatter) *Logger {
	h := newFormatterHandler(w, level, formatter)
	return &Logger{inner: slog.New(h)}
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler. This
// is useful for testing or for writing to a custom destination.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// FileConfig configures a rotating-file log sink.
type FileConfig struct {
	// Path is the log file path.
	Path string
	// MaxSizeMB is the size in megabytes a log file may grow to before rotation.
	MaxSizeMB int
	// MaxBackups is the number of old log files to retain.
	MaxBackups int
	// MaxAgeDays is the number of days to retain old log files.
	MaxAgeDays int
	// Level is the minimum level written to the file.
	Level slog.Level
	// Formatter renders each record. Defaults to JSONFormatter when nil.
	Formatter LogFormatter
}

// NewFile creates a Logger that writes to a rotating file, for long-running
// peers that cannot log to stderr. Rotation is handled by lumberjack so the
// process never needs to reopen the file itself.
func NewFile(cfg FileConfig) *Logger {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	formatter := cfg.Formatter
	if formatter == nil {
		formatter = &JSONFormatter{}
	}
	return NewWithFormatter(w, cfg.Level, formatter)
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger with an additional "module" attribute. This
// is the primary way subsystems (sync, validate, store, ...) obtain their
// own contextual logger.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// ---------------------------------------------------------------------------
// Package-level convenience functions -- delegate to defaultLogger.
// ---------------------------------------------------------------------------

// Debug logs at LevelDebug using the default logger.
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }

// Info logs at LevelInfo using the default logger.
func Info(msg string, args ...any) { defaultLogger.Info(msg, args...) }

// Warn logs at LevelWarn using the default logger.
func Warn(msg string, args ...any) { defaultLogger.Warn(msg, args...) }

// Error logs at LevelError using the default logger.
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }
