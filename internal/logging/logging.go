// Package logging provides a configured slog logger with:
// - TTY detection for human-readable vs JSON output
// - LOG_FORMAT override (text/json)
// - LOG_LEVEL (debug/info/warn/error)
// - Context-based request ID and origin extraction for filtering
// - Dynamic filter-based logging via slog-logfilter library
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	logfilter "github.com/jmylchreest/slog-logfilter"
)

// ContextKey is a type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey ContextKey = "log_request_id"
	// OriginKey is the context key for the target origin of a request.
	OriginKey ContextKey = "log_origin"
)

// Options selects level and output format. Empty fields fall back to info
// and TTY detection.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// WithRequestID adds a request ID to the context for logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithOrigin adds the target origin to the context for logging.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, OriginKey, origin)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// GetOrigin extracts the origin from context.
func GetOrigin(ctx context.Context) string {
	return stringValue(ctx, OriginKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// FromContext returns a logger with request ID and origin from context added
// as attributes.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}

	var args []any
	if requestID := GetRequestID(ctx); requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if origin := GetOrigin(ctx); origin != "" {
		args = append(args, "origin", origin)
	}
	if len(args) == 0 {
		return logger
	}
	return logger.With(args...)
}

var registerOnce sync.Once

// registerContextExtractors registers the context extractors for filtering.
func registerContextExtractors() {
	registerOnce.Do(func() {
		for name, key := range map[string]ContextKey{
			"request_id": RequestIDKey,
			"origin":     OriginKey,
		} {
			key := key
			logfilter.RegisterContextExtractor(name, func(ctx context.Context) (string, bool) {
				s := stringValue(ctx, key)
				return s, s != ""
			})
		}
	})
}

// New creates a new configured logger using slog-logfilter.
// Format is "text" or "json"; when empty, text is used on a TTY and JSON
// otherwise.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	format := "json"
	switch strings.ToLower(opts.Format) {
	case "text":
		format = "text"
	case "json":
	default:
		if f, ok := out.(*os.File); ok && isatty(f) {
			format = "text"
		}
	}

	registerContextExtractors()

	return logfilter.New(
		logfilter.WithLevel(ParseLevel(opts.Level)),
		logfilter.WithFormat(format),
		logfilter.WithOutput(out),
		logfilter.WithSource(true),
	)
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault creates a new logger and sets it as the default slog logger.
func SetDefault(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level at runtime.
func SetLevel(level slog.Level) {
	logfilter.SetLevel(level)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return logfilter.GetLevel()
}

// isatty returns true if the file is a terminal.
func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
