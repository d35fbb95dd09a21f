// Package observability provides structured logging with sensitive-data
// redaction and Prometheus metrics for the zenflux runtime.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the type for context keys used in logging correlation.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey is the context key for session IDs.
	SessionIDKey ContextKey = "session_id"

	// UserIDKey is the context key for user IDs.
	UserIDKey ContextKey = "user_id"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// sensitivePattern matches the credential markers that must never reach a
// user-visible error string: api_key, token, password, secret, credential,
// authorization, bearer, and sk-/pk- key prefixes.
var sensitivePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|credential|authorization|bearer|sk-|pk-)`)

// redactPatterns strip concrete secret values out of log records.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`),
	regexp.MustCompile(`(?i)(bearer|token|authorization)[\s:=]+([a-zA-Z0-9_\-.]{16,})`),
	regexp.MustCompile(`(?i)(secret|password|credential)[\s:=]+["']?([^\s"']{8,})["']?`),
	regexp.MustCompile(`\b[sp]k-[a-zA-Z0-9_\-]{16,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
}

// SafeErrorMessage is the generic replacement for error strings that contain
// credential material.
const SafeErrorMessage = "system error, please retry"

// NewLogger creates a structured slog logger with the given configuration.
// Records pass through a redacting handler before being written.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(Redact(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// Redact replaces secret values embedded in s while keeping the surrounding
// text readable. Used on log attributes, where the detail should survive.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Sanitize returns a user-safe rendering of an error message. Any message
// containing a credential marker is replaced wholesale with SafeErrorMessage;
// internal logs keep the detail via Redact.
func Sanitize(msg string) string {
	if sensitivePattern.MatchString(msg) {
		return SafeErrorMessage
	}
	return msg
}

// WithContext returns a logger enriched with correlation fields present on
// the context (request_id, session_id, user_id).
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		logger = logger.With("request_id", v)
	}
	if v, ok := ctx.Value(SessionIDKey).(string); ok && v != "" {
		logger = logger.With("session_id", v)
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		logger = logger.With("user_id", v)
	}
	return logger
}
