package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config controls how log records are formatted and filtered
type Config struct {
	// Level is the minimum level to emit: debug, info, warn or error
	Level string
	// JSON selects JSON records; text otherwise
	JSON bool
	// Output receives the records, os.Stderr when nil
	Output io.Writer
	// AddSource annotates records with file and line
	AddSource bool
}

// DefaultConfig is the production setup: JSON at info level on stderr
func DefaultConfig() Config {
	return Config{Level: "info", JSON: true}
}

// Logger is a slog.Logger with request-scoping helpers
type Logger struct {
	*slog.Logger
}

var global *Logger

// New builds a logger from config
func New(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// SetGlobal installs the process-wide logger
func SetGlobal(logger *Logger) {
	global = logger
}

// GetGlobal returns the process-wide logger, creating a default one on
// first use
func GetGlobal() *Logger {
	if global == nil {
		global = New(DefaultConfig())
	}
	return global
}

// LogError logs msg at error level with the error attached
func (l *Logger) LogError(err error, msg string, args ...any) {
	l.Error(msg, append([]any{"error", err.Error()}, args...)...)
}

func (l *Logger) with(key, value string) *Logger {
	if value == "" {
		return l
	}
	return &Logger{Logger: l.With(key, value)}
}

// WithRequestID scopes the logger to one request
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.with("request_id", requestID)
}

// WithUserID scopes the logger to one user
func (l *Logger) WithUserID(userID string) *Logger {
	return l.with("user_id", userID)
}

// WithConversationID scopes the logger to one conversation
func (l *Logger) WithConversationID(conversationID string) *Logger {
	return l.with("conversation_id", conversationID)
}

// LogRequest emits the per-request completion line
func (l *Logger) LogRequest(method, path string, status int, latency time.Duration) {
	l.Info("request completed",
		"method", method,
		"path", path,
		"status", status,
		"latency_ms", latency.Milliseconds(),
	)
}
