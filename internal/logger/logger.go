package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout.
func New(config Config) *Logger {
	return NewWithWriter(os.Stdout, config)
}

func NewWithWriter(w io.Writer, config Config) *Logger {
	if config.Format == "json" {
		opts := &slog.HandlerOptions{
			Level: config.Level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String(a.Key, a.Value.Time().Format(time.RFC3339))
				}
				return a
			},
		}
		return &Logger{Logger: slog.New(slog.NewJSONHandler(w, opts))}
	}

	return &Logger{Logger: slog.New(tint.NewHandler(w, &tint.Options{
		Level:      config.Level,
		TimeFormat: time.Kitchen,
	}))}
}

// FromConfig maps the config file values onto a logger Config.
func FromConfig(logLevel, logFormat string) Config {
	config := Config{
		Level:  slog.LevelInfo,
		Format: "text",
	}

	switch strings.ToLower(logLevel) {
	case "debug":
		config.Level = slog.LevelDebug
	case "warn":
		config.Level = slog.LevelWarn
	case "error":
		config.Level = slog.LevelError
	}

	if logFormat != "" {
		config.Format = logFormat
	}
	if os.Getenv("APP_ENV") == "production" {
		config.Format = "json"
	}
	return config
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithComponent creates a new logger with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.With(slog.String("component", component))
}

// LogError logs err under msg with extra attributes.
func (l *Logger) LogError(err error, msg string, args ...any) {
	l.Error(msg, append([]any{slog.String("error", err.Error())}, args...)...)
}

// With returns a logger carrying args, keeping the wrapper type.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}
