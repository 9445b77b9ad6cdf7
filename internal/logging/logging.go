// Package logging builds the gateway's zerolog loggers and carries them
// through request contexts.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the log sinks. The file sink rotates through lumberjack.
type LogConfig struct {
	Level      string
	Console    bool
	JSON       bool // JSON lines on stdout instead of the console writer
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig logs to the console at info.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		FilePath:   filepath.Join(home, ".config", "broker-gateway", "logs", "gateway.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

func (c LogConfig) sinks() []io.Writer {
	var out []io.Writer
	switch {
	case c.Console && c.JSON:
		out = append(out, os.Stdout)
	case c.Console:
		out = append(out, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	if c.File {
		// An unwritable log dir drops the file sink rather than failing startup.
		if err := os.MkdirAll(filepath.Dir(c.FilePath), 0o755); err == nil {
			out = append(out, &lumberjack.Logger{
				Filename:   c.FilePath,
				MaxSize:    c.MaxSize,
				MaxBackups: c.MaxBackups,
				MaxAge:     c.MaxAge,
				Compress:   true,
			})
		}
	}
	return out
}

// NewLogger returns a console logger at info.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig fans out to every configured sink, falling back to
// stdout when none is enabled.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var w io.Writer = os.Stdout
	if sinks := cfg.sinks(); len(sinks) == 1 {
		w = sinks[0]
	} else if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	return zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel accepts zerolog level names case-insensitively. Empty or
// unknown names mean info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// WithLogger stores a request-scoped logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the stored logger or a disabled one.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Component tags a child logger with the subsystem name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// WithBroker scopes a logger to one user's broker session.
func WithBroker(logger zerolog.Logger, userID, broker string) zerolog.Logger {
	return logger.With().Str("user", userID).Str("broker", broker).Logger()
}

// LogOrder records an order the broker accepted or changed.
func LogOrder(logger zerolog.Logger, broker, orderID, symbol, side, status string) {
	logger.Info().
		Str("event", "order").
		Str("broker", broker).
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("status", status).
		Msg("order update")
}

// LogBrokerCall logs failures at warn and successes at debug.
func LogBrokerCall(logger zerolog.Logger, broker, op string, took time.Duration, err error) {
	ev, msg := logger.Debug(), "broker call completed"
	if err != nil {
		ev, msg = logger.Warn().Err(err), "broker call failed"
	}
	ev.Str("event", "broker_call").Str("broker", broker).Str("op", op).Dur("duration", took).Msg(msg)
}
