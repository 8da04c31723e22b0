package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger carrying the run, node and token fields the
// engine attaches as work moves through the graph. Loggers are immutable;
// every With method returns a child.
type Logger struct {
	zlog zerolog.Logger
}

type loggerKey struct{}

// NewLogger opens the configured output and builds a logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output %s: %w", cfg.Output, err)
		}
		w = f
	}
	return buildLogger(w, cfg), nil
}

// NewWriterLogger builds a JSON logger on w at the given level.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return buildLogger(w, LoggingConfig{Level: level, Format: "json"})
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func buildLogger(w io.Writer, cfg LoggingConfig) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zc := zerolog.New(w).Level(lvl).With().Timestamp()
	if cfg.EnableCaller {
		zc = zc.Caller()
	}
	zl := zc.Logger()
	if cfg.SampleEvery > 1 {
		zl = zl.Sample(zerolog.LevelSampler{
			TraceSampler: &zerolog.BasicSampler{N: cfg.SampleEvery},
			DebugSampler: &zerolog.BasicSampler{N: cfg.SampleEvery},
		})
	}
	return &Logger{zlog: zl}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or a plain JSON logger on
// stderr when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *Logger) child(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger tags every line with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

func (l *Logger) WithField(key string, value any) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

func (l *Logger) WithNodeID(nodeID string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("node_id", nodeID) })
}

func (l *Logger) WithTokenID(tokenID string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Str("token_id", tokenID) })
}

// WithPlugin tags lines with the plugin name and the kind of node it backs.
func (l *Logger) WithPlugin(name, nodeType string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Str("plugin", name).Str("node_type", nodeType)
	})
}

func (l *Logger) WithError(err error) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// Zerolog exposes the underlying logger for events that need typed fields.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
