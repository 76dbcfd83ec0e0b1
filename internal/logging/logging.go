// Package logging configures slog and derives the harvester's scoped loggers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format    string `yaml:"format" envconfig:"FORMAT" validate:"omitempty,oneof=json text"`
	Level     string `yaml:"level" envconfig:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	AddSource bool   `yaml:"add_source" envconfig:"ADD_SOURCE"`
}

// Setup installs the default logger on stdout.
func Setup(cfg Config) *slog.Logger {
	return SetupWriter(cfg, os.Stdout)
}

// SetupWriter installs the default logger on w and returns it.
func SetupWriter(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type runIDKey struct{}

// NewRunID returns a short id shared by every log line of one job.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// WithRunID attaches a run id to ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id carried by ctx, if any.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// EnsureRunID returns ctx with a run id, generating one when missing.
func EnsureRunID(ctx context.Context) context.Context {
	if RunID(ctx) != "" {
		return ctx
	}
	return WithRunID(ctx, NewRunID())
}

// FromContext returns the default logger, tagged with the run id when present.
func FromContext(ctx context.Context) *slog.Logger {
	if id := RunID(ctx); id != "" {
		return slog.Default().With("run_id", id)
	}
	return slog.Default()
}

// ShardLogger scopes a logger to one shard of a year.
func ShardLogger(ctx context.Context, year, shardID, start, end int) *slog.Logger {
	return FromContext(ctx).With(
		"year", year,
		"shard_id", shardID,
		"page_start", start,
		"page_end", end,
	)
}

// WorkerLogger scopes a logger to a pool worker.
func WorkerLogger(ctx context.Context, workerID int) *slog.Logger {
	return FromContext(ctx).With("worker_id", workerID)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
