package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config selects the level and sink of a process logger. It is filled from
// config.LoggingConfig; the config package imports this one, not the
// other way round.
type Config struct {
	Level     string
	Output    string // stdout (default), file, both
	FilePath  string
	MaxSizeMB int
	MaxFiles  int
	Service   string
}

type ctxKey struct{ name string }

var (
	loggerKey        = ctxKey{"logger"}
	correlationIDKey = ctxKey{"correlation_id"}
)

// New returns a JSON logger on stdout. Unknown or empty levels mean info.
func New(level string) zerolog.Logger {
	return build(os.Stdout, level, "")
}

// NewFromConfig builds the logger for one binary. Output "file" writes only
// to the rotating file and "both" tees stdout into it; anything else is
// stdout. A non-empty Service is stamped on every entry.
func NewFromConfig(cfg Config) zerolog.Logger {
	return build(sink(cfg), cfg.Level, cfg.Service)
}

func sink(cfg Config) io.Writer {
	if cfg.Output != "file" && cfg.Output != "both" {
		return os.Stdout
	}
	file := NewFileWriter(FileConfig{
		Path:      cfg.FilePath,
		MaxSizeMB: cfg.MaxSizeMB,
		MaxFiles:  cfg.MaxFiles,
	})
	if cfg.Output == "file" {
		return file
	}
	return zerolog.MultiLevelWriter(os.Stdout, file)
}

func build(w io.Writer, level, service string) zerolog.Logger {
	zctx := zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp()
	if service != "" {
		zctx = zctx.Str("service", service)
	}
	return zctx.Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithLogger attaches a logger, usually one already carrying email_id and
// delivery_id fields, to ctx.
func WithLogger(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// Ctx returns the logger attached to ctx, or fallback when there is none.
// A correlation id set on ctx is added as a field.
func Ctx(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	log := fallback
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		log = l
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		log = log.With().Str("correlation_id", id).Logger()
	}
	return log
}

// WithCorrelationID stores a correlation id in ctx.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext returns the correlation id in ctx, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// NewCorrelationID returns a random UUID string.
func NewCorrelationID() string {
	return uuid.NewString()
}
