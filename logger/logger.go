// Package logger builds the zap loggers used across peerlog.
package logger

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger at debug level writing to w.
func New(w io.Writer) *zap.Logger {
	return newLogger(w, "console", zapcore.DebugLevel)
}

// Config selects the output format and minimum level.
type Config struct {
	Format string        `yaml:"format"`
	Level  zapcore.Level `yaml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}

// New builds a logger writing to w. Format "auto" means console.
func (c Config) New(w io.Writer) (*zap.Logger, error) {
	format := strings.ToLower(c.Format)
	switch format {
	case "", "auto":
		format = "console"
	case "console", "json":
	default:
		return nil, fmt.Errorf("unknown logging format: %s", c.Format)
	}
	return newLogger(w, format, c.Level), nil
}

func newLogger(w io.Writer, format string, level zapcore.Level) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(config)
	} else {
		enc = zapcore.NewConsoleEncoder(config)
	}
	return zap.New(zapcore.NewCore(
		enc,
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	))
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

type loggerContextKey struct{}

// NewContextWithLogger returns a new context with log added.
func NewContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, log)
}

// FromContext returns the zap.Logger associated with ctx or nil if no logger has been assigned.
func FromContext(ctx context.Context) *zap.Logger {
	l, _ := ctx.Value(loggerContextKey{}).(*zap.Logger)
	return l
}
