// Package log builds the zap loggers used by hen daemons and carries them
// through contexts, so a handler logs with the method, sequence and peer of the
// request it serves.
package log

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config is the [log] section of a daemon configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level,omitempty"`
	// Format is console or json.
	Format string `toml:"format,omitempty"`
}

// InitDefaults fills unset fields.
func (c *Config) InitDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatConsole
	}
}

// Validate checks that the level and format are known.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return errors.NotValidf("log level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case FormatConsole, FormatJSON:
	default:
		return errors.NotValidf("log format %q", c.Format)
	}
	return nil
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.Level)

	zc := zap.NewProductionConfig()
	if strings.ToLower(cfg.Format) == FormatConsole {
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableStacktrace = true
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Annotate(err, "building logger")
	}
	return logger, nil
}

type loggerContextKey struct{}

// CtxWith returns a context carrying logger.
func CtxWith(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromCtx returns the logger carried by ctx, or a no-op logger. It never
// returns nil.
func FromCtx(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerContextKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop()
}

// WithFields returns a context whose logger carries the extra fields, and that
// logger.
func WithFields(ctx context.Context, fields ...zap.Field) (context.Context, *zap.Logger) {
	l := FromCtx(ctx).With(fields...)
	return CtxWith(ctx, l), l
}
