// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go-fanline/internal/metrics"
)

type Config struct {
	Service  string `mapstructure:"service"`
	Level    string `mapstructure:"level"`    // debug|info|warn|error
	Encoding string `mapstructure:"encoding"` // json|console
}

// New returns a logger writing to stdout. Every entry is also counted in
// metrics.LogEntries by level. The returned AtomicLevel can be changed at
// runtime.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Encoding) {
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json", "":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("log encoding %q: want json or console", cfg.Encoding)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	core = metricsCore{Core: core}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	return zap.New(core, opts...), level, nil
}

// MustInitGlobal builds the logger, installs it as zap's global and lets
// SIGHUP toggle between debug and the configured level.
func MustInitGlobal(cfg Config) *zap.Logger {
	l, level, err := New(cfg)
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	toggleOnHUP(level)
	return l
}

func toggleOnHUP(level zap.AtomicLevel) {
	base := level.Level()
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for range c {
			if level.Level() == zapcore.DebugLevel {
				level.SetLevel(base)
			} else {
				level.SetLevel(zapcore.DebugLevel)
			}
			zap.L().Info("log level toggled", zap.Stringer("now", level.Level()))
		}
	}()
}

// metricsCore counts entries that pass the level check.
type metricsCore struct {
	zapcore.Core
}

func (m metricsCore) With(fields []zapcore.Field) zapcore.Core {
	return metricsCore{Core: m.Core.With(fields)}
}

func (m metricsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if m.Enabled(ent.Level) {
		metrics.LogEntries.WithLabelValues(ent.Level.String()).Inc()
	}
	return m.Core.Check(ent, ce)
}
