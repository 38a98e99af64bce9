// Package mlog sets up the process-wide zap logger and keeps a handle to
// it so packages that don't get a *zap.Logger passed down to them (flag
// handling, config loading, very early startup) can still log somewhere
// sane.
package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the "log" section of the main config file.
type Config struct {
	Level    string `yaml:"level"`     // debug/info/warn/error, default info
	File     string `yaml:"file"`      // log file path, "" means no file output
	NoStdout bool   `yaml:"no_stdout"` // disable stdout output
	Format   string `yaml:"format"`    // "console" (default) or "json"
}

var nop = zap.NewNop()

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(nop)
}

// L returns the current global logger. Safe for concurrent use. Returns
// a no-op logger before NewLogger is called the first time.
func L() *zap.Logger {
	return global.Load()
}

// NewLogger builds a logger from cfg, sets it as the global logger and
// returns it.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var writers []zapcore.WriteSyncer
	if !cfg.NoStdout {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if len(cfg.File) > 0 {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, zapcore.AddSync(f))
	}
	if len(writers) == 0 {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(writers...), level)
	lg := zap.New(core)
	global.Store(lg)
	return lg, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if len(s) == 0 {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %s: %w", s, err)
	}
	return l, nil
}
