package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/appkins-org/ovs-vlan-agent/internal/config"
)

// newLogger builds a zap-backed logr.Logger. Debug level enables V(1) and
// V(2) output; a file path switches output to a rotating log file.
func newLogger(cfg config.LoggingConfig) (logr.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zapcore.DebugLevel {
		// logr V(n) maps to zap level -n.
		level = zapcore.Level(-2)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.FilePath != "" {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	}

	zapLogger := zap.New(zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level)), zap.AddCaller())
	return zapr.NewLogger(zapLogger), func() { _ = zapLogger.Sync() }, nil
}
