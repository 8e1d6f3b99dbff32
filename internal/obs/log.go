// Package obs bundles the observability surface of the core: the shared
// structured logger and the Prometheus metrics stamped on every operation.
package obs

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the production JSON logger. LOG_LEVEL=debug lowers the
// threshold; anything else logs at info.
func NewLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if os.Getenv("LOG_LEVEL") == "debug" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, _ := cfg.Build()
	return l.Sugar()
}

// NopLogger returns a logger that discards everything. Test constructors use
// it so assertions stay quiet.
func NopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
