// Package logging builds the zap loggers shared by clients, servers and registries.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger writing to stderr. Debug lowers the
// level from info to debug.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// OrDefault returns l, or a logger built for debug when l is nil. It falls
// back to a no-op logger if that cannot be built.
func OrDefault(l *zap.Logger, debug bool) *zap.Logger {
	if l != nil {
		return l
	}
	built, err := New(debug)
	if err != nil {
		return zap.NewNop()
	}
	return built
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
