// Package logger initializes the service-wide zap logger. Components receive
// a named child logger through their constructors.
package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds a production JSON logger tagged with the service name.
// level accepts zap level strings ("debug", "info", "warn", "error");
// anything unparseable falls back to info.
func Init(service, level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "time"

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	l = l.With(zap.String("service", service))
	zap.ReplaceGlobals(l)
	return l
}

// Nop returns a no-op logger for tests.
func Nop() *zap.Logger { return zap.NewNop() }
