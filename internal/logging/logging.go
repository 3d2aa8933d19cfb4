// Package logging wraps zap behind the field-based API the rest of this
// tree already uses, so call sites read the same whether the record
// eventually reaches zap's JSON encoder or its console encoder.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a type alias so callers never import zap directly.
type Field = zap.Field

func String(key, value string) Field            { return zap.String(key, value) }
func Int(key string, value int) Field           { return zap.Int(key, value) }
func Int64(key string, value int64) Field       { return zap.Int64(key, value) }
func Uint64(key string, value uint64) Field      { return zap.Uint64(key, value) }
func Float64(key string, value float64) Field    { return zap.Float64(key, value) }
func Bool(key string, value bool) Field          { return zap.Bool(key, value) }
func Err(err error) Field                        { return zap.Error(err) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Any(key string, value interface{}) Field    { return zap.Any(key, value) }
func Stringer(key string, value fmt.Stringer) Field { return zap.Stringer(key, value) }

// Logger is a component-scoped structured logger. It never panics the
// process on a Fatal call from a remote-peer-driven code path; Fatal is
// reserved for startup failures in cmd/.
type Logger struct {
	z *zap.Logger
}

// New builds a root Logger. development=true uses a human-readable console
// encoder with color; false uses the JSON production encoder.
func New(development bool, level zapcore.Level) *Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Building the logger itself failing means the process cannot
		// report anything useful; fall back to zap's no-op logger rather
		// than crash a library caller.
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

// Named returns a component-scoped child logger, mirroring DefaultLogger(component).
func (l *Logger) Named(component string) *Logger {
	return &Logger{z: l.z.Named(component)}
}

func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Fatal logs and exits. Only ever called from cmd/ startup paths.
func (l *Logger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }

// Sync flushes buffered log entries; call once before process exit.
func (l *Logger) Sync() error { return l.z.Sync() }
