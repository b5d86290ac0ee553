// Package logging owns process-wide logger initialization. It is
// idempotent: repeated calls to Init return the same *zap.Logger.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvVar is the environment variable that sets the log level, mirroring
// the teacher's FUBUKI_LOG convention.
const EnvVar = "MESHTUN_LOG"

var (
	once   sync.Once
	logger *zap.Logger
)

// Init builds the process-wide logger from MESHTUN_LOG (default "info")
// and returns it. Safe to call from multiple goroutines; only the first
// call's configuration takes effect.
func Init() *zap.Logger {
	once.Do(func() {
		level := levelFromEnv()
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build()
		if err != nil {
			// Fall back to a no-op logger so callers always get a non-nil
			// logger; this should only happen on a broken sink.
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}

// L returns the process logger, initializing it on first use.
func L() *zap.Logger {
	if logger == nil {
		return Init()
	}
	return logger
}

func levelFromEnv() zapcore.Level {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(EnvVar)))
	switch raw {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "", "info":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}
