package observ

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	root   *zap.Logger
	rootIn bool
)

// Logger returns the process-wide structured logger, building a production
// JSON logger on first use.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !rootIn {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
		if err != nil {
			l = zap.NewNop()
		}
		root = l
		rootIn = true
	}
	return root
}

// Named returns a child logger scoped to a component name.
func Named(name string) *zap.Logger {
	return Logger().Named(name)
}

// SetLogger replaces the process logger. Tests use this to silence output or
// capture entries.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	rootIn = true
}

// Configure rebuilds the process logger at the named level (debug, info,
// warn, error). Unknown levels fall back to info.
func Configure(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return
	}
	SetLogger(l)
}
