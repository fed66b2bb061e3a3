// Package logging wraps zap into the single global logger every
// component pulls a named sub-logger from.
package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes the logger's sinks and verbosity.
type Config struct {
	Path    string // file to also write to; empty disables file sink
	Level   string // debug|info|warn|error
	Console bool   // write human-readable output to stderr
}

var (
	global     *zap.Logger
	globalOnce sync.Once
	globalErr  error

	mu      sync.Mutex
	closers []io.Closer
)

// Init builds the global zap logger once. Subsequent calls are no-ops
// and return the logger built on the first call.
func Init(cfg Config) (*zap.Logger, error) {
	globalOnce.Do(func() {
		var c []io.Closer
		var l *zap.Logger
		l, c, globalErr = build(cfg)
		if globalErr != nil {
			return
		}
		global = l
		mu.Lock()
		closers = append(closers, c...)
		mu.Unlock()
		zap.ReplaceGlobals(global)
		_ = zap.RedirectStdLog(global)
	})
	return global, globalErr
}

// L returns the global zap logger, falling back to zap.L() if Init was
// never called (e.g. in unit tests that exercise a package in
// isolation).
func L() *zap.Logger {
	if global != nil {
		return global
	}
	return zap.L()
}

// Named returns a sugared logger scoped to a component name, e.g.
// logging.Named("commitment").
func Named(name string) *zap.SugaredLogger {
	return L().Named(name).Sugar()
}

// Sync flushes buffered log entries and closes any opened sinks.
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
	mu.Lock()
	defer mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	closers = nil
}

func build(cfg Config) (*zap.Logger, []io.Closer, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		_ = level.Set(cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	var closed []io.Closer

	if cfg.Console || cfg.Path == "" {
		consoleEnc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level))
	}
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		jsonEnc := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(jsonEnc, zapcore.AddSync(f), level))
		closed = append(closed, f)
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller())
	return logger, closed, nil
}
