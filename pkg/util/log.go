package util

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a JSON logger on stdout. level is one of debug, info, warn
// or error; empty means info.
func NewLogger(level string) (*zap.Logger, error) {
	return newLogger(level, zapcore.AddSync(os.Stdout))
}

// NewLoggerWithFile logs to stdout and appends the same records to logPath.
func NewLoggerWithFile(logPath, level string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return newLogger(level, zapcore.AddSync(os.Stdout), zapcore.AddSync(f))
}

func newLogger(level string, sinks ...zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(level); err != nil {
			return nil, err
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := make([]zapcore.Core, len(sinks))
	for i, s := range sinks {
		cores[i] = zapcore.NewCore(zapcore.NewJSONEncoder(enc), s, lvl)
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
