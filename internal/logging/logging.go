// Package logging constructs the daemon's single process-wide structured logger:
// dual stdout+file output via zap, with structured fields so log output stays
// queryable by uuid and stage instead of line-oriented text.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger writing to both stdout and filePath (created if
// missing, appended to if present). This daemon does not implement log rotation;
// operators are expected to rotate logs/app.logs externally.
func New(level string, filePath string) (*zap.SugaredLogger, func(), error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), lvl),
	}

	cleanup := func() {}
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, cleanup, fmt.Errorf("logging: mkdir for %s: %w", filePath, err)
		}
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("logging: open %s: %w", filePath, err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), lvl))
		cleanup = func() { _ = f.Close() }
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core)
	return logger.Sugar(), cleanup, nil
}

// WithOrder returns a child logger tagged with the order's uuid, the convention every
// per-order log line in this daemon follows so log output stays searchable by uuid.
func WithOrder(l *zap.SugaredLogger, uuid string) *zap.SugaredLogger {
	return l.With("uuid", uuid)
}
