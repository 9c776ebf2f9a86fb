package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// newLogger builds the daemon logger writing to logs/daemon.log and stderr.
// The returned AtomicLevel lets config hot-reload adjust verbosity without a
// restart.
func newLogger(dataDir, level string) (*zap.SugaredLogger, zap.AtomicLevel, func(), error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, zap.AtomicLevel{}, nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, zap.AtomicLevel{}, nil, fmt.Errorf("open daemon log: %w", err)
	}

	atomicLevel := zap.NewAtomicLevelAt(parseLevel(level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(logFile), atomicLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), atomicLevel),
	)

	logger := zap.New(core).Sugar().Named("drover")
	closeFn := func() {
		_ = logger.Sync()
		_ = logFile.Close()
	}
	return logger, atomicLevel, closeFn, nil
}
