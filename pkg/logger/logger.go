package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerInterface defines the methods that your logger should implement.
type LoggerInterface interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Sync() error
}

// Logger represents a logger instance.
type Logger struct {
	*zap.SugaredLogger
}

// NewLogger creates a logger writing at level to path. An empty path
// writes to stderr.
func NewLogger(level, path string) (LoggerInterface, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	if path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{SugaredLogger: l.Sugar()}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() LoggerInterface {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.Infof(format, v...)
}
