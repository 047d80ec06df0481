package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It is a no-op until Initialize is called,
// so library packages and tests can log without any setup.
var (
	Log = &LogInfo{log: zap.NewNop()}
	mu  sync.Mutex
)

// LogInfo wraps a zap logger with the small surface this codebase uses.
type LogInfo struct {
	log *zap.Logger
}

// Initialize configures the global logger. JSON output in production,
// console encoding with debug level otherwise.
func Initialize(serviceName string, development bool) *LogInfo {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.OutputPaths = []string{"stdout"}

	l, err := cfg.Build(zap.AddCallerSkip(1), zap.Fields(zap.String("service", serviceName)))
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		l = zap.NewNop()
	}

	mu.Lock()
	Log = &LogInfo{log: l}
	mu.Unlock()
	return Log
}

func (l *LogInfo) Debug(msg string, fields ...zap.Field) { l.log.Debug(msg, fields...) }
func (l *LogInfo) Info(msg string, fields ...zap.Field)  { l.log.Info(msg, fields...) }
func (l *LogInfo) Warn(msg string, fields ...zap.Field)  { l.log.Warn(msg, fields...) }
func (l *LogInfo) Error(msg string, fields ...zap.Field) { l.log.Error(msg, fields...) }

// Fatal logs the message, flushes and exits.
func (l *LogInfo) Fatal(msg string, fields ...zap.Field) {
	l.log.Error(msg, fields...)
	_ = l.log.Sync()
	os.Exit(1)
}

// Sync flushes buffered log entries.
func (l *LogInfo) Sync() {
	_ = l.log.Sync()
}
