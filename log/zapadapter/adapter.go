// Package zapadapter provides a pqpipe.Logger backed by go.uber.org/zap.
package zapadapter

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pqpipe"
)

// Logger adapts a zap.Logger to the pqpipe.Logger interface.
type Logger struct {
	logger *zap.Logger
}

// NewLogger wraps logger for use as a pqpipe.Logger.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (l *Logger) Log(level pqpipe.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zapcore.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}

	switch level {
	case pqpipe.LogLevelTrace:
		l.logger.Debug(msg, append(fields, zap.Stringer("PQPIPE_LOG_LEVEL", level))...)
	case pqpipe.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	case pqpipe.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case pqpipe.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case pqpipe.LogLevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Error(msg, append(fields, zap.Stringer("PQPIPE_LOG_LEVEL", level))...)
	}
}
