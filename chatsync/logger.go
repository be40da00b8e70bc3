package chatsync

import (
	"sort"

	"go.uber.org/zap"
)

// Logger is a minimal logging interface accepted by the SDK.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// noopLogger discards all logs.
type noopLogger struct{}

func (noopLogger) Debug(string, map[string]any) {}
func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// zapLogger forwards to a zap.Logger.
type zapLogger struct {
	z *zap.Logger
}

// NewZapLogger adapts z to Logger. A nil z yields a no-op logger.
func NewZapLogger(z *zap.Logger) Logger {
	if z == nil {
		return noopLogger{}
	}
	return zapLogger{z: z.WithOptions(zap.AddCallerSkip(1))}
}

func (l zapLogger) Debug(msg string, fields map[string]any) { l.z.Debug(msg, zapFields(fields)...) }
func (l zapLogger) Info(msg string, fields map[string]any)  { l.z.Info(msg, zapFields(fields)...) }
func (l zapLogger) Warn(msg string, fields map[string]any)  { l.z.Warn(msg, zapFields(fields)...) }
func (l zapLogger) Error(msg string, fields map[string]any) { l.z.Error(msg, zapFields(fields)...) }

func zapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
