package packets

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// fieldLogger prepends fixed key-value pairs to every record.
type fieldLogger struct {
	Logger
	fields []any
}

// withFields returns a Logger that adds fields to every record written to l.
func withFields(l Logger, fields ...any) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(fields...)
	}
	return &fieldLogger{Logger: l, fields: fields}
}

func (l *fieldLogger) args(args []any) []any {
	out := make([]any, 0, len(l.fields)+len(args))
	out = append(out, l.fields...)
	return append(out, args...)
}

func (l *fieldLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.args(args)...) }
func (l *fieldLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.args(args)...) }
func (l *fieldLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.args(args)...) }
func (l *fieldLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.args(args)...) }
