package requestcontrol

// Logger defines the interface for structured logging used throughout the
// package. It uses variadic key-value pairs so it is compatible with popular
// structured logging libraries like slog, logrus and zap.
//
// Example implementation using Go's standard log/slog:
//
//	type SlogLogger struct {
//		logger *slog.Logger
//	}
//
//	func (l *SlogLogger) Info(msg string, args ...any) {
//		l.logger.Info(msg, args...)
//	}
//
// All components accept a nil Logger; logging is then disabled.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal lifecycle events like suspend transitions.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for failures that do not halt the subsystem, such as a failing
	// activity phase or a rejected queue flush during shutdown.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for detailed diagnostic information such as individual
	// admission decisions.
	Debug(msg string, args ...any)
}

// noopLogger is used when no logger is supplied.
type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// ensureLogger returns a usable logger, substituting a no-op implementation
// for nil.
func ensureLogger(logger Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return logger
}
