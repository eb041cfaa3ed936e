package logger

import (
	"time"
)

// NoOpLogger discards everything. Used in tests and as a pre-init
// placeholder.
type NoOpLogger struct{}

// NewNoOp creates a no-op logger.
func NewNoOp() Interface {
	return &NoOpLogger{}
}

// Debug discards the message.
func (l *NoOpLogger) Debug(msg string, fields ...any) {}

// Info discards the message.
func (l *NoOpLogger) Info(msg string, fields ...any) {}

// Warn discards the message.
func (l *NoOpLogger) Warn(msg string, fields ...any) {}

// Error discards the message.
func (l *NoOpLogger) Error(msg string, fields ...any) {}

// Fatal discards the message without exiting.
func (l *NoOpLogger) Fatal(msg string, fields ...any) {}

// With returns the same no-op logger.
func (l *NoOpLogger) With(fields ...any) Interface { return l }

// WithComponent returns the same no-op logger.
func (l *NoOpLogger) WithComponent(component string) Interface { return l }

// WithJob returns the same no-op logger.
func (l *NoOpLogger) WithJob(jobID string) Interface { return l }

// WithExecution returns the same no-op logger.
func (l *NoOpLogger) WithExecution(executionID string) Interface { return l }

// WithRequestID returns the same no-op logger.
func (l *NoOpLogger) WithRequestID(requestID string) Interface { return l }

// WithDuration returns the same no-op logger.
func (l *NoOpLogger) WithDuration(duration time.Duration) Interface { return l }

// WithError returns the same no-op logger.
func (l *NoOpLogger) WithError(err error) Interface { return l }
