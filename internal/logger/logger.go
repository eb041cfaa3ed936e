// Package logger provides structured logging for the daemon and CLI.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Interface defines the logger used across the daemon. Fields are
// alternating key/value pairs; zap.Field values are passed through.
type Interface interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Fatal(msg string, fields ...any)
	With(fields ...any) Interface
	// Contextual helpers
	WithComponent(component string) Interface
	WithJob(jobID string) Interface
	WithExecution(executionID string) Interface
	WithRequestID(requestID string) Interface
	WithDuration(duration time.Duration) Interface
	WithError(err error) Interface
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum logging level (debug, info, warn, error, fatal).
	Level string `mapstructure:"level" yaml:"level"`
	// Development switches to a human-oriented console layout.
	Development bool `mapstructure:"development" yaml:"development"`
	// Encoding is "console" or "json".
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
	// OutputPaths lists sinks; defaults to stdout.
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths"`
	// EnableColor colorizes levels in development mode.
	EnableColor bool `mapstructure:"enable_color" yaml:"enable_color"`
}

// Logger implements Interface on top of zap.
type Logger struct {
	zapLogger *zap.Logger
}

var logLevels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

// Field keys shared by the contextual helpers.
const (
	keyComponent   = "component"
	keyJobID       = "job_id"
	keyExecutionID = "execution_id"
	keyRequestID   = "request_id"
	keyDuration    = "duration"
	keyError       = "error"
)

// New creates a logger from the given config.
func New(config *Config) (Interface, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Encoding == "" {
		config.Encoding = "console"
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	if config.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
		}
		encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
		encoderConfig.ConsoleSeparator = " | "
		if config.EnableColor {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	sink, err := openSink(config.OutputPaths)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, getLogLevel(config.Level))

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if config.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{zapLogger: zap.New(core, opts...)}, nil
}

// Must creates a logger and panics on failure. Intended for process
// startup where no logger exists yet.
func Must(config *Config) Interface {
	log, err := New(config)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return log
}

func openSink(paths []string) (zapcore.WriteSyncer, error) {
	if len(paths) == 0 {
		return zapcore.AddSync(os.Stdout), nil
	}
	syncers := make([]zapcore.WriteSyncer, 0, len(paths))
	for _, p := range paths {
		switch p {
		case "stdout":
			syncers = append(syncers, zapcore.AddSync(os.Stdout))
		case "stderr":
			syncers = append(syncers, zapcore.AddSync(os.Stderr))
		default:
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to open log output %q: %w", p, err)
			}
			syncers = append(syncers, zapcore.AddSync(f))
		}
	}
	return zapcore.NewMultiWriteSyncer(syncers...), nil
}

func getLogLevel(level string) zapcore.Level {
	lvl, exists := logLevels[strings.ToLower(level)]
	if !exists {
		return zapcore.InfoLevel
	}
	return lvl
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...any) {
	l.zapLogger.Debug(msg, toZapFields(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...any) {
	l.zapLogger.Info(msg, toZapFields(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...any) {
	l.zapLogger.Warn(msg, toZapFields(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...any) {
	l.zapLogger.Error(msg, toZapFields(fields)...)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string, fields ...any) {
	l.zapLogger.Fatal(msg, toZapFields(fields)...)
}

// With creates a child logger carrying the given fields.
func (l *Logger) With(fields ...any) Interface {
	return &Logger{zapLogger: l.zapLogger.With(toZapFields(fields)...)}
}

// WithComponent tags log lines with the owning component.
func (l *Logger) WithComponent(component string) Interface {
	return l.With(keyComponent, component)
}

// WithJob tags log lines with a job id.
func (l *Logger) WithJob(jobID string) Interface {
	return l.With(keyJobID, jobID)
}

// WithExecution tags log lines with an execution id.
func (l *Logger) WithExecution(executionID string) Interface {
	return l.With(keyExecutionID, executionID)
}

// WithRequestID tags log lines with a request id.
func (l *Logger) WithRequestID(requestID string) Interface {
	return l.With(keyRequestID, requestID)
}

// WithDuration tags log lines with an elapsed duration.
func (l *Logger) WithDuration(duration time.Duration) Interface {
	return l.With(keyDuration, duration)
}

// WithError tags log lines with an error.
func (l *Logger) WithError(err error) Interface {
	return l.With(keyError, err)
}

// toZapFields converts alternating key/value pairs to zap fields.
// zap.Field values pass through unchanged; a trailing key with no value
// is dropped.
func toZapFields(fields []any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields)/2+1)
	for i := 0; i < len(fields); i++ {
		switch field := fields[i].(type) {
		case zap.Field:
			zapFields = append(zapFields, field)
		case string:
			if i+1 >= len(fields) {
				continue
			}
			zapFields = append(zapFields, zap.Any(field, fields[i+1]))
			i++
		default:
			zapFields = append(zapFields, zap.Any(fmt.Sprintf("field_%d", i), field))
		}
	}
	return zapFields
}
