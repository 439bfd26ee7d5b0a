package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type Level int
type keyType string

const (
	Debug Level = -4
	Info  Level = 0
	Warn  Level = 4
	Error Level = 8

	requestIDKey    keyType = "request_id"
	connectionIDKey keyType = "connection_id"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	Log(ctx context.Context, level Level, msg string, keysAndValues ...interface{})
}

func NewLogger() Logger {
	return newSlogLogger(os.Stdout, Info)
}

// NewWriterLogger writes JSON records at or above level to w.
func NewWriterLogger(w io.Writer, level Level) Logger {
	return newSlogLogger(w, level)
}

// NewFileLogger создает логгер, пишущий в файл
func NewFileLogger(logFile string, logToConsole bool, level Level) (Logger, error) {
	writer, err := setupFileWriter(logFile, logToConsole)
	if err != nil {
		return nil, err
	}
	return newSlogLogger(writer, level), nil
}

// ParseLevel maps debug/info/warn/error to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// WithRequestID attaches an HTTP request id that every record logged with ctx carries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithConnectionID attaches a websocket connection id to ctx.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

type SlogLogger struct {
	logger *slog.Logger
}

func newSlogLogger(writer io.Writer, level Level) Logger {
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.Level(level)})
	return &SlogLogger{
		logger: slog.New(handler),
	}
}

func setupFileWriter(logFile string, logToConsole bool) (io.Writer, error) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFile, err)
	}

	if logToConsole {
		return io.MultiWriter(file, os.Stdout), nil
	}
	return file, nil
}

func (l *SlogLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Log(ctx, Debug, msg, keysAndValues...)
}

func (l *SlogLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Log(ctx, Info, msg, keysAndValues...)
}

func (l *SlogLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Log(ctx, Warn, msg, keysAndValues...)
}

func (l *SlogLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Log(ctx, Error, msg, keysAndValues...)
}

func (l *SlogLogger) Log(ctx context.Context, level Level, msg string, keysAndValues ...interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		keysAndValues = append(keysAndValues, "request_id", requestID)
	}
	if connID, ok := ctx.Value(connectionIDKey).(string); ok {
		keysAndValues = append(keysAndValues, "connection_id", connID)
	}
	l.logger.Log(ctx, slog.Level(level), msg, keysAndValues...)
}
