// Package logging provides structured logging with trace ID support for the
// idempotency engine and its store adapters.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used to carry request-scoped fields.
type ContextKey string

const (
	// TraceIDKey is the context key for the trace/correlation ID.
	TraceIDKey ContextKey = "trace_id"
)

// Logger wraps logrus.Logger with a fixed service name field.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger for service, with the given level ("debug", "info", ...)
// and format ("json" or "text").
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.ToLower(format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL and LOG_FORMAT, defaulting to
// "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns a logrus entry tagged with the service name and a
// trace ID: the one carried on ctx if present, otherwise a freshly
// generated one, so every log line is correlatable even when the caller
// never threaded a trace ID through.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	traceID := ctx.Value(TraceIDKey)
	if traceID == nil {
		traceID = uuid.New().String()
	}
	return entry.WithField("trace_id", traceID)
}

// ContextWithTraceID returns a copy of ctx carrying traceID, or a freshly
// generated one if traceID is empty, so callers can propagate a single
// trace ID across every log line emitted while handling one request.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}
