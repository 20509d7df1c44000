// Package logging provides structured logging with trace/tenant
// context propagation for the dispatch pipeline.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through a dispatch.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	TenantKey    ContextKey = "tenant"
	NamespaceKey ContextKey = "namespace"
	ServiceKey   ContextKey = "service"
)

// Logger wraps logrus.Logger with dispatch-context field propagation.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance with the given level and format
// ("json" or "text").
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
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

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT
// environment variables, defaulting to "info" and "json".
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

// WithContext creates a logger entry carrying service/trace/tenant/
// namespace fields pulled from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if tenant := ctx.Value(TenantKey); tenant != nil {
		entry = entry.WithField("tenant", tenant)
	}
	if namespace := ctx.Value(NamespaceKey); namespace != nil {
		entry = entry.WithField("namespace", namespace)
	}

	return entry
}

// WithFields creates a logger entry with custom fields plus the
// service field.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a logger entry with an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput redirects the underlying logrus output, used by tests.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID.
func NewTraceID() string { return uuid.New().String() }

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}

func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(TenantKey).(string); ok {
		return v
	}
	return ""
}

func WithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, NamespaceKey, namespace)
}

func GetNamespace(ctx context.Context) string {
	if v, ok := ctx.Value(NamespaceKey).(string); ok {
		return v
	}
	return ""
}

// Dispatch-domain structured logging helpers

// LogRequest logs an HTTP request on the transport edge.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogDispatch logs the terminal outcome of a single dispatch.
func (l *Logger) LogDispatch(ctx context.Context, actionID, provider string, outcomeKind string, matchedRule string, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action_id":    actionID,
		"provider":     provider,
		"outcome":      outcomeKind,
		"matched_rule": matchedRule,
		"duration_ms":  duration.Milliseconds(),
	}).Info("dispatch complete")
}

// LogCircuitTransition logs a circuit breaker state transition.
func (l *Logger) LogCircuitTransition(ctx context.Context, provider, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"provider": provider,
		"from":     from,
		"to":       to,
	}).Warn("circuit breaker transition")
}

// LogChainStep logs the execution of one chain step.
func (l *Logger) LogChainStep(ctx context.Context, chainID, stepName string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"chain_id": chainID,
		"step":     stepName,
	})
	if err != nil {
		entry.WithError(err).Error("chain step failed")
		return
	}
	entry.Info("chain step completed")
}

// LogStoreOp logs a state-store operation, used at debug level for
// tracing CAS contention and timeout-index sweeps.
func (l *Logger) LogStoreOp(ctx context.Context, op, key string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"op":          op,
		"key":         key,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("state store operation failed")
		return
	}
	entry.Debug("state store operation")
}

// LogSecurityEvent logs an auth/authorization event.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event_type": eventType,
		"severity":   "security",
	}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogAudit logs that an audit record was written.
func (l *Logger) LogAudit(ctx context.Context, actionID, outcomeKind string, sequenceNumber int64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action_id":       actionID,
		"outcome":         outcomeKind,
		"sequence_number": sequenceNumber,
		"audit":           true,
	}).Info("audit record written")
}

// Error logs an error message with optional fields.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}

// Info logs an info message with fields.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs a warning message with fields.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Debug logs a debug message with fields.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Debug(message)
}

// Fatal logs a fatal error and exits the process.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Global logger instance, initialized once at startup.
var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger, lazily initializing a fallback
// if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("acteon", "info", "json")
	}
	return defaultLogger
}
