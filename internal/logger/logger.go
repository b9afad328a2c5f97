package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "wpscan"

// Version is stamped at build time with -ldflags "-X .../logger.Version=...".
var Version = "dev"

type Logger struct {
	*zap.SugaredLogger
	tracer trace.Tracer
	base   *zap.Logger
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	}
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if len(cfg.OutputPaths) > 0 {
		zapConfig.OutputPaths = cfg.OutputPaths
	}

	zapConfig.InitialFields = map[string]interface{}{
		"service": serviceName,
		"version": Version,
	}

	stdLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	// Records also flow to the global OTel logger provider so they carry trace correlation.
	otelCore := otelzap.NewCore(serviceName,
		otelzap.WithAttributes(
			attribute.String("service", serviceName),
			attribute.String("version", Version),
		),
	)

	base := zap.New(zapcore.NewTee(stdLogger.Core(), otelCore),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return &Logger{
		SugaredLogger: base.Sugar(),
		tracer:        otel.Tracer(serviceName + "/logger"),
		base:          base,
	}, nil
}

// Nop returns a logger that discards everything. Used by tests and as a
// fallback when a component is constructed without one.
func Nop() *Logger {
	base := zap.NewNop()
	return &Logger{
		SugaredLogger: base.Sugar(),
		tracer:        otel.Tracer(serviceName + "/nop"),
		base:          base,
	}
}

// FromCore wraps an existing zap core, such as a zaptest observer.
func FromCore(core zapcore.Core) *Logger {
	base := zap.New(core)
	return &Logger{
		SugaredLogger: base.Sugar(),
		tracer:        otel.Tracer(serviceName + "/logger"),
		base:          base,
	}
}

func (l *Logger) derive(s *zap.SugaredLogger) *Logger {
	return &Logger{SugaredLogger: s, tracer: l.tracer, base: l.base}
}

// WithContext attaches the trace and span ids of the active span, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return l
	}
	sc := span.SpanContext()
	return l.derive(l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String()))
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return l.derive(l.With(fields...))
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

func (l *Logger) WithRequestID(id string) *Logger {
	return l.WithFields("request_id", id)
}

func (l *Logger) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, name, opts...)
}

// StartOperation opens a span named after the operation and logs its start at debug.
func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	ctx, span := l.StartSpan(ctx, operation)

	allFields := append([]interface{}{"operation", operation}, fields...)
	l.WithContext(ctx).Debugw("Operation started", allFields...)

	return ctx, span
}

// FinishOperation ends the span from StartOperation and records the outcome.
func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	duration := time.Since(start)
	allFields := append([]interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}, fields...)

	if err != nil {
		l.LogError(ctx, err, operation, allFields...)
	} else {
		l.WithContext(ctx).Debugw("Operation completed", allFields...)
		span.SetStatus(codes.Ok, "completed")
	}

	span.AddEvent("operation_finished", trace.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.Bool("success", err == nil),
	))
}

func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}

	allFields := append([]interface{}{
		"error", err.Error(),
		"operation", operation,
		"error_type", fmt.Sprintf("%T", err),
	}, fields...)
	l.WithContext(ctx).Errorw("Operation failed", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (l *Logger) LogPanic(ctx context.Context, recovered interface{}, operation string, fields ...interface{}) {
	allFields := append([]interface{}{
		"panic", fmt.Sprintf("%v", recovered),
		"operation", operation,
	}, fields...)

	// Errorw rather than DPanicw: the development config would re-panic.
	l.WithContext(ctx).Errorw("Panic recovered", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", recovered))
	}
}

// LogSecurityEvent records decisions such as gate denials or rejected API keys.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, severity string, details map[string]interface{}) {
	allFields := []interface{}{
		"security_event", true,
		"event_type", eventType,
		"severity", severity,
	}
	for k, v := range details {
		allFields = append(allFields, k, v)
	}

	l.WithContext(ctx).Infow("Security event", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("security_event", trace.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("severity", severity),
		))
	}
}

// LogVulnerability logs a matched advisory. Critical and high go out at warn.
func (l *Logger) LogVulnerability(ctx context.Context, component, id, severity string, fields ...interface{}) {
	allFields := append([]interface{}{
		"vulnerability", id,
		"affected_component", component,
		"severity", severity,
	}, fields...)

	log := l.WithContext(ctx)
	switch severity {
	case "critical", "high":
		log.Warnw("Vulnerable component", allFields...)
	case "medium":
		log.Infow("Vulnerable component", allFields...)
	default:
		log.Debugw("Vulnerable component", allFields...)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("vulnerability_matched", trace.WithAttributes(
			attribute.String("id", id),
			attribute.String("component", component),
			attribute.String("severity", severity),
		))
	}
}

func (l *Logger) LogScanProgress(ctx context.Context, target, phase string, fields ...interface{}) {
	allFields := append([]interface{}{
		"target", target,
		"phase", phase,
	}, fields...)
	l.WithContext(ctx).Debugw("Scan progress", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("scan_phase", trace.WithAttributes(attribute.String("phase", phase)))
	}
}

func (l *Logger) LogHTTPRequest(ctx context.Context, method, url string, statusCode int, duration time.Duration, fields ...interface{}) {
	allFields := append([]interface{}{
		"http_method", method,
		"http_url", url,
		"http_status", statusCode,
		"duration_ms", duration.Milliseconds(),
	}, fields...)

	log := l.WithContext(ctx)
	switch {
	case statusCode >= 500:
		log.Errorw("HTTP request", allFields...)
	case statusCode >= 400:
		log.Warnw("HTTP request", allFields...)
	default:
		log.Infow("HTTP request", allFields...)
	}
}

func (l *Logger) LogDatabaseOperation(ctx context.Context, operation string, table string, rowsAffected int64, duration time.Duration, fields ...interface{}) {
	allFields := append([]interface{}{
		"db_operation", operation,
		"db_table", table,
		"rows_affected", rowsAffected,
		"duration_ms", duration.Milliseconds(),
	}, fields...)
	l.WithContext(ctx).Debugw("Database operation", allFields...)
}

type contextKey struct{}

var loggerKey = contextKey{}

// FromContext returns the request-scoped logger, or a nop logger when none was stored.
func FromContext(ctx context.Context) *Logger {
	if log, ok := ctx.Value(loggerKey).(*Logger); ok {
		return log
	}
	return Nop()
}

func WithLogger(ctx context.Context, log *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}
