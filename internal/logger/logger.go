// Package logger is the process-wide structured logger. It writes JSON to
// stdout, or ships records over OTLP when OTEL_ENABLED=true. Warnings and
// errors are sampled; their counters are not.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Level is an alias so callers need not import log/slog.
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

const defaultServiceName = "cartrules"

var (
	logger       atomic.Pointer[slog.Logger]
	sampleRate   atomic.Int32
	programLevel = new(slog.LevelVar)
	shutdownFunc func(context.Context) error
)

// Counters behind the metrics endpoint. They count every call, sampled or not.
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	SkippedRules   atomic.Int64
	FailedRules    atomic.Int64
	Total4xxErrors atomic.Int64
	Total5xxErrors atomic.Int64
)

func init() {
	sampleRate.Store(1)

	level, err := ParseLevel(envOr("LOG_LEVEL", "INFO"))
	if err != nil {
		level = LevelInfo
	}
	programLevel.Set(level)

	// ERROR_SAMPLE_RATE=N logs one warning or error out of N.
	if s := os.Getenv("ERROR_SAMPLE_RATE"); s != "" {
		if rate, err := strconv.Atoi(s); err == nil && rate > 0 {
			sampleRate.Store(int32(rate))
		}
	}

	if strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true") {
		service := envOr("OTEL_SERVICE_NAME", defaultServiceName)
		shutdown, err := setupOTELLogging(context.Background(), service)
		if err == nil {
			shutdownFunc = shutdown
			return
		}
		fmt.Fprintf(os.Stderr, "failed to setup OTEL logging, falling back to JSON: %v\n", err)
	}
	setupJSONLogging()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupJSONLogging() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel})
	install(slog.New(handler))
}

func install(l *slog.Logger) {
	logger.Store(l)
	slog.SetDefault(l)
}

func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	otelHandler := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))
	install(slog.New(&levelHandler{level: programLevel, handler: otelHandler}))

	return provider.Shutdown, nil
}

// levelHandler adds level filtering to the OTEL bridge, which has none.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Configure applies settings loaded from the config file. A zero sample
// rate keeps the current one.
func Configure(level string, errorSampleRate int) error {
	if level != "" {
		l, err := ParseLevel(level)
		if err != nil {
			return err
		}
		programLevel.Set(l)
	}
	if errorSampleRate > 0 {
		sampleRate.Store(int32(errorSampleRate))
	}
	return nil
}

// SetOutput replaces the JSON destination, mostly for tests.
func SetOutput(l *slog.Logger) {
	install(l)
}

// Shutdown flushes the OTEL exporter. It is a no-op for JSON logging.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

func shouldSample() bool {
	rate := sampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Trace logs a trace-level message
func Trace(msg string, args ...any) {
	logger.Load().Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message
func Debug(msg string, args ...any) {
	logger.Load().Debug(msg, args...)
}

// Info logs an info-level message
func Info(msg string, args ...any) {
	logger.Load().Info(msg, args...)
}

// Warn logs a sampled warning
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		logger.Load().Warn(msg, args...)
	}
}

// Error logs a sampled error
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		logger.Load().Error(msg, args...)
	}
}

// Fatal logs and exits after flushing OTEL
func Fatal(msg string, args ...any) {
	logger.Load().Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// RuleSkipped counts a rule left out of an evaluation pass and logs why.
func RuleSkipped(ruleID string, err error) {
	SkippedRules.Add(1)
	Warn("skipping rule that failed to compile", "rule_id", ruleID, "error", err)
}

// RuleFailed counts a rule whose conditions or actions returned an error.
func RuleFailed(ruleID, stage string, err error) {
	FailedRules.Add(1)
	Warn("rule evaluation failed", "rule_id", ruleID, "stage", stage, "error", err)
}

// HTTPStatus counts a failed HTTP response by class. It does not log.
func HTTPStatus(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
	}
}
