package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// contextKey is a type for context keys used by the logger package
type contextKey string

const (
	loggerKey   contextKey = "logger"
	runIDKey    contextKey = "run_id"
	scenarioKey contextKey = "scenario"
)

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, returns a no-op logger if not found.
// When the context carries a sampled span, its trace id is attached.
func FromContext(ctx context.Context) *zap.Logger {
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok {
		return zap.NewNop()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return logger.With(zap.String("trace_id", sc.TraceID().String()))
	}
	return logger
}

// WithRunID adds the run id to context and returns the enriched logger
func WithRunID(ctx context.Context, logger *zap.Logger, runID string) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, runIDKey, runID)
	enriched := logger.With(zap.String("run_id", runID))
	return WithContext(ctx, enriched), enriched
}

// WithScenario adds the scenario id to context and returns the enriched logger
func WithScenario(ctx context.Context, logger *zap.Logger, scenarioID string) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, scenarioKey, scenarioID)
	enriched := logger.With(zap.String("scenario", scenarioID))
	return WithContext(ctx, enriched), enriched
}

// RunID retrieves the run id from context
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// ScenarioID retrieves the scenario id from context
func ScenarioID(ctx context.Context) string {
	if id, ok := ctx.Value(scenarioKey).(string); ok {
		return id
	}
	return ""
}

// FromContextOr is FromContext with fallback used when ctx carries no logger.
func FromContextOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if _, ok := ctx.Value(loggerKey).(*zap.Logger); !ok {
		if fallback == nil {
			return zap.NewNop()
		}
		return fallback
	}
	return FromContext(ctx)
}
