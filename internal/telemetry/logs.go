package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matindow/modi-api/internal/config"
)

// LoggerProvider ships zap entries to the collector through the otelzap
// bridge.
type LoggerProvider struct {
	provider *sdklog.LoggerProvider
	logger   *zap.Logger
	name     string
}

// SetupLogs creates a LoggerProvider. Unless both tracing and logs are
// enabled it returns a provider whose Bridge is the identity.
func SetupLogs(ctx context.Context, cfg config.TelemetryConfig, version string, logger *zap.Logger) (*LoggerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled || !cfg.Logs {
		return &LoggerProvider{logger: logger, name: serviceName(cfg)}, nil
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exporter, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP logs exporter: %w", err)
	}
	lp, err := newLoggerProvider(cfg, sdklog.NewBatchProcessor(exporter), version, logger)
	if err != nil {
		return nil, err
	}
	global.SetLoggerProvider(lp.provider)
	return lp, nil
}

// NewLogsWithExporter creates an enabled provider that exports every record
// synchronously to exporter.
func NewLogsWithExporter(cfg config.TelemetryConfig, exporter sdklog.Exporter, logger *zap.Logger) (*LoggerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newLoggerProvider(cfg, sdklog.NewSimpleProcessor(exporter), "test", logger)
}

func newLoggerProvider(cfg config.TelemetryConfig, processor sdklog.Processor, version string, logger *zap.Logger) (*LoggerProvider, error) {
	name := serviceName(cfg)
	res, err := newResource(name, version)
	if err != nil {
		return nil, err
	}
	lp := &LoggerProvider{
		provider: sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(processor),
		),
		logger: logger,
		name:   name,
	}
	logger.Info("log export enabled", zap.String("endpoint", cfg.Endpoint))
	return lp, nil
}

// Enabled reports whether log records are exported.
func (lp *LoggerProvider) Enabled() bool {
	return lp.provider != nil
}

// Bridge returns a logger that writes to base and, at the same levels, to
// the collector.
func (lp *LoggerProvider) Bridge(base *zap.Logger) *zap.Logger {
	if lp.provider == nil {
		return base
	}
	otelCore := otelzap.NewCore(lp.name, otelzap.WithLoggerProvider(lp.provider))
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, &levelFilterCore{Core: otelCore, enabler: core})
	}))
}

// ForceFlush exports pending records.
func (lp *LoggerProvider) ForceFlush(ctx context.Context) error {
	if lp.provider == nil {
		return nil
	}
	return lp.provider.ForceFlush(ctx)
}

// Shutdown flushes pending records and stops the exporter.
func (lp *LoggerProvider) Shutdown(ctx context.Context) error {
	if lp.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := lp.provider.Shutdown(ctx); err != nil {
		lp.logger.Error("error shutting down logger provider", zap.Error(err))
		return fmt.Errorf("failed to shutdown logger provider: %w", err)
	}
	return nil
}

// levelFilterCore keeps the bridge at the level of the core it is teed with.
type levelFilterCore struct {
	zapcore.Core
	enabler zapcore.LevelEnabler
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.enabler.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enabler.Enabled(entry.Level) {
		return ce
	}
	return c.Core.Check(entry, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), enabler: c.enabler}
}
