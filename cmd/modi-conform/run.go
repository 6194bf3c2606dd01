package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matindow/modi-api/internal/config"
	"github.com/matindow/modi-api/internal/history"
	"github.com/matindow/modi-api/internal/logger"
	"github.com/matindow/modi-api/internal/report"
	"github.com/matindow/modi-api/internal/runner"
	"github.com/matindow/modi-api/internal/shared"
	"github.com/matindow/modi-api/internal/telemetry"
)

// selectionFlags narrow the catalog and the scenarios.
type selectionFlags struct {
	contract   string
	catalog    string
	resources  []string
	operations []string
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.contract, "contract", "", "OpenAPI or Swagger document (overrides config)")
	cmd.Flags().StringVar(&f.catalog, "catalog", "", "resource catalog YAML (default: built-in)")
	cmd.Flags().StringSliceVarP(&f.resources, "resource", "r", nil, "only run scenarios targeting these resources")
	cmd.Flags().StringSliceVarP(&f.operations, "operation", "o", nil, "only run these operations (POST, GET, PATCH, DELETE)")
}

func (f *selectionFlags) apply(cfg *config.Config) {
	if f.contract != "" {
		cfg.Contract.Path = f.contract
	}
	if f.catalog != "" {
		cfg.Catalog.Path = f.catalog
	}
	if len(f.resources) > 0 {
		cfg.Scenarios.Resources = f.resources
	}
	if len(f.operations) > 0 {
		cfg.Scenarios.Operations = f.operations
	}
}

type runFlags struct {
	selectionFlags
	baseURL        string
	concurrency    int
	timeout        time.Duration
	formats        []string
	outputFile     string
	noCascade      bool
	prometheusPort int
}

// loadConfig reads the configuration with precedence flags > MODI_* env >
// file > defaults. When strict is set the result is validated.
func loadConfig(opts *rootOptions, strict bool, apply func(*config.Config)) (*config.Config, error) {
	cfg := &config.Config{}
	if opts.configPath != "" {
		loaded, err := config.LoadFromFile(opts.configPath)
		if err != nil {
			return nil, shared.WrapConfigurationError(err, "loading %s", opts.configPath)
		}
		cfg = loaded
	}
	config.ApplyEnv(cfg)
	if apply != nil {
		apply(cfg)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	cfg.ApplyDefaults()
	if strict {
		if err := cfg.Validate(); err != nil {
			return nil, shared.WrapConfigurationError(err, "invalid configuration")
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, shared.WrapConfigurationError(err, "creating logger")
	}
	return l, nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conformance scenarios against the target",
		Long: `Run every selected scenario against the target API and report the results.

EXAMPLES:
    # Run everything described by a config file
    modi-conform run -c modi.yaml

    # Only exercise orders and items, writing a JSON report too
    modi-conform run -c modi.yaml -r order,item --output console,json

    # Point at a local server with credentials from the environment
    MODI_USERNAME=admin MODI_PASSWORD=admin modi-conform run --base-url http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConformance(cmd, opts, flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "base URL of the API under test (overrides config)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "scenarios run in parallel")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-call timeout")
	cmd.Flags().StringSliceVar(&flags.formats, "output", nil, "report formats: console, json")
	cmd.Flags().StringVar(&flags.outputFile, "output-file", "", "JSON report path, supports {timestamp} and {date}")
	cmd.Flags().BoolVar(&flags.noCascade, "no-cascade", false, "create every dependency explicitly")
	cmd.Flags().IntVar(&flags.prometheusPort, "prometheus", 0, "serve Prometheus metrics on this port during the run")

	return cmd
}

func (f *runFlags) apply(cfg *config.Config) {
	f.selectionFlags.apply(cfg)
	if f.baseURL != "" {
		cfg.Target.BaseURL = f.baseURL
	}
	if f.concurrency > 0 {
		cfg.Scenarios.Concurrency = f.concurrency
	}
	if f.timeout > 0 {
		cfg.Target.Timeout = f.timeout
	}
	if len(f.formats) > 0 {
		cfg.Output.Formats = f.formats
	}
	if f.outputFile != "" {
		cfg.Output.File = f.outputFile
	}
	if f.noCascade {
		cfg.Scenarios.DisableCascade = true
	}
	if f.prometheusPort > 0 {
		cfg.Prometheus.Enabled = true
		cfg.Prometheus.Port = f.prometheusPort
	}
}

func runConformance(cmd *cobra.Command, opts *rootOptions, flags *runFlags) error {
	cfg, err := loadConfig(opts, true, flags.apply)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, version, log)
	if err != nil {
		return shared.WrapConfigurationError(err, "setting up tracing")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	lp, err := telemetry.SetupLogs(ctx, cfg.Telemetry, version, log)
	if err != nil {
		return shared.WrapConfigurationError(err, "setting up log export")
	}
	defer func() { _ = lp.Shutdown(context.Background()) }()
	log = lp.Bridge(log)

	var exporter *report.Exporter
	if cfg.Prometheus.Enabled {
		exporter = report.NewExporter(report.ExporterConfig{Port: cfg.Prometheus.Port, Path: cfg.Prometheus.Path})
		if err := exporter.Start(); err != nil {
			return shared.WrapConfigurationError(err, "starting metrics endpoint")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = exporter.Stop(shutdownCtx)
		}()
		log.Info("metrics endpoint started", zap.String("address", exporter.Address()))
	}

	engine, err := runner.New(ctx, cfg,
		runner.WithLogger(log),
		runner.WithTracerProvider(tp.TracerProvider()),
		runner.WithExporter(exporter),
	)
	if err != nil {
		return err
	}

	summary, runErr := engine.Run(ctx)
	if summary == nil {
		return runErr
	}

	doc := engine.Document()
	if err := emit(cmd, cfg, doc, log); err != nil {
		return err
	}
	publish(ctx, cfg, doc, log)
	record(ctx, cfg, doc, tp, log)

	if runErr != nil {
		return runErr
	}
	if !summary.OK() {
		return &exitError{code: exitFailures}
	}
	return nil
}

// emit renders the report in every configured format.
func emit(cmd *cobra.Command, cfg *config.Config, doc *report.Document, log *zap.Logger) error {
	for _, format := range cfg.Output.Formats {
		switch strings.ToLower(format) {
		case "console":
			if err := report.RenderText(cmd.OutOrStdout(), doc.Summary); err != nil {
				return fmt.Errorf("rendering report: %w", err)
			}
		case "json":
			path := report.ExpandPath(cfg.Output.File, time.Now())
			if err := report.WriteJSONFile(path, doc); err != nil {
				return err
			}
			log.Info("report written", zap.String("path", path))
		}
	}
	return nil
}

// publish uploads the JSON report. Failures are logged, never fatal.
func publish(ctx context.Context, cfg *config.Config, doc *report.Document, log *zap.Logger) {
	if cfg.Publish.S3 == nil {
		return
	}
	pub, err := report.NewS3Publisher(ctx, *cfg.Publish.S3, log)
	if err != nil {
		log.Warn("report not published", zap.Error(err))
		return
	}
	data, err := report.Marshal(doc)
	if err != nil {
		log.Warn("report not published", zap.Error(err))
		return
	}
	if _, err := pub.Publish(context.WithoutCancel(ctx), doc.Metadata.RunID+".json", data); err != nil {
		log.Warn("report not published", zap.Error(err))
	}
}

// record stores the run in the history database. Failures are logged,
// never fatal.
func record(ctx context.Context, cfg *config.Config, doc *report.Document, tp *telemetry.Provider, log *zap.Logger) {
	if cfg.History.Driver == "" {
		return
	}
	store, err := history.Open(cfg.History, log, cfg.Log.Level)
	if err != nil {
		log.Warn("run not recorded", zap.Error(err))
		return
	}
	defer func() { _ = store.Close() }()
	if tp.Enabled() {
		if err := store.Instrument(tp.TracerProvider()); err != nil {
			log.Warn("history queries not traced", zap.Error(err))
		}
	}
	if _, err := store.Save(context.WithoutCancel(ctx), doc); err != nil {
		log.Warn("run not recorded", zap.Error(err))
	}
}
