// Package runner wires the conformance engine together and executes a run:
// it builds every component from the configuration, runs the generated
// scenarios with bounded concurrency and collects their results.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matindow/modi-api/internal/client"
	"github.com/matindow/modi-api/internal/config"
	"github.com/matindow/modi-api/internal/contract"
	"github.com/matindow/modi-api/internal/depgraph"
	"github.com/matindow/modi-api/internal/fixture"
	"github.com/matindow/modi-api/internal/logger"
	"github.com/matindow/modi-api/internal/report"
	"github.com/matindow/modi-api/internal/resource"
	"github.com/matindow/modi-api/internal/scenario"
	"github.com/matindow/modi-api/internal/shared"
)

// Engine runs the scenarios of one configuration.
type Engine struct {
	cfg      *config.Config
	runID    string
	catalog  *resource.Catalog
	graph    *depgraph.Graph
	contract *contract.Contract
	client   *client.Client
	runner   *scenario.Runner
	reporter *report.Reporter
	exporter *report.Exporter
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	tp         trace.TracerProvider
	httpClient *http.Client
	exporter   *report.Exporter
	sinks      []report.Sink
	runID      string
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the tracer provider used for scenario and HTTP spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithHTTPClient replaces the HTTP client used against the target.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithExporter registers a Prometheus exporter. It observes every result
// and tracks scenarios in flight.
func WithExporter(e *report.Exporter) Option {
	return func(o *options) { o.exporter = e }
}

// WithSinks adds result observers.
func WithSinks(sinks ...report.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// New builds every component from cfg. Any problem with the catalog, the
// dependency graph or the contract is returned as a
// *shared.ConfigurationError and nothing is sent to the target.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := &options{logger: zap.NewNop(), tp: otel.GetTracerProvider()}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	catalog, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	graph, err := depgraph.New(catalog)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	builder, err := fixture.NewBuilder(catalog)
	if err != nil {
		return nil, shared.WrapConfigurationError(err, "compiling fixture generators")
	}
	doc, err := contract.LoadFromFile(ctx, cfg.Contract.Path)
	if err != nil {
		return nil, err
	}

	clientOpts := []client.Option{
		client.WithLogger(o.logger),
		client.WithTracerProvider(o.tp),
		client.WithRetryConfig(client.RetryFromConfig(cfg.Retry)),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(o.httpClient))
	}
	c, err := client.New(cfg.Target, cfg.Auth, clientOpts...)
	if err != nil {
		return nil, shared.WrapConfigurationError(err, "creating HTTP client")
	}

	runner := scenario.NewRunner(graph, builder, c, doc, scenario.Options{
		MissingID:   cfg.Scenarios.MissingID,
		InvalidBody: []byte(cfg.Scenarios.InvalidBody),
		Cascade:     !cfg.Scenarios.DisableCascade,
	}, scenario.WithLogger(o.logger), scenario.WithTracerProvider(o.tp))

	sinks := o.sinks
	if o.exporter != nil {
		sinks = append(sinks, o.exporter)
	}

	return &Engine{
		cfg:      cfg,
		runID:    o.runID,
		catalog:  catalog,
		graph:    graph,
		contract: doc,
		client:   c,
		runner:   runner,
		reporter: report.NewReporter(sinks...),
		exporter: o.exporter,
		logger:   o.logger,
	}, nil
}

func loadCatalog(path string) (*resource.Catalog, error) {
	if path == "" {
		return resource.Default()
	}
	return resource.LoadFromFile(path)
}

// RunID returns the id of this run.
func (e *Engine) RunID() string { return e.runID }

// Catalog returns the resource catalog.
func (e *Engine) Catalog() *resource.Catalog { return e.catalog }

// Graph returns the dependency graph.
func (e *Engine) Graph() *depgraph.Graph { return e.graph }

// Contract returns the loaded contract.
func (e *Engine) Contract() *contract.Contract { return e.contract }

// Reporter returns the reporter results are recorded in.
func (e *Engine) Reporter() *report.Reporter { return e.reporter }

// Scenarios returns the scenarios selected by the configuration, in
// generation order. Selecting an unknown resource is a ConfigurationError.
func (e *Engine) Scenarios() ([]scenario.Definition, error) {
	for _, name := range e.cfg.Scenarios.Resources {
		if _, ok := e.catalog.Get(name); !ok {
			return nil, shared.NewConfigurationError("unknown resource %q selected", name)
		}
	}
	defs := scenario.Filter(scenario.Generate(e.catalog), e.cfg.Scenarios.Resources, e.cfg.Scenarios.Operations)
	if len(defs) == 0 {
		return nil, shared.NewConfigurationError("no scenarios match the selection")
	}
	return defs, nil
}

// Run executes every selected scenario and returns the summary. Scenarios
// run concurrently up to the configured limit. A ConfigurationError raised
// by any scenario stops scheduling new ones and is returned; scenarios
// already running still tear down.
func (e *Engine) Run(ctx context.Context) (*report.Summary, error) {
	defs, err := e.Scenarios()
	if err != nil {
		return nil, err
	}

	ctx, log := logger.WithRunID(ctx, e.logger, e.runID)
	log.Info("conformance run started",
		zap.Int("scenarios", len(defs)),
		zap.String("target", e.client.BaseURL()),
		zap.String("contract", e.contract.Source()),
		zap.Int("concurrency", e.cfg.Scenarios.Concurrency),
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.Scenarios.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, def := range defs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if e.exporter != nil {
				e.exporter.ScenarioStarted()
				defer e.exporter.ScenarioFinished()
			}
			res := e.runner.Run(gctx, def)
			e.reporter.Record(def.ID, res)
			if res.Err != nil && shared.IsConfigurationError(res.Err) {
				return res.Err
			}
			return nil
		})
	}
	runErr := g.Wait()

	summary := e.reporter.Summary()
	fields := []zap.Field{
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("manual_cleanup", summary.ManualCleanup),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case runErr != nil:
		log.Error("conformance run halted", append(fields, zap.Error(runErr))...)
	case summary.OK():
		log.Info("conformance run passed", fields...)
	default:
		log.Warn("conformance run failed", fields...)
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("run interrupted: %w", ctx.Err())
	}
	return summary, runErr
}

// Document returns the JSON report of everything recorded so far.
func (e *Engine) Document() *report.Document {
	return report.NewDocument(report.Metadata{
		RunID:    e.runID,
		Name:     e.cfg.Name,
		Target:   e.client.BaseURL(),
		Contract: e.contract.Source(),
	}, e.reporter)
}

// Uncovered lists the contract operations no scenario exercises.
func (e *Engine) Uncovered() []string {
	return Uncovered(e.catalog, e.contract)
}

// Uncovered lists the operations declared by doc that no resource in
// catalog supports, as "METHOD /path".
func Uncovered(catalog *resource.Catalog, doc *contract.Contract) []string {
	covered := make(map[string]bool)
	for _, spec := range catalog.All() {
		for _, op := range spec.Operations {
			path := spec.CollectionPath()
			if op.TargetsInstance() {
				path = spec.PathTemplate()
			}
			covered[string(op)+" "+path] = true
		}
	}
	var out []string
	for _, op := range doc.Operations() {
		if !covered[op] {
			out = append(out, op)
		}
	}
	slices.Sort(out)
	return out
}

// IsConfigurationError reports whether err should halt the process with a
// configuration exit code.
func IsConfigurationError(err error) bool {
	return errors.Is(err, shared.ErrConfiguration)
}
