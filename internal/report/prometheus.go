package report

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/matindow/modi-api/internal/scenario"
)

// Prometheus metric names with the default namespace.
const (
	MetricScenariosTotal          = "modi_scenarios_total"
	MetricScenarioDurationSeconds = "modi_scenario_duration_seconds"
	MetricCasesTotal              = "modi_cases_total"
	MetricContractChecksTotal     = "modi_contract_checks_total"
	MetricContractViolationsTotal = "modi_contract_violations_total"
	MetricFailuresTotal           = "modi_failures_total"
	MetricTeardownWarningsTotal   = "modi_teardown_warnings_total"
	MetricFixturesCreatedTotal    = "modi_fixtures_created_total"
	MetricScenariosInFlight       = "modi_scenarios_in_flight"
)

// ExporterConfig holds configuration for the Prometheus exporter.
type ExporterConfig struct {
	// Port is the HTTP port for the metrics endpoint. Zero picks a free port.
	Port int

	// Path is the URL path for the metrics endpoint.
	// Default: /metrics
	Path string

	// Namespace prefixes every metric.
	// Default: "modi"
	Namespace string

	// HistogramBuckets are the buckets for scenario duration.
	// Default: prometheus.DefBuckets
	HistogramBuckets []float64
}

// DefaultExporterConfig returns default configuration.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Port:             9090,
		Path:             "/metrics",
		Namespace:        "modi",
		HistogramBuckets: prometheus.DefBuckets,
	}
}

// Exporter exposes scenario results as Prometheus metrics. It is a Sink.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Exporter struct {
	mu sync.RWMutex

	config   ExporterConfig
	registry *prometheus.Registry

	scenariosTotal    *prometheus.CounterVec
	scenarioDuration  *prometheus.HistogramVec
	casesTotal        *prometheus.CounterVec
	checksTotal       *prometheus.CounterVec
	violationsTotal   *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	warningsTotal     *prometheus.CounterVec
	fixturesCreated   prometheus.Counter
	scenariosInFlight prometheus.Gauge

	server *http.Server
	ln     net.Listener

	running   bool
	lastError error
}

// NewExporter creates an exporter with its own registry.
func NewExporter(config ExporterConfig) *Exporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "modi"
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = prometheus.DefBuckets
	}

	e := &Exporter{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	e.initMetrics()
	return e
}

func (e *Exporter) initMetrics() {
	ns := e.config.Namespace

	e.scenariosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "scenarios_total",
			Help:      "Scenarios run, by target resource, operation and result.",
		},
		[]string{"resource", "operation", "result"},
	)
	e.scenarioDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "scenario_duration_seconds",
			Help:      "Duration of a scenario from setup to teardown.",
			Buckets:   e.config.HistogramBuckets,
		},
		[]string{"resource"},
	)
	e.casesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cases_total",
			Help:      "Exercise cases, by case, expected status class and result.",
		},
		[]string{"case", "status_class", "result"},
	)
	e.checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "contract_checks_total",
			Help:      "Responses validated against the contract.",
		},
		[]string{"result"},
	)
	e.violationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "contract_violations_total",
			Help:      "Contract violations by rule.",
		},
		[]string{"rule"},
	)
	e.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "failures_total",
			Help:      "Scenario failures by kind.",
		},
		[]string{"kind"},
	)
	e.warningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "teardown_warnings_total",
			Help:      "Teardown warnings; manual=true when an instance may have leaked.",
		},
		[]string{"manual"},
	)
	e.fixturesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fixtures_created_total",
			Help:      "Instances created on the target, including server-side cascades.",
		},
	)
	e.scenariosInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "scenarios_in_flight",
			Help:      "Scenarios currently running.",
		},
	)

	e.registry.MustRegister(
		e.scenariosTotal,
		e.scenarioDuration,
		e.casesTotal,
		e.checksTotal,
		e.violationsTotal,
		e.failuresTotal,
		e.warningsTotal,
		e.fixturesCreated,
		e.scenariosInFlight,
	)
}

// Observe records one scenario result.
func (e *Exporter) Observe(res *scenario.Result) {
	result := "passed"
	if !res.Passed() {
		result = "failed"
	}
	e.scenariosTotal.WithLabelValues(res.Resource, res.Operation, result).Inc()
	e.scenarioDuration.WithLabelValues(res.Resource).Observe(res.Duration.Seconds())

	for _, c := range res.Cases {
		r := "passed"
		if !c.Passed {
			r = "failed"
		}
		e.casesTotal.WithLabelValues(string(c.Case), StatusClass(c.ExpectedStatus), r).Inc()
	}
	for _, c := range res.Checks {
		if c.Conformant {
			e.checksTotal.WithLabelValues("conformant").Inc()
			continue
		}
		e.checksTotal.WithLabelValues("violation").Inc()
		for _, v := range c.Violations {
			e.violationsTotal.WithLabelValues(v.Rule).Inc()
		}
	}
	for _, f := range res.Failures {
		e.failuresTotal.WithLabelValues(string(f.Kind)).Inc()
	}
	for _, w := range res.Warnings {
		e.warningsTotal.WithLabelValues(fmt.Sprint(w.ManualCleanup)).Inc()
	}
	e.fixturesCreated.Add(float64(len(res.Created)))
}

// ScenarioStarted increments the in-flight gauge.
func (e *Exporter) ScenarioStarted() { e.scenariosInFlight.Inc() }

// ScenarioFinished decrements the in-flight gauge.
func (e *Exporter) ScenarioFinished() { e.scenariosInFlight.Dec() }

// Start serves the metrics endpoint and /health.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.config.Port))
	if err != nil {
		return fmt.Errorf("starting Prometheus exporter: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
	}()

	e.running = true
	return nil
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Address returns the URL of the metrics endpoint. It reflects the bound
// port once started.
func (e *Exporter) Address() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	port := e.config.Port
	if e.ln != nil {
		if addr, ok := e.ln.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	return fmt.Sprintf("http://localhost:%d%s", port, e.config.Path)
}

// IsRunning returns whether the endpoint is being served.
func (e *Exporter) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastError returns the last error from the HTTP server, if any.
func (e *Exporter) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Gather collects all metric families.
func (e *Exporter) Gather() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}
