package runner

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matindow/modi-api/internal/config"
	"github.com/matindow/modi-api/internal/fakeapi"
	"github.com/matindow/modi-api/internal/report"
	"github.com/matindow/modi-api/internal/resource"
	"github.com/matindow/modi-api/internal/scenario"
	"github.com/matindow/modi-api/internal/shared"
)

const contractPath = "../../api/openapi.yaml"

func newServer(t *testing.T, faults ...fakeapi.Fault) (*fakeapi.Server, string) {
	t.Helper()
	catalog, err := resource.Default()
	require.NoError(t, err)
	srv := fakeapi.New(catalog)
	for _, f := range faults {
		srv.AddFault(f)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{
		Target:    config.TargetConfig{BaseURL: baseURL, Timeout: 5 * time.Second},
		Auth:      config.AuthConfig{Username: "admin", Password: "admin"},
		Contract:  config.ContractConfig{Path: contractPath},
		Retry:     config.RetryConfig{Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Scenarios: config.ScenarioConfig{Concurrency: 4},
	}
	cfg.ApplyDefaults()
	return cfg
}

type countingSink struct{ n atomic.Int64 }

func (s *countingSink) Observe(*scenario.Result) { s.n.Add(1) }

func TestEngine_RunAgainstConformingServer(t *testing.T) {
	srv, url := newServer(t)
	core, logs := observer.New(zapcore.InfoLevel)
	sink := &countingSink{}
	exporter := report.NewExporter(report.ExporterConfig{})

	e, err := New(context.Background(), testConfig(url),
		WithLogger(zap.New(core)),
		WithSinks(sink),
		WithExporter(exporter),
		WithRunID("run-42"),
	)
	require.NoError(t, err)
	assert.Equal(t, "run-42", e.RunID())

	defs, err := e.Scenarios()
	require.NoError(t, err)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, len(defs), summary.Total)
	assert.True(t, summary.OK(), "failures: %+v", summary.Failures)
	assert.Zero(t, summary.ManualCleanup)
	assert.Empty(t, summary.Warnings)
	assert.Equal(t, summary.Created, summary.TeardownCalls)
	assert.Equal(t, summary.Contract.Checked, summary.Contract.Conformant)
	assert.Len(t, summary.ByResource, 8)
	assert.Empty(t, srv.LiveIDs(), "no leaked fixtures")

	assert.Equal(t, int64(len(defs)), sink.n.Load())
	assert.Equal(t, 1, logs.FilterMessage("conformance run passed").Len())
	assert.Equal(t, "run-42", logs.FilterMessage("conformance run started").All()[0].ContextMap()["run_id"])

	doc := e.Document()
	assert.Equal(t, "run-42", doc.Metadata.RunID)
	assert.Equal(t, url, doc.Metadata.Target)
	assert.Len(t, doc.Results, len(defs))
}

func TestEngine_FailingScenarioIsReported(t *testing.T) {
	_, url := newServer(t, fakeapi.Fault{Method: "GET", Resource: "site", Status: 500})
	cfg := testConfig(url)
	cfg.Scenarios.Resources = []string{"site"}
	cfg.Scenarios.Operations = []string{"GET"}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Failed)
	assert.Positive(t, summary.ByKind[shared.KindAssertion])
	assert.Positive(t, summary.ByKind[shared.KindContract], "500 is not declared for GET")

	var actual []string
	for _, f := range summary.Failures {
		if f.Kind == shared.KindAssertion {
			actual = append(actual, f.Actual)
		}
	}
	assert.Contains(t, actual, "500")
}

func TestEngine_UnknownResourceSelected(t *testing.T) {
	_, url := newServer(t)
	cfg := testConfig(url)
	cfg.Scenarios.Resources = []string{"warehouse"}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "warehouse")
}

func TestEngine_CyclicCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`resources:
  - name: a
    path: /a
    operations: [POST]
    foreign_keys:
      - field: b_id
        parent: b
  - name: b
    path: /b
    operations: [POST]
    foreign_keys:
      - field: a_id
        parent: a
`), 0o644))

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Catalog.Path = path

	_, err := New(context.Background(), cfg)
	require.Error(t, err)

	var ce *shared.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.ElementsMatch(t, []string{"a", "b"}, ce.Cycle)
}

func TestEngine_MissingContract(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Contract.Path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestEngine_CancelledRun(t *testing.T) {
	_, url := newServer(t)
	e, err := New(context.Background(), testConfig(url))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := e.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Total)
}

func TestEngine_Uncovered(t *testing.T) {
	e, err := New(context.Background(), testConfig("http://127.0.0.1:1"))
	require.NoError(t, err)
	assert.Empty(t, e.Uncovered())
}
