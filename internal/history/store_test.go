package history

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/matindow/modi-api/internal/config"
	"github.com/matindow/modi-api/internal/report"
	"github.com/matindow/modi-api/internal/scenario"
	"github.com/matindow/modi-api/internal/shared"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.HistoryConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "history.db"),
	}, nil, "silent")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func result(id string, passed bool) *scenario.Result {
	res := &scenario.Result{
		ScenarioID: id,
		Resource:   "customer",
		Operation:  "GET",
		State:      scenario.StateDone,
		Duration:   50 * time.Millisecond,
	}
	if !passed {
		res.State = scenario.StateFailed
		res.Failures = []scenario.Failure{
			{Kind: shared.KindAssertion},
			{Kind: shared.KindContract},
			{Kind: shared.KindAssertion},
		}
	}
	return res
}

func document(runID string, at time.Time, results ...*scenario.Result) *report.Document {
	r := report.NewReporter()
	for _, res := range results {
		r.Record(res.ScenarioID, res)
	}
	return report.NewDocument(report.Metadata{
		RunID:       runID,
		Name:        "nightly",
		Target:      "http://api.test/v1",
		GeneratedAt: at,
	}, r)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.HistoryConfig{Driver: "mysql", DSN: "x"}, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestStore_SaveAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	saved, err := s.Save(ctx, document("run-1", at,
		result("customer.GET", true),
		result("address.GET", false),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Total)
	assert.Equal(t, 1, saved.Failed)

	run, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly", run.Name)
	assert.Equal(t, "http://api.test/v1", run.Target)
	require.Len(t, run.Scenarios, 2)
	assert.Equal(t, "address.GET", run.Scenarios[0].ScenarioID)
	assert.Equal(t, "AssertionFailure,ContractViolation", run.Scenarios[0].Kinds)
	assert.False(t, run.Scenarios[0].Passed())
	assert.True(t, run.Scenarios[1].Passed())

	var summary report.Summary
	require.NoError(t, json.Unmarshal(run.Summary, &summary))
	assert.Equal(t, 2, summary.Total)
}

func TestStore_SaveRequiresRunID(t *testing.T) {
	s := setupStore(t)
	_, err := s.Save(context.Background(), document("", time.Now()))
	require.Error(t, err)
}

func TestStore_SaveDuplicate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, err := s.Save(ctx, document("run-1", time.Now()))
	require.NoError(t, err)
	_, err = s.Save(ctx, document("run-1", time.Now()))
	require.Error(t, err)
}

func TestStore_GetMissing(t *testing.T) {
	s := setupStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Recent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		_, err := s.Save(ctx, document(id, base.Add(time.Duration(i)*time.Hour), result("customer.GET", true)))
		require.NoError(t, err)
	}

	runs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
	assert.Empty(t, runs[0].Scenarios)
}

func TestStore_Regressions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, document("run-1", base,
		result("customer.GET", true),
		result("site.GET", false),
		result("order.POST", true),
	))
	require.NoError(t, err)
	_, err = s.Save(ctx, document("run-2", base.Add(time.Hour),
		result("customer.GET", false),
		result("site.GET", false),
		result("order.POST", true),
	))
	require.NoError(t, err)

	regressions, err := s.Regressions(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, regressions, 1)
	assert.Equal(t, "customer.GET", regressions[0].ScenarioID)

	first, err := s.Regressions(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, first)
}

func TestStore_RegressionsComparesSameTarget(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, document("prod-1", base, result("customer.GET", true)))
	require.NoError(t, err)

	staging := document("staging-1", base.Add(time.Hour), result("customer.GET", false))
	staging.Metadata.Target = "http://staging.test/v1"
	_, err = s.Save(ctx, staging)
	require.NoError(t, err)

	renamed := document("smoke-1", base.Add(90*time.Minute), result("customer.GET", false))
	renamed.Metadata.Name = "smoke"
	_, err = s.Save(ctx, renamed)
	require.NoError(t, err)

	_, err = s.Save(ctx, document("prod-2", base.Add(2*time.Hour), result("customer.GET", false)))
	require.NoError(t, err)

	regressions, err := s.Regressions(ctx, "prod-2")
	require.NoError(t, err)
	require.Len(t, regressions, 1)
	assert.Equal(t, "customer.GET", regressions[0].ScenarioID)

	// no earlier staging run
	none, err := s.Regressions(ctx, "staging-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Instrument(t *testing.T) {
	s := setupStore(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, s.Instrument(tp))

	_, err := s.Save(context.Background(), document("run-1", time.Now(), result("customer.GET", true)))
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "run-1")
	require.NoError(t, err)

	assert.NotEmpty(t, recorder.Ended())
}
