package scenario

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matindow/modi-api/internal/client"
	"github.com/matindow/modi-api/internal/config"
	"github.com/matindow/modi-api/internal/contract"
	"github.com/matindow/modi-api/internal/depgraph"
	"github.com/matindow/modi-api/internal/fakeapi"
	"github.com/matindow/modi-api/internal/fixture"
	"github.com/matindow/modi-api/internal/resource"
	"github.com/matindow/modi-api/internal/shared"
)

type env struct {
	srv    *fakeapi.Server
	runner *Runner
	logs   *observer.ObservedLogs
}

type envOptions struct {
	timeout time.Duration
	cascade bool
	faults  []fakeapi.Fault
	ropts   []RunnerOption
}

func newEnv(t *testing.T, eo envOptions) *env {
	t.Helper()
	catalog, err := resource.Default()
	require.NoError(t, err)

	srv := fakeapi.New(catalog, fakeapi.WithCredentials("tester", "secret"))
	for _, f := range eo.faults {
		srv.AddFault(f)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	timeout := eo.timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	c, err := client.New(
		config.TargetConfig{BaseURL: ts.URL, Timeout: timeout},
		config.AuthConfig{Type: "basic", Username: "tester", Password: "secret"},
		client.WithRetryConfig(client.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	)
	require.NoError(t, err)

	doc, err := contract.LoadFromFile(context.Background(), "../../api/openapi.yaml")
	require.NoError(t, err)

	graph, err := depgraph.New(catalog)
	require.NoError(t, err)
	builder, err := fixture.NewBuilder(catalog)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	opts := append([]RunnerOption{WithLogger(zap.New(core))}, eo.ropts...)
	runner := NewRunner(graph, builder, c, doc, Options{Cascade: eo.cascade}, opts...)
	return &env{srv: srv, runner: runner, logs: logs}
}

func (e *env) run(t *testing.T, def Definition) *Result {
	t.Helper()
	return e.runner.Run(context.Background(), def)
}

func failureKinds(r *Result) []shared.Kind {
	return r.Kinds()
}

func TestRun_EveryScenarioPassesAgainstConformingServer(t *testing.T) {
	for _, cascade := range []bool{true, false} {
		e := newEnv(t, envOptions{cascade: cascade})
		catalog, err := resource.Default()
		require.NoError(t, err)

		for _, def := range Generate(catalog) {
			t.Run(def.ID, func(t *testing.T) {
				res := e.run(t, def)

				assert.True(t, res.Passed(), "failures: %+v", res.Failures)
				assert.Empty(t, res.Warnings)
				assert.Equal(t, len(res.Created), res.TeardownCalls, "one delete per created instance")
				for _, c := range res.Checks {
					assert.True(t, c.Conformant, "%s %s %d: %v", c.Method, c.Path, c.Status, c.Violations)
				}
				want := []State{StatePending, StateSetup, StateExercise, StateVerify, StateTeardown, StateDone}
				assert.Equal(t, want, res.Transitions)
			})
		}
		assert.Empty(t, e.srv.LiveIDs(), "no leaked fixtures (cascade=%v)", cascade)
	}
}

func TestRun_ReadChildOfCustomer(t *testing.T) {
	e := newEnv(t, envOptions{cascade: true})

	res := e.run(t, NewDefinition("site", resource.OpRead))
	require.True(t, res.Passed(), "%+v", res.Failures)

	success, ok := res.Case(CaseSuccess)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, success.Status)

	var matched bool
	for _, a := range res.Assertions {
		if strings.Contains(a.Description, ".customer_id equals customer id") {
			matched = true
			assert.True(t, a.Passed)
			assert.Equal(t, a.Expected, a.Actual)
		}
	}
	assert.True(t, matched)

	require.Len(t, res.Created, 2)
	assert.True(t, strings.HasPrefix(res.Created[0], "customer/"))
	assert.True(t, strings.HasPrefix(res.Created[1], "site/"))
	assert.Equal(t, []string{res.Created[1], res.Created[0]}, res.Deleted)
}

func TestRun_InvalidBodyConformsToErrorSchema(t *testing.T) {
	e := newEnv(t, envOptions{})

	res := e.run(t, NewDefinition("customer", resource.OpCreate))
	require.True(t, res.Passed(), "%+v", res.Failures)

	invalid, ok := res.Case(CaseInvalidBody)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, invalid.Status)

	var checked bool
	for _, c := range res.Checks {
		if c.Phase == StateExercise && c.Status == http.StatusBadRequest {
			checked = true
			assert.True(t, c.Conformant)
		}
	}
	assert.True(t, checked)
}

func TestRun_MissingIDIsNotFound(t *testing.T) {
	e := newEnv(t, envOptions{})

	res := e.run(t, NewDefinition("customer", resource.OpRead))
	require.True(t, res.Passed(), "%+v", res.Failures)

	nf, ok := res.Case(CaseNotFound)
	require.True(t, ok)
	assert.Equal(t, "/customers/00000", nf.Path)
	assert.Equal(t, http.StatusNotFound, nf.Status)
}

func TestRun_ItemListedOnOrder(t *testing.T) {
	e := newEnv(t, envOptions{cascade: true})

	res := e.run(t, NewDefinition("item", resource.OpCreate, "order_id"))
	require.True(t, res.Passed(), "%+v", res.Failures)

	var listing *Assertion
	for i, a := range res.Assertions {
		if strings.HasPrefix(a.Description, "order/") && strings.HasSuffix(a.Description, "in items") {
			listing = &res.Assertions[i]
		}
	}
	require.NotNil(t, listing)
	assert.True(t, listing.Passed)
	assert.Equal(t, "1 matching of 1", listing.Actual)
	assert.Empty(t, e.srv.LiveIDs())
}

func TestRun_UnauthenticatedMutationsAreRejected(t *testing.T) {
	e := newEnv(t, envOptions{})
	catalog, err := resource.Default()
	require.NoError(t, err)

	for _, def := range Filter(Generate(catalog), nil, []string{"POST", "PATCH", "DELETE"}) {
		res := e.run(t, def)
		cr, ok := res.Case(CaseUnauthorized)
		require.True(t, ok, def.ID)
		assert.Equal(t, http.StatusUnauthorized, cr.Status, def.ID)
		assert.True(t, cr.Passed, def.ID)
	}
}

func TestRun_SetupFailure(t *testing.T) {
	t.Run("first creation fails", func(t *testing.T) {
		e := newEnv(t, envOptions{faults: []fakeapi.Fault{{Method: http.MethodPost, Resource: "customer", Status: http.StatusInternalServerError}}})

		res := e.run(t, NewDefinition("site", resource.OpRead))
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, []State{StatePending, StateSetup, StateTeardown, StateFailed}, res.Transitions)
		assert.Contains(t, failureKinds(res), shared.KindSetup)
		assert.Contains(t, failureKinds(res), shared.KindContract)
		assert.Empty(t, res.Cases)
		assert.Zero(t, res.TeardownCalls)

		var setup Failure
		for _, f := range res.Failures {
			if f.Kind == shared.KindSetup {
				setup = f
			}
		}
		assert.Equal(t, "201", setup.Expected)
		assert.Equal(t, "500", setup.Actual)
	})

	t.Run("partial setup is torn down", func(t *testing.T) {
		e := newEnv(t, envOptions{faults: []fakeapi.Fault{{Method: http.MethodPost, Resource: "site", Status: http.StatusInternalServerError}}})

		res := e.run(t, NewDefinition("order", resource.OpRead))
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, 1, res.TeardownCalls)
		require.Len(t, res.Deleted, 1)
		assert.True(t, strings.HasPrefix(res.Deleted[0], "customer/"))
		assert.Empty(t, e.srv.LiveIDs())
	})

	t.Run("cascade child missing from response", func(t *testing.T) {
		e := newEnv(t, envOptions{cascade: true, faults: []fakeapi.Fault{{Method: http.MethodPost, Resource: "customer", Omit: []string{"site_id"}, Times: 1}}})

		res := e.run(t, NewDefinition("order", resource.OpRead))
		assert.Equal(t, StateFailed, res.State)
		assert.Contains(t, failureKinds(res), shared.KindSetup)
		// the customer is deleted; the site the server created stays behind
		assert.Equal(t, 1, res.TeardownCalls)
		assert.Equal(t, 1, e.srv.Live("site"))

		require.Len(t, res.Warnings, 1)
		w := res.Warnings[0]
		assert.True(t, w.ManualCleanup)
		assert.True(t, strings.HasPrefix(w.Instance, "site cascaded from customer/"), w.Instance)
		assert.Contains(t, w.Message, `"site_id"`)
		assert.Contains(t, w.Message, "manual cleanup required")
	})
}

func TestRun_UncapturedCreate(t *testing.T) {
	t.Run("created instance without id", func(t *testing.T) {
		e := newEnv(t, envOptions{faults: []fakeapi.Fault{{Method: http.MethodPost, Resource: "customer", Omit: []string{"id"}}}})

		res := e.run(t, NewDefinition("customer", resource.OpCreate))
		assert.Equal(t, StateFailed, res.State)
		assert.Zero(t, res.TeardownCalls)
		assert.Equal(t, 1, e.srv.Live("customer"))

		require.Len(t, res.Warnings, 1)
		w := res.Warnings[0]
		assert.True(t, w.ManualCleanup)
		assert.Equal(t, http.StatusCreated, w.Status)
		assert.Equal(t, "customer from success case", w.Instance)
		assert.Len(t, e.logs.FilterMessage("manual cleanup required").All(), 1)
	})
}

func TestRun_Timeout(t *testing.T) {
	e := newEnv(t, envOptions{
		timeout: 50 * time.Millisecond,
		faults:  []fakeapi.Fault{{Method: http.MethodGet, Resource: "customer", Delay: time.Second}},
	})

	res := e.run(t, NewDefinition("customer", resource.OpRead))
	assert.Equal(t, StateFailed, res.State)

	var timedOut []Failure
	for _, f := range res.Failures {
		if f.TimedOut {
			timedOut = append(timedOut, f)
		}
	}
	require.Len(t, timedOut, 2)
	for _, f := range timedOut {
		assert.Equal(t, shared.KindAssertion, f.Kind)
		assert.Equal(t, StateExercise, f.Phase)
		assert.Equal(t, string(shared.KindTimeout), f.Actual)
	}
	assert.Equal(t, 1, res.TeardownCalls)
	assert.Empty(t, e.srv.LiveIDs())
}

func TestRun_TeardownWarnings(t *testing.T) {
	t.Run("unexpected status needs manual cleanup", func(t *testing.T) {
		e := newEnv(t, envOptions{faults: []fakeapi.Fault{{Method: http.MethodDelete, Resource: "customer", Status: http.StatusInternalServerError, Times: 1}}})

		res := e.run(t, NewDefinition("customer", resource.OpRead))
		assert.True(t, res.Passed(), "teardown problems never fail a scenario")
		require.Len(t, res.Warnings, 1)
		w := res.Warnings[0]
		assert.Equal(t, shared.KindTeardown, w.Kind)
		assert.True(t, w.ManualCleanup)
		assert.Equal(t, http.StatusInternalServerError, w.Status)
		assert.Contains(t, w.Message, "manual cleanup required")
		assert.Equal(t, 1, e.srv.Live("customer"))

		entries := e.logs.FilterMessage("manual cleanup required").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "customer", entries[0].ContextMap()["resource"])
	})

	t.Run("repeat delete succeeding is flagged", func(t *testing.T) {
		e := newEnv(t, envOptions{faults: []fakeapi.Fault{{Method: http.MethodDelete, Resource: "customer", NoOp: true, Times: 2}}})

		res := e.run(t, NewDefinition("customer", resource.OpDelete))
		assert.Equal(t, StateFailed, res.State, "deleted customer is still readable")
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0].Message, "possible contract bug")
		assert.False(t, res.Warnings[0].ManualCleanup)
		assert.Empty(t, e.srv.LiveIDs())
	})
}

func TestRun_IdempotentDelete(t *testing.T) {
	e := newEnv(t, envOptions{})

	res := e.run(t, NewDefinition("customer", resource.OpDelete))
	require.True(t, res.Passed(), "%+v", res.Failures)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, res.TeardownCalls)
	assert.Empty(t, res.Deleted, "the exercise already removed it")
	// not-found case, success case and the tolerated repeat in teardown
	assert.Equal(t, 3, e.srv.Calls(http.MethodDelete, "customer"))
}

func TestRun_PatchReparents(t *testing.T) {
	find := func(res *Result, suffix string) *Assertion {
		for i, a := range res.Assertions {
			if strings.HasSuffix(a.Description, suffix) {
				return &res.Assertions[i]
			}
		}
		return nil
	}

	t.Run("estimate moves to a second customer", func(t *testing.T) {
		e := newEnv(t, envOptions{cascade: true})

		res := e.run(t, NewDefinition("estimate", resource.OpUpdate))
		require.True(t, res.Passed(), "%+v", res.Failures)

		// customer, its cascaded site, the second customer, the estimate
		require.Len(t, res.Created, 4)
		assert.True(t, strings.HasPrefix(res.Created[0], "customer/"))
		assert.True(t, strings.HasPrefix(res.Created[2], "customer/"))
		second := strings.TrimPrefix(res.Created[2], "customer/")

		roundTrip := find(res, ".customer_id round-trips")
		require.NotNil(t, roundTrip)
		assert.Equal(t, strconv.Quote(second), roundTrip.Expected)
		assert.Equal(t, roundTrip.Expected, roundTrip.Actual)

		restored := find(res, "restored to its original customer_id")
		require.NotNil(t, restored)
		assert.True(t, restored.Passed)

		assert.Equal(t, 4, res.TeardownCalls)
		assert.True(t, strings.HasPrefix(res.Deleted[0], "estimate/"), "the estimate goes before its parents")
		assert.Empty(t, e.srv.LiveIDs())
	})

	t.Run("item moves from its order to an estimate", func(t *testing.T) {
		e := newEnv(t, envOptions{})

		res := e.run(t, NewDefinition("item", resource.OpUpdate, "order_id"))
		require.True(t, res.Passed(), "%+v", res.Failures)

		for _, field := range []string{"order_id", "site_id"} {
			cleared := find(res, "."+field+" round-trips")
			require.NotNil(t, cleared, field)
			assert.Equal(t, `""`, cleared.Expected)
		}
		moved := find(res, ".estimate_id round-trips")
		require.NotNil(t, moved)
		assert.True(t, moved.Passed)
		assert.Equal(t, 1, e.srv.Calls(http.MethodPost, "estimate"))
		assert.Empty(t, e.srv.LiveIDs())
	})

	t.Run("second parent rejected", func(t *testing.T) {
		e := newEnv(t, envOptions{faults: []fakeapi.Fault{
			{Method: http.MethodPost, Resource: "customer", Times: 1},
			{Method: http.MethodPost, Resource: "customer", Status: http.StatusInternalServerError},
		}})

		res := e.run(t, NewDefinition("site", resource.OpUpdate))
		assert.Equal(t, StateFailed, res.State)
		assert.Contains(t, failureKinds(res), shared.KindSetup)
		assert.Empty(t, res.Cases)
		assert.Empty(t, e.srv.LiveIDs())
	})
}

func TestRun_PatchRoundTrip(t *testing.T) {
	t.Run("value persists", func(t *testing.T) {
		e := newEnv(t, envOptions{})

		res := e.run(t, NewDefinition("customer", resource.OpUpdate))
		require.True(t, res.Passed(), "%+v", res.Failures)

		var roundTrip Assertion
		for _, a := range res.Assertions {
			if strings.HasSuffix(a.Description, ".last_name round-trips") {
				roundTrip = a
			}
		}
		assert.Equal(t, `"updated"`, roundTrip.Expected)
		assert.Equal(t, `"updated"`, roundTrip.Actual)
	})

	t.Run("ignored update", func(t *testing.T) {
		e := newEnv(t, envOptions{faults: []fakeapi.Fault{{Method: http.MethodPatch, Resource: "payment", NoOp: true}}})

		res := e.run(t, NewDefinition("payment", resource.OpUpdate))
		assert.Equal(t, StateFailed, res.State)
		require.NotEmpty(t, res.Failures)
		f := res.Failures[len(res.Failures)-1]
		assert.Equal(t, shared.KindAssertion, f.Kind)
		assert.Equal(t, StateVerify, f.Phase)
		assert.Equal(t, "500", f.Expected)
		assert.Equal(t, "200", f.Actual)
	})
}

func TestRun_ContractViolation(t *testing.T) {
	e := newEnv(t, envOptions{faults: []fakeapi.Fault{{Method: http.MethodGet, Resource: "site", Omit: []string{"id"}}}})

	res := e.run(t, NewDefinition("site", resource.OpRead))
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, failureKinds(res), shared.KindContract)

	for _, f := range res.Failures {
		if f.Kind == shared.KindContract {
			assert.Contains(t, f.Expected, "GET /sites/{id} 200")
			assert.Contains(t, f.Actual, "schema")
		}
	}
	assert.Empty(t, e.srv.LiveIDs())
}

func TestRun_ConfigurationError(t *testing.T) {
	e := newEnv(t, envOptions{})

	res := e.run(t, NewDefinition("warehouse", resource.OpRead))
	require.Error(t, res.Err)
	assert.True(t, shared.IsConfigurationError(res.Err))
	assert.Equal(t, []State{StatePending, StateFailed}, res.Transitions)
	assert.Equal(t, []shared.Kind{shared.KindConfiguration}, res.Kinds())
}

func TestRun_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	e := newEnv(t, envOptions{ropts: []RunnerOption{WithTracerProvider(tp)}})

	res := e.run(t, NewDefinition("customer", resource.OpRead))
	require.True(t, res.Passed())

	var found bool
	for _, s := range recorder.Ended() {
		if s.Name() != "scenario customer.GET" {
			continue
		}
		found = true
		var events []string
		for _, ev := range s.Events() {
			events = append(events, ev.Name)
		}
		assert.Equal(t, []string{"SETUP", "EXERCISE", "VERIFY", "TEARDOWN", "DONE"}, events)
	}
	assert.True(t, found)
}
