package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matindow/modi-api/internal/client"
	"github.com/matindow/modi-api/internal/contract"
	"github.com/matindow/modi-api/internal/depgraph"
	"github.com/matindow/modi-api/internal/fixture"
	"github.com/matindow/modi-api/internal/logger"
	"github.com/matindow/modi-api/internal/resource"
	"github.com/matindow/modi-api/internal/shared"
)

const tracerName = "github.com/matindow/modi-api/internal/scenario"

// maxBodyExcerpt bounds how much of a response body is copied into failures.
const maxBodyExcerpt = 256

// Doer issues HTTP calls. *client.Client implements it.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
}

// Validator checks responses against the contract. *contract.Contract
// implements it.
type Validator interface {
	Validate(ctx context.Context, ex contract.Exchange) contract.Verdict
}

// Options tune the exercise cases.
type Options struct {
	// MissingID is an id the server never issues.
	// Default: "00000"
	MissingID string
	// InvalidBody is sent by the invalid-body case.
	// Default: {"invalid":"invalid"}
	InvalidBody []byte
	// Cascade lets a parent create dependents server-side through its
	// auto-create flags instead of creating them one by one.
	Cascade bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MissingID:   "00000",
		InvalidBody: []byte(`{"invalid":"invalid"}`),
		Cascade:     true,
	}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithTracerProvider traces scenarios with tp.
func WithTracerProvider(tp trace.TracerProvider) RunnerOption {
	return func(r *Runner) {
		r.tracer = tp.Tracer(tracerName)
	}
}

// Runner executes scenarios. A Runner holds no per-scenario state; every Run
// call owns its own fixture ledger.
//
// Thread Safety: safe for concurrent Run calls.
type Runner struct {
	graph     *depgraph.Graph
	builder   *fixture.Builder
	doer      Doer
	validator Validator
	opts      Options
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRunner creates a runner. validator may be nil to skip contract checks.
func NewRunner(graph *depgraph.Graph, builder *fixture.Builder, doer Doer, validator Validator, opts Options, ropts ...RunnerOption) *Runner {
	def := DefaultOptions()
	if opts.MissingID == "" {
		opts.MissingID = def.MissingID
	}
	if len(opts.InvalidBody) == 0 {
		opts.InvalidBody = def.InvalidBody
	}
	r := &Runner{
		graph:     graph,
		builder:   builder,
		doer:      doer,
		validator: validator,
		opts:      opts,
		logger:    zap.NewNop(),
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, o := range ropts {
		o(r)
	}
	return r
}

// execution is the state of one Run call.
type execution struct {
	*Runner
	def    Definition
	spec   *resource.Spec
	res    *Result
	ledger *fixture.Ledger
	log    *zap.Logger

	// target is the instance under test once it exists.
	target *fixture.Instance
	// payload is the body of the success create case.
	payload fixture.Payload
	// patch is the body of the update cases.
	patch fixture.Payload
	// spare is the parent a re-parenting update moves the target under.
	spare *fixture.Instance
	// success is the response of the success case.
	success *client.Response
}

// Run executes def and returns its result. It never returns an error:
// failures are recorded on the result. A ConfigurationError that prevents
// the scenario from starting is stored in Result.Err.
func (r *Runner) Run(ctx context.Context, def Definition) *Result {
	res := newResult(def)
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	ctx, log := logger.WithScenario(ctx, logger.FromContextOr(ctx, r.logger), def.ID)

	ctx, span := r.tracer.Start(ctx, "scenario "+def.ID, trace.WithAttributes(
		attribute.String("modi.scenario", def.ID),
		attribute.String("modi.resource", def.Resource),
		attribute.String("modi.operation", string(def.Operation)),
	))
	defer span.End()

	ex := &execution{Runner: r, def: def, res: res, ledger: fixture.NewLedger(), log: log}
	defer func() {
		span.SetAttributes(attribute.String("modi.state", string(res.State)))
		if res.State == StateFailed {
			span.SetStatus(codes.Error, "scenario failed")
		}
	}()

	plan, err := r.graph.Resolve(def.Resource, def.Attach...)
	if err != nil {
		res.Err = err
		res.fail(Failure{Kind: shared.KindConfiguration, Phase: StatePending, Message: err.Error()})
		ex.finish(ctx, span)
		return res
	}
	ex.spec = plan[len(plan)-1]
	if !ex.spec.Supports(def.Operation) {
		res.Err = shared.NewConfigurationError("resource %q does not support %s", def.Resource, def.Operation)
		res.fail(Failure{Kind: shared.KindConfiguration, Phase: StatePending, Message: res.Err.Error()})
		ex.finish(ctx, span)
		return res
	}

	ex.enter(ctx, span, StateSetup)
	if ex.setup(ctx, plan) {
		ex.enter(ctx, span, StateExercise)
		if ex.exercise(ctx) {
			ex.enter(ctx, span, StateVerify)
			ex.verify(ctx)
		}
	}
	ex.enter(ctx, span, StateTeardown)
	ex.teardown(ctx)
	ex.finish(ctx, span)
	return res
}

func (ex *execution) enter(ctx context.Context, span trace.Span, s State) {
	ex.res.transition(s)
	span.AddEvent(string(s))
	ex.log.Debug("scenario state", zap.String("state", string(s)))
}

func (ex *execution) finish(ctx context.Context, span trace.Span) {
	if len(ex.res.Failures) > 0 {
		ex.enter(ctx, span, StateFailed)
		for _, f := range ex.res.Failures {
			ex.log.Warn("scenario failure",
				zap.String("kind", string(f.Kind)),
				zap.String("phase", string(f.Phase)),
				zap.String("case", string(f.Case)),
				zap.String("expected", f.Expected),
				zap.String("actual", f.Actual),
				zap.String("message", f.Message))
		}
		return
	}
	ex.enter(ctx, span, StateDone)
}

// cascadePlan decides which ancestors are created server-side. It maps each
// such child to the parent whose creation produces it.
func (ex *execution) cascadePlan(plan []*resource.Spec) map[string]string {
	provided := make(map[string]string)
	if !ex.opts.Cascade {
		return provided
	}
	position := make(map[string]int, len(plan))
	for i, s := range plan {
		position[s.Name] = i
	}
	for i, parent := range plan {
		if _, already := provided[parent.Name]; already {
			continue
		}
		for _, ac := range parent.AutoCreate {
			pos, inPlan := position[ac.Resource]
			if !inPlan || pos <= i || ac.Resource == ex.def.Resource {
				continue
			}
			child := plan[pos]
			ok := true
			for _, fk := range child.ForeignKeys {
				if fk.Optional {
					continue
				}
				if fk.Parent != parent.Name && provided[fk.Parent] != parent.Name {
					ok = false
					break
				}
			}
			if ok {
				provided[child.Name] = parent.Name
			}
		}
	}
	return provided
}

// overrides returns the foreign key values for spec taken from the ledger.
func (ex *execution) overrides(spec *resource.Spec) (fixture.Payload, error) {
	out := fixture.Payload{}
	for _, fk := range spec.ForeignKeys {
		if fk.Optional && (spec.Name != ex.def.Resource || !slices.Contains(ex.def.Attach, fk.Field)) {
			continue
		}
		parent, ok := ex.ledger.Lookup(fk.Parent)
		if !ok {
			return nil, &fixture.Error{Resource: spec.Name, Field: fk.Field, Err: fixture.ErrMissingField}
		}
		out[fk.Field] = parent.ID
	}
	return out, nil
}

func (ex *execution) setup(ctx context.Context, plan []*resource.Spec) bool {
	provided := ex.cascadePlan(plan)
	create := plan
	if ex.def.Operation == resource.OpCreate {
		create = plan[:len(plan)-1]
	}

	for _, spec := range create {
		if _, cascaded := provided[spec.Name]; cascaded {
			continue
		}
		if spec == ex.spec && ex.def.Operation == resource.OpUpdate && spec.Reparent != nil {
			if !ex.createSpare(ctx) {
				return false
			}
		}
		var flags []string
		for _, ac := range spec.AutoCreate {
			if provided[ac.Resource] == spec.Name {
				flags = append(flags, ac.Flag)
			}
		}
		inst, resp, ok := ex.post(ctx, spec, flags)
		if !ok {
			return false
		}
		if spec.Name == ex.def.Resource {
			ex.target = inst
		}

		ids, missing := inst.CascadeIDs()
		for _, ac := range fixture.Cascades(spec, inst.Payload) {
			id, ok := ids[ac.Resource]
			if !ok {
				continue
			}
			child := ex.graph.Catalog().MustGet(ac.Resource)
			ex.record(&fixture.Instance{Spec: child, ID: id, CascadedFrom: spec.Name})
		}
		for _, ac := range missing {
			ex.untracked(shared.KindSetup, fmt.Sprintf("%s cascaded from %s", ac.Resource, inst), resp.StatusCode,
				fmt.Sprintf("response lacks %q", ac.IDField))
		}
		if len(missing) > 0 {
			ex.res.fail(Failure{
				Kind:     shared.KindSetup,
				Phase:    StateSetup,
				Message:  fmt.Sprintf("creating %s with %s: response lacks %q", spec.Name, missing[0].Flag, missing[0].IDField),
				Expected: missing[0].IDField,
				Actual:   excerpt(resp.Body),
			})
			return false
		}
	}
	return true
}

// post creates one fixture of spec during SETUP and records it.
func (ex *execution) post(ctx context.Context, spec *resource.Spec, flags []string) (*fixture.Instance, *client.Response, bool) {
	overrides, err := ex.overrides(spec)
	if err != nil {
		ex.res.fail(Failure{Kind: shared.KindFixture, Phase: StateSetup, Message: err.Error()})
		return nil, nil, false
	}
	payload, err := ex.builder.Build(spec, overrides, fixture.Options{AutoCreate: flags})
	if err != nil {
		ex.res.fail(Failure{Kind: shared.KindFixture, Phase: StateSetup, Message: err.Error()})
		return nil, nil, false
	}

	resp, err := ex.call(ctx, StateSetup, spec.Path, client.Request{
		Method: http.MethodPost,
		Path:   spec.CollectionPath(),
		Body:   payload,
	})
	if err != nil {
		ex.res.fail(callFailure(shared.KindSetup, StateSetup, "", fmt.Sprintf("creating %s", spec.Name), http.StatusCreated, err))
		return nil, nil, false
	}
	if resp.StatusCode != http.StatusCreated {
		ex.res.fail(Failure{
			Kind:     shared.KindSetup,
			Phase:    StateSetup,
			Message:  fmt.Sprintf("creating %s: %s", spec.Name, excerpt(resp.Body)),
			Expected: strconv.Itoa(http.StatusCreated),
			Actual:   strconv.Itoa(resp.StatusCode),
		})
		return nil, nil, false
	}
	inst, err := fixture.Capture(spec, payload, resp.Body)
	if err != nil {
		ex.untracked(shared.KindSetup, spec.Name, resp.StatusCode, err.Error())
		ex.res.fail(Failure{Kind: shared.KindSetup, Phase: StateSetup, Message: err.Error()})
		return nil, nil, false
	}
	ex.record(inst)
	return inst, resp, true
}

// createSpare creates the parent an update scenario moves its target under.
// It is created before the target so teardown removes the target first.
func (ex *execution) createSpare(ctx context.Context) bool {
	fk, _ := ex.spec.ForeignKey(ex.spec.Reparent.Field)
	inst, _, ok := ex.post(ctx, ex.graph.Catalog().MustGet(fk.Parent), nil)
	if !ok {
		return false
	}
	inst.Spare = true
	ex.spare = inst
	return true
}

func (ex *execution) record(inst *fixture.Instance) {
	ex.ledger.Add(inst)
	ex.res.Created = append(ex.res.Created, inst.String())
	ex.log.Debug("fixture created", zap.String("instance", inst.String()), zap.String("cascaded_from", inst.CascadedFrom))
}

// exercise runs every applicable case. It reports whether the success case
// produced the expected status so VERIFY can run.
func (ex *execution) exercise(ctx context.Context) bool {
	op := ex.def.Operation
	spec := ex.spec

	var body any
	switch op {
	case resource.OpCreate:
		overrides, err := ex.overrides(spec)
		if err == nil {
			ex.payload, err = ex.builder.Build(spec, overrides, fixture.Options{})
		}
		if err != nil {
			ex.res.fail(Failure{Kind: shared.KindFixture, Phase: StateExercise, Message: err.Error()})
			return false
		}
		body = ex.payload
	case resource.OpUpdate:
		var newParent string
		if ex.spare != nil {
			newParent = ex.spare.ID
		}
		ex.patch = ex.builder.Update(spec, newParent)
		body = ex.patch
	}

	path := spec.CollectionPath()
	if op.TargetsInstance() {
		if ex.target == nil {
			ex.res.fail(Failure{Kind: shared.KindFixture, Phase: StateExercise, Message: spec.Name + " instance under test was not created"})
			return false
		}
		path = ex.target.Path()
	}

	ex.exerciseCase(ctx, CaseUnauthorized, http.StatusUnauthorized, client.Request{
		Method: string(op), Path: path, Body: body, Anonymous: true,
	})
	if op.HasBody() {
		ex.exerciseCase(ctx, CaseInvalidBody, http.StatusBadRequest, client.Request{
			Method: string(op), Path: path, RawBody: ex.opts.InvalidBody,
		})
	}
	if op.TargetsInstance() {
		ex.exerciseCase(ctx, CaseNotFound, http.StatusNotFound, client.Request{
			Method: string(op), Path: spec.InstancePath(ex.opts.MissingID), Body: body,
		})
	}
	resp, ok := ex.exerciseCase(ctx, CaseSuccess, op.SuccessStatus(), client.Request{
		Method: string(op), Path: path, Body: body,
	})
	ex.success = resp
	return ok
}

func (ex *execution) exerciseCase(ctx context.Context, c Case, want int, req client.Request) (*client.Response, bool) {
	template := ex.spec.CollectionPath()
	if ex.def.Operation.TargetsInstance() {
		template = ex.spec.PathTemplate()
	}

	resp, err := ex.call(ctx, StateExercise, template, req)
	cr := CaseResult{Case: c, Method: req.Method, Path: req.Path, ExpectedStatus: want}
	if err != nil {
		ex.res.Cases = append(ex.res.Cases, cr)
		ex.res.fail(callFailure(shared.KindAssertion, StateExercise, c, fmt.Sprintf("%s %s", req.Method, req.Path), want, err))
		return nil, false
	}
	cr.Status = resp.StatusCode
	cr.Duration = resp.Duration
	cr.Passed = resp.StatusCode == want
	ex.res.Cases = append(ex.res.Cases, cr)

	ex.adopt(c, req, resp)

	if !cr.Passed {
		ex.res.fail(Failure{
			Kind:     shared.KindAssertion,
			Phase:    StateExercise,
			Case:     c,
			Message:  fmt.Sprintf("%s %s: %s", req.Method, req.Path, excerpt(resp.Body)),
			Expected: strconv.Itoa(want),
			Actual:   strconv.Itoa(resp.StatusCode),
		})
	}
	return resp, cr.Passed
}

// adopt keeps track of instances the exercise phase created or deleted,
// whatever case produced them, so teardown stays exact.
func (ex *execution) adopt(c Case, req client.Request, resp *client.Response) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return
	}
	switch ex.def.Operation {
	case resource.OpCreate:
		inst, err := fixture.Capture(ex.spec, ex.payload, resp.Body)
		if err != nil {
			ex.untracked(shared.KindAssertion, fmt.Sprintf("%s from %s case", ex.spec.Name, c), resp.StatusCode,
				fmt.Sprintf("created with status %d but %v", resp.StatusCode, err))
			if c == CaseSuccess {
				ex.res.fail(Failure{Kind: shared.KindAssertion, Phase: StateExercise, Case: c, Message: err.Error(),
					Expected: ex.spec.IDField, Actual: excerpt(resp.Body)})
			}
			return
		}
		ex.record(inst)
		if c == CaseSuccess {
			ex.target = inst
		}
	case resource.OpDelete:
		if ex.target != nil && req.Path == ex.target.Path() {
			ex.target.Deleted = true
		}
	}
}

func (ex *execution) verify(ctx context.Context) {
	switch ex.def.Operation {
	case resource.OpCreate:
		ex.verifyCreate(ctx)
	case resource.OpRead:
		ex.verifyRead()
	case resource.OpUpdate:
		ex.verifyUpdate(ctx)
	case resource.OpDelete:
		ex.verifyDelete(ctx)
	}
}

// assert records a VERIFY assertion and a failure when it does not hold.
func (ex *execution) assert(description, expected, actual string, passed bool) bool {
	ex.res.assert(Assertion{Description: description, Passed: passed, Expected: expected, Actual: actual})
	if !passed {
		ex.res.fail(Failure{
			Kind:     shared.KindAssertion,
			Phase:    StateVerify,
			Case:     CaseSuccess,
			Message:  description,
			Expected: expected,
			Actual:   actual,
		})
	}
	return passed
}

// fetch GETs an instance during VERIFY. A transport error is recorded and
// nil returned.
func (ex *execution) fetch(ctx context.Context, spec *resource.Spec, id string, query map[string]string) *client.Response {
	req := client.Request{Method: http.MethodGet, Path: spec.InstancePath(id), Query: query}
	resp, err := ex.call(ctx, StateVerify, spec.PathTemplate(), req)
	if err != nil {
		ex.res.fail(callFailure(shared.KindAssertion, StateVerify, CaseSuccess, "GET "+req.Path, http.StatusOK, err))
		return nil
	}
	return resp
}

func (ex *execution) verifyCreate(ctx context.Context) {
	inst := ex.target
	if inst == nil {
		return
	}
	resp := ex.fetch(ctx, ex.spec, inst.ID, nil)
	if resp == nil {
		return
	}
	ex.assert(fmt.Sprintf("created %s is readable", inst), strconv.Itoa(http.StatusOK), strconv.Itoa(resp.StatusCode),
		resp.StatusCode == http.StatusOK)

	for _, l := range ex.spec.ListedOn {
		parentID := fixture.IDString(inst.Payload[fkField(ex.spec, l.Parent)])
		if parentID == "" {
			continue
		}
		parentSpec := ex.graph.Catalog().MustGet(l.Parent)
		presp := ex.fetch(ctx, parentSpec, parentID, l.Query)
		if presp == nil {
			continue
		}
		desc := fmt.Sprintf("%s/%s lists %s in %s", parentSpec.Name, parentID, inst, l.Field)
		if presp.StatusCode != http.StatusOK {
			ex.assert(desc, strconv.Itoa(http.StatusOK), strconv.Itoa(presp.StatusCode), false)
			continue
		}
		parent, err := fixture.DecodeObject(presp.Body)
		if err != nil {
			ex.assert(desc, "JSON object", excerpt(presp.Body), false)
			continue
		}
		entries, _ := parent[l.Field].([]any)
		matches := 0
		for _, e := range entries {
			if m, ok := e.(map[string]any); ok && fixture.IDString(m[ex.spec.IDField]) == inst.ID {
				matches++
			}
		}
		ex.assert(desc, "exactly 1 entry with id "+inst.ID, fmt.Sprintf("%d matching of %d", matches, len(entries)), matches == 1)
	}
}

func fkField(spec *resource.Spec, parent string) string {
	for _, fk := range spec.ForeignKeys {
		if fk.Parent == parent {
			return fk.Field
		}
	}
	return ""
}

func (ex *execution) verifyRead() {
	if ex.success == nil || ex.target == nil {
		return
	}
	body, err := fixture.DecodeObject(ex.success.Body)
	if err != nil {
		ex.assert(fmt.Sprintf("%s body decodes", ex.target), "JSON object", excerpt(ex.success.Body), false)
		return
	}
	got := fixture.IDString(body[ex.spec.IDField])
	ex.assert(fmt.Sprintf("%s has %s %s", ex.target, ex.spec.IDField, ex.target.ID), ex.target.ID, got, got == ex.target.ID)

	for _, fk := range ex.spec.ForeignKeys {
		want := fixture.IDString(ex.target.Payload[fk.Field])
		if want == "" {
			continue
		}
		got := fixture.IDString(body[fk.Field])
		ex.assert(fmt.Sprintf("%s.%s equals %s id", ex.target, fk.Field, fk.Parent), want, got, got == want)
	}
}

// verifyUpdate re-reads the instance and compares every patched field
// byte for byte with the value that was sent.
func (ex *execution) verifyUpdate(ctx context.Context) {
	if ex.target == nil {
		return
	}
	resp := ex.fetch(ctx, ex.spec, ex.target.ID, nil)
	if resp == nil {
		return
	}
	if !ex.assert(fmt.Sprintf("patched %s is readable", ex.target), strconv.Itoa(http.StatusOK), strconv.Itoa(resp.StatusCode),
		resp.StatusCode == http.StatusOK) {
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &fields); err != nil {
		ex.assert(fmt.Sprintf("%s body decodes", ex.target), "JSON object", excerpt(resp.Body), false)
		return
	}
	for _, field := range slices.Sorted(maps.Keys(ex.patch)) {
		want, err := json.Marshal(ex.patch[field])
		if err != nil {
			continue
		}
		got := compact(fields[field])
		ex.assert(fmt.Sprintf("%s.%s round-trips", ex.target, field), string(want), got, got == string(want))
	}
	if ex.spare != nil {
		ex.restore(ctx)
	}
}

// restore points a re-parented target back at the parents it was created
// with.
func (ex *execution) restore(ctx context.Context) {
	rp := ex.spec.Reparent
	body := fixture.Payload{}
	for _, field := range append([]string{rp.Field}, rp.Clear...) {
		v, ok := ex.target.Payload[field]
		if !ok {
			v = ""
		}
		body[field] = v
	}
	req := client.Request{Method: http.MethodPatch, Path: ex.target.Path(), Body: body}
	resp, err := ex.call(ctx, StateVerify, ex.spec.PathTemplate(), req)
	if err != nil {
		ex.res.fail(callFailure(shared.KindAssertion, StateVerify, CaseSuccess, "PATCH "+req.Path, http.StatusOK, err))
		return
	}
	ex.assert(fmt.Sprintf("%s restored to its original %s", ex.target, rp.Field), strconv.Itoa(http.StatusOK),
		strconv.Itoa(resp.StatusCode), resp.StatusCode == http.StatusOK)
}

func (ex *execution) verifyDelete(ctx context.Context) {
	if ex.target == nil {
		return
	}
	resp := ex.fetch(ctx, ex.spec, ex.target.ID, nil)
	if resp == nil {
		return
	}
	ex.assert(fmt.Sprintf("deleted %s is gone", ex.target), strconv.Itoa(http.StatusNotFound), strconv.Itoa(resp.StatusCode),
		resp.StatusCode == http.StatusNotFound)
}

// teardown deletes every recorded instance once, newest first. It runs on a
// context detached from cancellation so cleanup is never skipped.
func (ex *execution) teardown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, inst := range ex.ledger.Reverse() {
		ex.res.TeardownCalls++
		resp, err := ex.doer.Do(ctx, client.Request{Method: http.MethodDelete, Path: inst.Path()})
		if err != nil {
			ex.leak(inst, 0, fmt.Sprintf("delete failed: %v", err))
			continue
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if inst.Deleted {
				msg := fmt.Sprintf("repeat delete returned %d; possible contract bug", resp.StatusCode)
				ex.res.warn(Warning{Kind: shared.KindTeardown, Instance: inst.String(), Status: resp.StatusCode, Message: msg})
				ex.log.Warn("repeat delete succeeded", zap.String("instance", inst.String()), zap.Int("status", resp.StatusCode))
				continue
			}
			ex.res.Deleted = append(ex.res.Deleted, inst.String())
		case resp.StatusCode == http.StatusNotFound:
			if inst.Deleted {
				continue
			}
			ex.res.warn(Warning{Kind: shared.KindTeardown, Instance: inst.String(), Status: resp.StatusCode,
				Message: "instance was already gone"})
			ex.log.Warn("teardown found no instance", zap.String("instance", inst.String()))
		default:
			ex.leak(inst, resp.StatusCode, fmt.Sprintf("delete returned %d: %s", resp.StatusCode, excerpt(resp.Body)))
		}
	}
}

func (ex *execution) leak(inst *fixture.Instance, status int, msg string) {
	ex.res.warn(Warning{
		Kind:          shared.KindTeardown,
		Instance:      inst.String(),
		Status:        status,
		Message:       msg + "; manual cleanup required",
		ManualCleanup: true,
	})
	ex.log.Warn("manual cleanup required",
		zap.String("resource", inst.Spec.Name),
		zap.String("id", inst.ID),
		zap.Int("status", status),
		zap.String("reason", msg))
}

// untracked reports an instance the server created whose id was never
// learned, so teardown cannot delete it.
func (ex *execution) untracked(kind shared.Kind, what string, status int, msg string) {
	ex.res.warn(Warning{
		Kind:          kind,
		Instance:      what,
		Status:        status,
		Message:       msg + "; manual cleanup required",
		ManualCleanup: true,
	})
	ex.log.Warn("manual cleanup required",
		zap.String("instance", what),
		zap.Int("status", status),
		zap.String("reason", msg))
}

// call issues req and validates the response against the contract.
func (ex *execution) call(ctx context.Context, phase State, template string, req client.Request) (*client.Response, error) {
	resp, err := ex.doer.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if ex.validator == nil {
		return resp, nil
	}
	verdict := ex.validator.Validate(ctx, contract.Exchange{
		Method: req.Method,
		Path:   template,
		URL:    resp.URL,
		Status: resp.StatusCode,
		Header: resp.Headers,
		Body:   resp.Body,
	})
	ex.res.Checks = append(ex.res.Checks, Check{
		Phase:      phase,
		Method:     req.Method,
		Path:       template,
		Status:     resp.StatusCode,
		Conformant: verdict.Conformant,
		Violations: verdict.Violations,
	})
	if !verdict.Conformant {
		actual := make([]string, 0, len(verdict.Violations))
		for _, v := range verdict.Violations {
			actual = append(actual, v.String())
		}
		ex.res.fail(Failure{
			Kind:     shared.KindContract,
			Phase:    phase,
			Message:  fmt.Sprintf("%s %s returned %d outside the contract", req.Method, req.Path, resp.StatusCode),
			Expected: fmt.Sprintf("%s %s %d conforms", req.Method, template, resp.StatusCode),
			Actual:   strings.Join(actual, "; "),
		})
	}
	return resp, nil
}

// callFailure turns a transport error into a failure of kind. Timeouts keep
// the phase kind and are flagged.
func callFailure(kind shared.Kind, phase State, c Case, what string, want int, err error) Failure {
	f := Failure{
		Kind:     kind,
		Phase:    phase,
		Case:     c,
		Message:  fmt.Sprintf("%s: %v", what, err),
		Expected: strconv.Itoa(want),
		Actual:   "no response",
	}
	var te *client.TimeoutError
	if errors.As(err, &te) {
		f.TimedOut = true
		f.Actual = string(shared.KindTimeout)
	}
	return f
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyExcerpt {
		return s[:maxBodyExcerpt] + "..."
	}
	return s
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "<missing>"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
