package scenario

import (
	"time"

	"github.com/matindow/modi-api/internal/contract"
	"github.com/matindow/modi-api/internal/shared"
)

// State is a scenario lifecycle state.
type State string

const (
	StatePending  State = "PENDING"
	StateSetup    State = "SETUP"
	StateExercise State = "EXERCISE"
	StateVerify   State = "VERIFY"
	StateTeardown State = "TEARDOWN"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
)

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Case is one authorization or validity condition of the exercise phase.
type Case string

const (
	CaseUnauthorized Case = "unauthorized"
	CaseInvalidBody  Case = "invalid-body"
	CaseNotFound     Case = "not-found"
	CaseSuccess      Case = "success"
)

// CaseResult is the outcome of one exercise case.
type CaseResult struct {
	Case           Case          `json:"case"`
	Method         string        `json:"method"`
	Path           string        `json:"path"`
	ExpectedStatus int           `json:"expectedStatus"`
	Status         int           `json:"status"`
	Passed         bool          `json:"passed"`
	Duration       time.Duration `json:"duration"`
}

// Assertion is one side-effect check made during VERIFY.
type Assertion struct {
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Expected    string `json:"expected"`
	Actual      string `json:"actual"`
}

// Check is one contract validation of a captured response.
type Check struct {
	Phase      State                `json:"phase"`
	Method     string               `json:"method"`
	Path       string               `json:"path"`
	Status     int                  `json:"status"`
	Conformant bool                 `json:"conformant"`
	Violations []contract.Violation `json:"violations,omitempty"`
}

// Failure is a recorded reason for a scenario to fail.
type Failure struct {
	Kind     shared.Kind `json:"kind"`
	Phase    State       `json:"phase"`
	Case     Case        `json:"case,omitempty"`
	Message  string      `json:"message"`
	Expected string      `json:"expected,omitempty"`
	Actual   string      `json:"actual,omitempty"`
	// TimedOut marks failures caused by a call that exceeded its timeout
	// after its retry.
	TimedOut bool `json:"timedOut,omitempty"`
}

// Warning is a cleanup problem. Warnings never fail a scenario.
type Warning struct {
	Kind     shared.Kind `json:"kind"`
	Instance string      `json:"instance"`
	Status   int         `json:"status,omitempty"`
	Message  string      `json:"message"`
	// ManualCleanup is set when the instance may still exist on the server.
	ManualCleanup bool `json:"manualCleanup,omitempty"`
}

// Result is everything observed while running one scenario.
type Result struct {
	ScenarioID  string       `json:"scenario"`
	Resource    string       `json:"resource"`
	Operation   string       `json:"operation"`
	State       State        `json:"state"`
	Transitions []State      `json:"transitions"`
	Cases       []CaseResult `json:"cases,omitempty"`
	Assertions  []Assertion  `json:"assertions,omitempty"`
	Checks      []Check      `json:"checks,omitempty"`
	Failures    []Failure    `json:"failures,omitempty"`
	Warnings    []Warning    `json:"warnings,omitempty"`
	// Created lists every instance recorded for teardown, "resource/id",
	// in creation order.
	Created []string `json:"created,omitempty"`
	// Deleted lists instances teardown removed.
	Deleted []string `json:"deleted,omitempty"`
	// TeardownCalls counts delete calls issued during TEARDOWN.
	TeardownCalls int           `json:"teardownCalls"`
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`

	// Err is set when the scenario could not run because of a
	// ConfigurationError.
	Err error `json:"-"`
}

func newResult(def Definition) *Result {
	return &Result{
		ScenarioID:  def.ID,
		Resource:    def.Resource,
		Operation:   string(def.Operation),
		State:       StatePending,
		Transitions: []State{StatePending},
		Started:     time.Now(),
	}
}

// Passed reports whether the scenario finished without failures.
func (r *Result) Passed() bool {
	return r.State == StateDone
}

// Kinds returns the distinct failure kinds in first-seen order.
func (r *Result) Kinds() []shared.Kind {
	var out []shared.Kind
	seen := make(map[shared.Kind]bool)
	for _, f := range r.Failures {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			out = append(out, f.Kind)
		}
	}
	return out
}

// Case returns the result of case c.
func (r *Result) Case(c Case) (CaseResult, bool) {
	for _, cr := range r.Cases {
		if cr.Case == c {
			return cr, true
		}
	}
	return CaseResult{}, false
}

func (r *Result) transition(to State) {
	if r.State.Terminal() {
		return
	}
	r.State = to
	r.Transitions = append(r.Transitions, to)
}

func (r *Result) fail(f Failure) {
	r.Failures = append(r.Failures, f)
}

func (r *Result) warn(w Warning) {
	r.Warnings = append(r.Warnings, w)
}

func (r *Result) assert(a Assertion) bool {
	r.Assertions = append(r.Assertions, a)
	return a.Passed
}
