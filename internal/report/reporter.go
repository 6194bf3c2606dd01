// Package report aggregates scenario results and renders them as console
// text, JSON documents and Prometheus metrics.
package report

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matindow/modi-api/internal/scenario"
	"github.com/matindow/modi-api/internal/shared"
)

// Tally counts passes and failures.
type Tally struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Total returns Passed + Failed.
func (t Tally) Total() int { return t.Passed + t.Failed }

func (t *Tally) add(passed bool) {
	if passed {
		t.Passed++
	} else {
		t.Failed++
	}
}

// ContractTally summarizes contract checks.
type ContractTally struct {
	Checked    int            `json:"checked"`
	Conformant int            `json:"conformant"`
	Violations int            `json:"violations"`
	ByRule     map[string]int `json:"byRule,omitempty"`
}

// FailureLine is one failure of one scenario, as listed in the summary.
type FailureLine struct {
	Scenario string         `json:"scenario"`
	Kind     shared.Kind    `json:"kind"`
	Phase    scenario.State `json:"phase"`
	Case     scenario.Case  `json:"case,omitempty"`
	Message  string         `json:"message"`
	Expected string         `json:"expected,omitempty"`
	Actual   string         `json:"actual,omitempty"`
	TimedOut bool           `json:"timedOut,omitempty"`
}

// WarningLine is one teardown warning.
type WarningLine struct {
	Scenario      string `json:"scenario"`
	Instance      string `json:"instance"`
	Status        int    `json:"status,omitempty"`
	Message       string `json:"message"`
	ManualCleanup bool   `json:"manualCleanup,omitempty"`
}

// Summary is computed from every recorded result on demand.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	// ByResource tallies scenarios per target resource.
	ByResource map[string]Tally `json:"byResource"`
	// ByStatusClass tallies exercise cases by expected status class, "2xx" or "4xx".
	ByStatusClass map[string]Tally `json:"byStatusClass"`
	// ByKind counts failures per kind.
	ByKind   map[shared.Kind]int `json:"byKind,omitempty"`
	Contract ContractTally       `json:"contract"`
	Failures []FailureLine       `json:"failures,omitempty"`
	Warnings []WarningLine       `json:"warnings,omitempty"`
	// Created and Deleted count fixture instances across scenarios.
	Created       int           `json:"created"`
	Deleted       int           `json:"deleted"`
	TeardownCalls int           `json:"teardownCalls"`
	ManualCleanup int           `json:"manualCleanup"`
	Duration      time.Duration `json:"duration"`
}

// OK reports whether every scenario passed.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

// Reporter collects scenario results.
//
// Thread Safety: Record may be called from many goroutines.
type Reporter struct {
	mu      sync.Mutex
	ids     []string
	results []*scenario.Result
	started time.Time
	sinks   []Sink
}

// Sink observes every recorded result, e.g. to export metrics.
type Sink interface {
	Observe(res *scenario.Result)
}

// NewReporter creates an empty reporter. Sinks see every result as it is
// recorded.
func NewReporter(sinks ...Sink) *Reporter {
	return &Reporter{started: time.Now(), sinks: sinks}
}

// Record appends the result of scenarioID. Results are never replaced.
func (r *Reporter) Record(scenarioID string, res *scenario.Result) {
	r.mu.Lock()
	r.ids = append(r.ids, scenarioID)
	r.results = append(r.results, res)
	r.mu.Unlock()

	for _, s := range r.sinks {
		s.Observe(res)
	}
}

// Len returns the number of recorded results.
func (r *Reporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// Results returns the recorded results sorted by scenario id.
func (r *Reporter) Results() []*scenario.Result {
	r.mu.Lock()
	out := make([]*scenario.Result, len(r.results))
	copy(out, r.results)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ScenarioID < out[j].ScenarioID })
	return out
}

// Summary aggregates everything recorded so far.
func (r *Reporter) Summary() *Summary {
	s := Summarize(r.Results())
	s.Duration = time.Since(r.started)
	return s
}

// Summarize aggregates results. Failures and warnings keep scenario order.
func Summarize(results []*scenario.Result) *Summary {
	s := &Summary{
		ByResource:    make(map[string]Tally),
		ByStatusClass: make(map[string]Tally),
		ByKind:        make(map[shared.Kind]int),
		Contract:      ContractTally{ByRule: make(map[string]int)},
	}
	for _, res := range results {
		s.Total++
		if res.Passed() {
			s.Passed++
		} else {
			s.Failed++
		}
		t := s.ByResource[res.Resource]
		t.add(res.Passed())
		s.ByResource[res.Resource] = t

		for _, c := range res.Cases {
			class := StatusClass(c.ExpectedStatus)
			t := s.ByStatusClass[class]
			t.add(c.Passed)
			s.ByStatusClass[class] = t
		}

		for _, c := range res.Checks {
			s.Contract.Checked++
			if c.Conformant {
				s.Contract.Conformant++
				continue
			}
			s.Contract.Violations += len(c.Violations)
			for _, v := range c.Violations {
				s.Contract.ByRule[v.Rule]++
			}
		}

		for _, f := range res.Failures {
			s.ByKind[f.Kind]++
			s.Failures = append(s.Failures, FailureLine{
				Scenario: res.ScenarioID,
				Kind:     f.Kind,
				Phase:    f.Phase,
				Case:     f.Case,
				Message:  f.Message,
				Expected: f.Expected,
				Actual:   f.Actual,
				TimedOut: f.TimedOut,
			})
		}
		for _, w := range res.Warnings {
			if w.ManualCleanup {
				s.ManualCleanup++
			}
			s.Warnings = append(s.Warnings, WarningLine{
				Scenario:      res.ScenarioID,
				Instance:      w.Instance,
				Status:        w.Status,
				Message:       w.Message,
				ManualCleanup: w.ManualCleanup,
			})
		}
		s.Created += len(res.Created)
		s.Deleted += len(res.Deleted)
		s.TeardownCalls += res.TeardownCalls
	}
	return s
}

// StatusClass returns "2xx", "4xx" and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", status/100)
}
