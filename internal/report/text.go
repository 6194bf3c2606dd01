package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const separator = "════════════════════════════════════════════════════════════"

// RenderText writes a human readable summary. Output is deterministic for a
// given summary.
func RenderText(w io.Writer, s *Summary) error {
	var b strings.Builder

	b.WriteString(separator + "\n")
	b.WriteString("  CONFORMANCE RESULTS\n")
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "  Scenarios:  %d total, %d passed, %d failed\n", s.Total, s.Passed, s.Failed)
	fmt.Fprintf(&b, "  Fixtures:   %d created, %d deleted, %d teardown calls\n", s.Created, s.Deleted, s.TeardownCalls)
	if s.Duration > 0 {
		fmt.Fprintf(&b, "  Duration:   %s\n", s.Duration.Round(time.Millisecond))
	}

	if len(s.ByResource) > 0 {
		b.WriteString("\n  By resource:\n")
		for _, name := range sortedKeys(s.ByResource) {
			t := s.ByResource[name]
			fmt.Fprintf(&b, "    %-16s %3d passed %3d failed\n", name, t.Passed, t.Failed)
		}
	}

	if len(s.ByStatusClass) > 0 {
		b.WriteString("\n  By expected status class:\n")
		for _, class := range sortedKeys(s.ByStatusClass) {
			t := s.ByStatusClass[class]
			fmt.Fprintf(&b, "    %-16s %3d passed %3d failed\n", class, t.Passed, t.Failed)
		}
	}

	fmt.Fprintf(&b, "\n  Contract checks: %d checked, %d conformant, %d violations\n",
		s.Contract.Checked, s.Contract.Conformant, s.Contract.Violations)
	for _, rule := range sortedKeys(s.Contract.ByRule) {
		fmt.Fprintf(&b, "    %-16s %3d\n", rule, s.Contract.ByRule[rule])
	}

	if len(s.Failures) > 0 {
		b.WriteString("\n  Failures:\n")
		for _, f := range s.Failures {
			where := string(f.Phase)
			if f.Case != "" {
				where += "/" + string(f.Case)
			}
			kind := string(f.Kind)
			if f.TimedOut {
				kind += " (timeout)"
			}
			fmt.Fprintf(&b, "    ✗ %s  %s  %s\n", f.Scenario, kind, where)
			fmt.Fprintf(&b, "        %s\n", f.Message)
			if f.Expected != "" || f.Actual != "" {
				fmt.Fprintf(&b, "        expected: %s\n", f.Expected)
				fmt.Fprintf(&b, "        actual:   %s\n", f.Actual)
			}
		}
	}

	if len(s.Warnings) > 0 {
		b.WriteString("\n  Teardown warnings:\n")
		for _, wl := range s.Warnings {
			mark := "!"
			if wl.ManualCleanup {
				mark = "‼"
			}
			fmt.Fprintf(&b, "    %s %s  %s  %s\n", mark, wl.Scenario, wl.Instance, wl.Message)
		}
	}

	b.WriteString(separator + "\n")
	if s.OK() {
		b.WriteString("  PASS\n")
	} else {
		fmt.Fprintf(&b, "  FAIL (%d of %d scenarios)\n", s.Failed, s.Total)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
