// Package shared holds the failure taxonomy used across the conformance engine.
package shared

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure recorded against a scenario.
type Kind string

const (
	// KindConfiguration is a fatal problem with the resource catalog, the
	// contract document or the run configuration. It halts the whole run.
	KindConfiguration Kind = "ConfigurationError"
	// KindFixture is raised when a payload cannot be built for a resource.
	KindFixture Kind = "FixtureError"
	// KindSetup is a failure to create a dependency during SETUP.
	KindSetup Kind = "SetupFailure"
	// KindAssertion is an unexpected status or side effect.
	KindAssertion Kind = "AssertionFailure"
	// KindContract is a response that does not satisfy the contract.
	KindContract Kind = "ContractViolation"
	// KindTimeout marks a call that exceeded its per-call timeout.
	KindTimeout Kind = "TimeoutError"
	// KindTeardown is a warning raised when cleanup did not succeed.
	KindTeardown Kind = "TeardownFailure"
)

// Fatal reports whether the kind aborts the run.
func (k Kind) Fatal() bool {
	return k == KindConfiguration
}

// ErrConfiguration is the sentinel matched by errors.Is for every ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError describes a fatal, non-retryable setup problem.
type ConfigurationError struct {
	// Reason is a human readable description.
	Reason string
	// Cycle holds the resource names forming a dependency cycle, if any.
	Cycle []string
	// Err is the underlying cause.
	Err error
}

// NewConfigurationError creates a ConfigurationError with a formatted reason.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// WrapConfigurationError wraps err as a ConfigurationError.
func WrapConfigurationError(err error, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error: ")
	b.WriteString(e.Reason)
	if len(e.Cycle) > 0 {
		b.WriteString(" (")
		b.WriteString(CyclePath(e.Cycle))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigurationError match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// CyclePath renders a cycle as "a -> b -> a".
func CyclePath(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ") + " -> " + cycle[0]
}
