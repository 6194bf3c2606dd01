// Package fixture builds request payloads for resources and tracks the
// instances a scenario creates so they can be torn down in reverse order.
package fixture

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/matindow/modi-api/internal/generator"
	"github.com/matindow/modi-api/internal/resource"
)

// Errors returned by the fixture package.
var (
	// ErrMissingField is wrapped by Error when a required field is absent.
	ErrMissingField = errors.New("fixture: required field missing")
	// ErrUnknownFlag is wrapped by Error when an auto-create flag is not declared.
	ErrUnknownFlag = errors.New("fixture: unknown auto-create flag")
	// ErrNoParent is wrapped by Error when a resource needs at least one parent.
	ErrNoParent = errors.New("fixture: no parent reference")
)

// Error is a FixtureError: a payload could not be built for a resource.
type Error struct {
	Resource string
	Field    string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Resource, e.Field, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *Error) Unwrap() error {
	return e.Err
}

// Payload is a JSON object sent as a request body.
type Payload map[string]any

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = deepCopy(v)
	}
	return out
}

// Options tune a single Build call.
type Options struct {
	// AutoCreate lists cascade flags to switch on, e.g. "create_job_site".
	AutoCreate []string
}

// Builder turns resource specs into payloads.
//
// Thread Safety: safe for concurrent use.
type Builder struct {
	catalog *resource.Catalog

	mu   sync.Mutex
	sets map[string]generator.Set
}

// NewBuilder creates a builder for catalog and compiles all generators.
func NewBuilder(catalog *resource.Catalog) (*Builder, error) {
	b := &Builder{
		catalog: catalog,
		sets:    make(map[string]generator.Set, catalog.Len()),
	}
	for _, spec := range catalog.All() {
		set, err := generator.NewSet(spec.Generate)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", spec.Name, err)
		}
		b.sets[spec.Name] = set
	}
	return b, nil
}

// Build returns a minimal valid payload for spec merged with overrides.
// Foreign keys are supplied through overrides. A required field that is
// still absent after the merge is reported as *Error, never dropped.
func (b *Builder) Build(spec *resource.Spec, overrides Payload, opts Options) (Payload, error) {
	p := make(Payload, len(spec.Fields)+len(overrides)+len(spec.Generate))
	for k, v := range spec.Fields {
		p[k] = deepCopy(v)
	}

	b.mu.Lock()
	set := b.sets[spec.Name]
	b.mu.Unlock()
	if err := set.Fill(p); err != nil {
		return nil, &Error{Resource: spec.Name, Err: err}
	}

	for k, v := range overrides {
		if v == nil {
			delete(p, k)
			continue
		}
		p[k] = deepCopy(v)
	}

	for _, flag := range opts.AutoCreate {
		declared := slices.ContainsFunc(spec.AutoCreate, func(ac resource.AutoCreate) bool { return ac.Flag == flag })
		if !declared {
			return nil, &Error{Resource: spec.Name, Field: flag, Err: ErrUnknownFlag}
		}
		p[flag] = true
	}

	if err := check(spec, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Patch returns a copy of the update payload declared for spec.
func (b *Builder) Patch(spec *resource.Spec) Payload {
	return Payload(spec.Patch).Clone()
}

// Update returns the body of an update scenario: the declared patch plus,
// for a re-parenting resource, newParent in the reparent field and "" in
// every cleared foreign key.
func (b *Builder) Update(spec *resource.Spec, newParent string) Payload {
	p := b.Patch(spec)
	if spec.Reparent == nil {
		return p
	}
	p[spec.Reparent.Field] = newParent
	for _, field := range spec.Reparent.Clear {
		p[field] = ""
	}
	return p
}

// Cascades returns the auto-create entries switched on in payload.
func Cascades(spec *resource.Spec, payload Payload) []resource.AutoCreate {
	var out []resource.AutoCreate
	for _, ac := range spec.AutoCreate {
		if on, _ := payload[ac.Flag].(bool); on {
			out = append(out, ac)
		}
	}
	return out
}

func check(spec *resource.Spec, p Payload) error {
	var missing []string
	for _, f := range spec.Required {
		if isEmpty(p[f]) {
			missing = append(missing, f)
		}
	}
	for _, fk := range spec.ForeignKeys {
		if !fk.Optional && isEmpty(p[fk.Field]) {
			missing = append(missing, fk.Field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &Error{Resource: spec.Name, Field: missing[0], Err: fmt.Errorf("%w (missing: %v)", ErrMissingField, missing)}
	}

	if spec.RequireAnyParent {
		for _, fk := range spec.ForeignKeys {
			if !isEmpty(p[fk.Field]) {
				return nil
			}
		}
		return &Error{Resource: spec.Name, Err: ErrNoParent}
	}
	return nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
