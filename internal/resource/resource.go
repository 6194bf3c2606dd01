// Package resource defines the declarative description of every API resource
// the engine exercises: its REST path, required fields, foreign keys,
// server-side cascade flags and the parent listings that expose it.
package resource

import (
	"net/http"
	"slices"

	"github.com/matindow/modi-api/internal/generator"
)

// Operation is an HTTP verb the engine can exercise against a resource.
type Operation string

const (
	OpCreate Operation = http.MethodPost
	OpRead   Operation = http.MethodGet
	OpUpdate Operation = http.MethodPatch
	OpDelete Operation = http.MethodDelete
)

// AllOperations lists operations in the order scenarios are generated.
var AllOperations = []Operation{OpCreate, OpRead, OpUpdate, OpDelete}

// HasBody reports whether requests for op carry a JSON body.
func (op Operation) HasBody() bool {
	return op == OpCreate || op == OpUpdate
}

// TargetsInstance reports whether op addresses /{resource}/{id}.
func (op Operation) TargetsInstance() bool {
	return op != OpCreate
}

// SuccessStatus is the status a valid request must produce.
func (op Operation) SuccessStatus() int {
	if op == OpCreate {
		return http.StatusCreated
	}
	return http.StatusOK
}

// ForeignKey links a field of a child resource to the id of a parent.
type ForeignKey struct {
	// Field is the payload field holding the parent id, e.g. "customer_id".
	Field string `yaml:"field" json:"field"`

	// Parent is the parent resource name.
	Parent string `yaml:"parent" json:"parent"`

	// Optional keys are only populated when a scenario selects them.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// AutoCreate describes a flag that makes the server create a dependent
// resource together with this one.
type AutoCreate struct {
	// Flag is the boolean payload field, e.g. "create_job_site".
	Flag string `yaml:"flag" json:"flag"`

	// Resource is the name of the resource the server creates.
	Resource string `yaml:"resource" json:"resource"`

	// IDField is the response field carrying the created child's id.
	IDField string `yaml:"id_field" json:"id_field"`
}

// Listing names a parent field that lists instances of this resource.
type Listing struct {
	// Parent is the parent resource name.
	Parent string `yaml:"parent" json:"parent"`

	// Field is the array field on the parent, e.g. "items".
	Field string `yaml:"field" json:"field"`

	// Query holds query parameters needed for the listing to be populated.
	Query map[string]string `yaml:"query,omitempty" json:"query,omitempty"`
}

// Reparent moves an instance under a freshly created parent during an
// update scenario.
type Reparent struct {
	// Field is the foreign key set to the new parent's id.
	Field string `yaml:"field" json:"field"`

	// Clear lists foreign keys set to "" by the same patch.
	Clear []string `yaml:"clear,omitempty" json:"clear,omitempty"`
}

// Spec describes one resource type. Specs are loaded once and never mutated.
type Spec struct {
	// Name is the unique resource name, e.g. "customer".
	Name string `yaml:"name" json:"name"`

	// Path is the collection path, e.g. "/customers".
	Path string `yaml:"path" json:"path"`

	// IDField is the response field holding the server-assigned id.
	// Default: "id"
	IDField string `yaml:"id_field,omitempty" json:"id_field,omitempty"`

	// Required lists fields that must be present in a create payload.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`

	// Fields holds template values copied into every payload.
	Fields map[string]any `yaml:"fields,omitempty" json:"fields,omitempty"`

	// Generate binds fields to generators evaluated per payload.
	Generate map[string]generator.Config `yaml:"generate,omitempty" json:"generate,omitempty"`

	// ForeignKeys lists the parents this resource references.
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty" json:"foreign_keys,omitempty"`

	// RequireAnyParent demands at least one foreign key in a create payload.
	RequireAnyParent bool `yaml:"require_any_parent,omitempty" json:"require_any_parent,omitempty"`

	// AutoCreate lists cascade flags supported on create.
	AutoCreate []AutoCreate `yaml:"auto_create,omitempty" json:"auto_create,omitempty"`

	// ListedOn lists parent fields that expose instances of this resource.
	ListedOn []Listing `yaml:"listed_on,omitempty" json:"listed_on,omitempty"`

	// Patch is the payload sent by update scenarios.
	Patch map[string]any `yaml:"patch,omitempty" json:"patch,omitempty"`

	// Reparent adds a foreign key change to the update payload.
	Reparent *Reparent `yaml:"reparent,omitempty" json:"reparent,omitempty"`

	// Operations lists the supported operations.
	// Default: all four
	Operations []Operation `yaml:"operations,omitempty" json:"operations,omitempty"`
}

// CollectionPath returns the path used for create requests.
func (s *Spec) CollectionPath() string {
	return s.Path
}

// InstancePath returns the path addressing a single instance.
func (s *Spec) InstancePath(id string) string {
	return s.Path + "/" + id
}

// PathTemplate returns the templated instance path, e.g. "/customers/{id}".
func (s *Spec) PathTemplate() string {
	return s.Path + "/{id}"
}

// Supports reports whether op is supported by the resource.
func (s *Spec) Supports(op Operation) bool {
	return slices.Contains(s.Operations, op)
}

// ForeignKey returns the foreign key stored in field.
func (s *Spec) ForeignKey(field string) (ForeignKey, bool) {
	for _, fk := range s.ForeignKeys {
		if fk.Field == field {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// OptionalKeys returns the optional foreign keys in declaration order.
func (s *Spec) OptionalKeys() []ForeignKey {
	var out []ForeignKey
	for _, fk := range s.ForeignKeys {
		if fk.Optional {
			out = append(out, fk)
		}
	}
	return out
}

// AutoCreateFor returns the cascade flag that creates child, if any.
func (s *Spec) AutoCreateFor(child string) (AutoCreate, bool) {
	for _, ac := range s.AutoCreate {
		if ac.Resource == child {
			return ac, true
		}
	}
	return AutoCreate{}, false
}

// KnownFields returns every field name a payload for this resource may carry.
func (s *Spec) KnownFields() map[string]bool {
	known := map[string]bool{s.IDField: true}
	for _, f := range s.Required {
		known[f] = true
	}
	for f := range s.Fields {
		known[f] = true
	}
	for f := range s.Generate {
		known[f] = true
	}
	for f := range s.Patch {
		known[f] = true
	}
	for _, fk := range s.ForeignKeys {
		known[fk.Field] = true
	}
	for _, ac := range s.AutoCreate {
		known[ac.Flag] = true
		known[ac.IDField] = true
	}
	return known
}

func (s *Spec) applyDefaults() {
	if s.IDField == "" {
		s.IDField = "id"
	}
	if len(s.Operations) == 0 {
		s.Operations = slices.Clone(AllOperations)
	}
}
