// Package scenario drives one CRUD lifecycle per resource operation: it
// creates the fixtures the operation depends on, exercises the operation
// under its authorization and validity cases, verifies persisted side
// effects and tears every fixture down again in reverse order.
package scenario

import (
	"fmt"
	"slices"
	"strings"

	"github.com/matindow/modi-api/internal/resource"
)

// Definition identifies one scenario.
type Definition struct {
	// ID is unique within a run, e.g. "item.POST[order_id]".
	ID string `json:"id"`
	// Resource is the target resource name.
	Resource string `json:"resource"`
	// Operation is the operation under test.
	Operation resource.Operation `json:"operation"`
	// Attach lists optional foreign keys of the target that the scenario
	// populates.
	Attach []string `json:"attach,omitempty"`
}

// String returns the ID.
func (d Definition) String() string { return d.ID }

// NewDefinition builds a definition and its ID.
func NewDefinition(res string, op resource.Operation, attach ...string) Definition {
	id := fmt.Sprintf("%s.%s", res, op)
	if len(attach) > 0 {
		id += "[" + strings.Join(attach, ",") + "]"
	}
	return Definition{ID: id, Resource: res, Operation: op, Attach: attach}
}

// Generate returns one scenario per resource and supported operation, in
// catalog order. A resource that needs at least one of several optional
// parents gets one create scenario per parent; its other operations attach
// the first one.
func Generate(catalog *resource.Catalog) []Definition {
	var defs []Definition
	for _, spec := range catalog.All() {
		optional := spec.OptionalKeys()
		for _, op := range resource.AllOperations {
			if !spec.Supports(op) {
				continue
			}
			switch {
			case !spec.RequireAnyParent || len(optional) == 0:
				defs = append(defs, NewDefinition(spec.Name, op))
			case op == resource.OpCreate:
				for _, fk := range optional {
					defs = append(defs, NewDefinition(spec.Name, op, fk.Field))
				}
			default:
				defs = append(defs, NewDefinition(spec.Name, op, optional[0].Field))
			}
		}
	}
	return defs
}

// Filter keeps the definitions matching resources and operations. Empty
// selectors match everything.
func Filter(defs []Definition, resources []string, operations []string) []Definition {
	var out []Definition
	for _, d := range defs {
		if len(resources) > 0 && !slices.Contains(resources, d.Resource) {
			continue
		}
		if len(operations) > 0 && !slices.ContainsFunc(operations, func(op string) bool {
			return strings.EqualFold(op, string(d.Operation))
		}) {
			continue
		}
		out = append(out, d)
	}
	return out
}
