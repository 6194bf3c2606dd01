// Package depgraph orders fixture creation and teardown among resources
// linked by foreign keys.
package depgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/matindow/modi-api/internal/resource"
	"github.com/matindow/modi-api/internal/shared"
)

// Edge is a foreign-key dependency: Child stores the id of Parent in Field.
type Edge struct {
	Child    string
	Parent   string
	Field    string
	Optional bool
}

// String renders the edge as "child.field -> parent".
func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s", e.Child, e.Field, e.Parent)
}

// Cycle is a circular dependency between resources.
type Cycle struct {
	// Path is the sequence of resource names forming the cycle.
	Path []string
}

// String returns "a -> b -> a".
func (c Cycle) String() string {
	if len(c.Path) == 0 {
		return "empty cycle"
	}
	return shared.CyclePath(c.Path)
}

// Graph holds the dependency edges of a catalog. It is a pure function of
// the catalog and never changes after New.
//
// Thread Safety: all methods are safe for concurrent use.
type Graph struct {
	catalog *resource.Catalog
	// deps maps a child to its outgoing edges in declaration order.
	deps map[string][]Edge
}

// New builds the graph for catalog.
func New(catalog *resource.Catalog) (*Graph, error) {
	g := &Graph{
		catalog: catalog,
		deps:    make(map[string][]Edge, catalog.Len()),
	}
	for _, spec := range catalog.All() {
		for _, fk := range spec.ForeignKeys {
			if _, ok := catalog.Get(fk.Parent); !ok {
				return nil, shared.NewConfigurationError("resource %q: foreign key %q references unknown parent %q", spec.Name, fk.Field, fk.Parent)
			}
			g.deps[spec.Name] = append(g.deps[spec.Name], Edge{
				Child:    spec.Name,
				Parent:   fk.Parent,
				Field:    fk.Field,
				Optional: fk.Optional,
			})
		}
	}
	return g, nil
}

// Catalog returns the catalog the graph was built from.
func (g *Graph) Catalog() *resource.Catalog {
	return g.catalog
}

// Edges returns every edge, children in declaration order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, name := range g.catalog.Names() {
		out = append(out, g.deps[name]...)
	}
	return out
}

// Dependencies returns the outgoing edges of name.
func (g *Graph) Dependencies(name string) []Edge {
	return slices.Clone(g.deps[name])
}

// DetectCycles returns every cycle reachable over all edges, optional ones
// included. Returns nil when the graph is a DAG.
func (g *Graph) DetectCycles() []Cycle {
	return g.cycles(g.catalog.Names(), func(Edge) bool { return true })
}

// Validate fails with a ConfigurationError naming the first cycle.
func (g *Graph) Validate() error {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return cycleError(cycles[0])
	}
	return nil
}

// Resolve returns the specs that must exist before target, in creation
// order, with target last. Required foreign keys are always followed;
// optional keys of target are followed only when named in attach.
// Ties are broken by catalog declaration order.
func (g *Graph) Resolve(target string, attach ...string) ([]*resource.Spec, error) {
	spec, ok := g.catalog.Get(target)
	if !ok {
		return nil, shared.NewConfigurationError("unknown resource %q", target)
	}
	for _, field := range attach {
		if _, ok := spec.ForeignKey(field); !ok {
			return nil, shared.NewConfigurationError("resource %q has no foreign key %q", target, field)
		}
	}

	follow := func(e Edge) bool {
		if !e.Optional {
			return true
		}
		return e.Child == target && slices.Contains(attach, e.Field)
	}

	// Collect the closure of target over followed edges.
	required := map[string]bool{target: true}
	stack := []string{target}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.deps[cur] {
			if follow(e) && !required[e.Parent] {
				required[e.Parent] = true
				stack = append(stack, e.Parent)
			}
		}
	}

	names := g.inDeclarationOrder(required)
	if cycles := g.cycles(names, follow); len(cycles) > 0 {
		return nil, cycleError(cycles[0])
	}

	// Kahn's algorithm; among ready nodes pick the earliest declared one,
	// holding target back until it is the only node left.
	pending := make(map[string]int, len(names))
	dependents := make(map[string][]string)
	for _, name := range names {
		for _, e := range g.deps[name] {
			if follow(e) && required[e.Parent] {
				pending[name]++
				dependents[e.Parent] = append(dependents[e.Parent], name)
			}
		}
	}

	order := make([]*resource.Spec, 0, len(names))
	done := make(map[string]bool, len(names))
	for len(order) < len(names) {
		next := ""
		for _, name := range names {
			if done[name] || pending[name] > 0 || name == target {
				continue
			}
			next = name
			break
		}
		if next == "" {
			next = target
		}
		done[next] = true
		order = append(order, g.catalog.MustGet(next))
		for _, d := range dependents[next] {
			pending[d]--
		}
	}
	return order, nil
}

// TeardownOrder returns items in exact reverse order.
func TeardownOrder[T any](items []T) []T {
	out := slices.Clone(items)
	slices.Reverse(out)
	return out
}

// Plan is a printable creation and teardown plan for one target.
type Plan struct {
	Target   string
	Attach   []string
	Creation []string
	Teardown []string
	Edges    []Edge
}

// Plan resolves target and describes the result.
func (g *Graph) Plan(target string, attach ...string) (*Plan, error) {
	specs, err := g.Resolve(target, attach...)
	if err != nil {
		return nil, err
	}
	p := &Plan{Target: target, Attach: attach}
	in := make(map[string]bool, len(specs))
	for _, s := range specs {
		p.Creation = append(p.Creation, s.Name)
		in[s.Name] = true
	}
	p.Teardown = TeardownOrder(p.Creation)
	for _, name := range p.Creation {
		for _, e := range g.deps[name] {
			if in[e.Parent] && (!e.Optional || (name == target && slices.Contains(attach, e.Field))) {
				p.Edges = append(p.Edges, e)
			}
		}
	}
	return p, nil
}

// String renders the plan on one line per phase.
func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "target:   %s", p.Target)
	if len(p.Attach) > 0 {
		fmt.Fprintf(&b, " via %s", strings.Join(p.Attach, ","))
	}
	fmt.Fprintf(&b, "\ncreate:   %s\nteardown: %s\n", strings.Join(p.Creation, " -> "), strings.Join(p.Teardown, " -> "))
	return b.String()
}

func (g *Graph) inDeclarationOrder(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for _, name := range g.catalog.Names() {
		if set[name] {
			names = append(names, name)
		}
	}
	return names
}

// cycles runs a depth-first search over names following the edges
// accepted by follow and returns the cycles it closes.
func (g *Graph) cycles(names []string, follow func(Edge) bool) []Cycle {
	var out []Cycle
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var dfs func(name string)
	dfs = func(name string) {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, e := range g.deps[name] {
			if !follow(e) {
				continue
			}
			if !visited[e.Parent] {
				dfs(e.Parent)
			} else if onStack[e.Parent] {
				start := slices.Index(path, e.Parent)
				out = append(out, Cycle{Path: slices.Clone(path[start:])})
			}
		}

		path = path[:len(path)-1]
		onStack[name] = false
	}

	for _, name := range names {
		if !visited[name] {
			dfs(name)
		}
	}
	return out
}

func cycleError(c Cycle) error {
	return &shared.ConfigurationError{
		Reason: "dependency cycle",
		Cycle:  c.Path,
	}
}
