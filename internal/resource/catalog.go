package resource

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matindow/modi-api/internal/generator"
	"github.com/matindow/modi-api/internal/shared"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the ordered, immutable set of resource specs for a run.
// Declaration order is significant: it breaks ties in creation order.
//
// Thread Safety: read-only after construction, safe for concurrent use.
type Catalog struct {
	specs  []*Spec
	byName map[string]*Spec
	index  map[string]int
}

type catalogFile struct {
	Resources []*Spec `yaml:"resources"`
}

// Default returns the built-in catalog describing the MODI API resources.
func Default() (*Catalog, error) {
	return LoadFromBytes(defaultCatalog)
}

// LoadFromFile loads a catalog from a YAML file.
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shared.WrapConfigurationError(err, "reading resource catalog %s", path)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a YAML catalog.
func LoadFromBytes(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, shared.WrapConfigurationError(err, "parsing resource catalog")
	}
	return New(file.Resources...)
}

// New builds a catalog from specs in declaration order.
// Any structural problem is reported as a *shared.ConfigurationError.
func New(specs ...*Spec) (*Catalog, error) {
	c := &Catalog{
		specs:  make([]*Spec, 0, len(specs)),
		byName: make(map[string]*Spec, len(specs)),
		index:  make(map[string]int, len(specs)),
	}
	for _, s := range specs {
		if s == nil {
			continue
		}
		if s.Name == "" {
			return nil, shared.NewConfigurationError("resource #%d has no name", len(c.specs)+1)
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, shared.NewConfigurationError("resource %q declared twice", s.Name)
		}
		s.applyDefaults()
		c.index[s.Name] = len(c.specs)
		c.byName[s.Name] = s
		c.specs = append(c.specs, s)
	}
	if len(c.specs) == 0 {
		return nil, shared.NewConfigurationError("resource catalog is empty")
	}
	for _, s := range c.specs {
		if err := c.validate(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) validate(s *Spec) error {
	if !strings.HasPrefix(s.Path, "/") {
		return shared.NewConfigurationError("resource %q: path %q must start with /", s.Name, s.Path)
	}
	for _, op := range s.Operations {
		if !slices.Contains(AllOperations, op) {
			return shared.NewConfigurationError("resource %q: unsupported operation %q", s.Name, op)
		}
	}
	fields := make(map[string]bool)
	for _, fk := range s.ForeignKeys {
		if fk.Field == "" {
			return shared.NewConfigurationError("resource %q: foreign key without field", s.Name)
		}
		if fields[fk.Field] {
			return shared.NewConfigurationError("resource %q: foreign key field %q declared twice", s.Name, fk.Field)
		}
		fields[fk.Field] = true
		if _, ok := c.byName[fk.Parent]; !ok {
			return shared.NewConfigurationError("resource %q: foreign key %q references unknown parent %q", s.Name, fk.Field, fk.Parent)
		}
	}
	if s.RequireAnyParent && len(s.ForeignKeys) == 0 {
		return shared.NewConfigurationError("resource %q: require_any_parent set without foreign keys", s.Name)
	}
	for _, ac := range s.AutoCreate {
		if ac.Flag == "" || ac.IDField == "" {
			return shared.NewConfigurationError("resource %q: auto_create needs flag and id_field", s.Name)
		}
		if _, ok := c.byName[ac.Resource]; !ok {
			return shared.NewConfigurationError("resource %q: auto_create flag %q names unknown resource %q", s.Name, ac.Flag, ac.Resource)
		}
	}
	for _, l := range s.ListedOn {
		if _, ok := c.byName[l.Parent]; !ok {
			return shared.NewConfigurationError("resource %q: listed on unknown parent %q", s.Name, l.Parent)
		}
		if l.Field == "" {
			return shared.NewConfigurationError("resource %q: listing on %q has no field", s.Name, l.Parent)
		}
	}
	if s.Reparent != nil {
		if _, ok := s.ForeignKey(s.Reparent.Field); !ok {
			return shared.NewConfigurationError("resource %q: reparent field %q is not a foreign key", s.Name, s.Reparent.Field)
		}
		for _, field := range s.Reparent.Clear {
			fk, ok := s.ForeignKey(field)
			if !ok || field == s.Reparent.Field {
				return shared.NewConfigurationError("resource %q: reparent cannot clear %q", s.Name, field)
			}
			if !fk.Optional {
				return shared.NewConfigurationError("resource %q: reparent clears required foreign key %q", s.Name, field)
			}
		}
	}
	if s.Supports(OpUpdate) && len(s.Patch) == 0 && s.Reparent == nil {
		return shared.NewConfigurationError("resource %q: supports PATCH but declares no patch payload", s.Name)
	}
	if _, err := generator.NewSet(s.Generate); err != nil {
		return shared.WrapConfigurationError(err, "resource %q: generators", s.Name)
	}
	return nil
}

// Get returns the spec named name.
func (c *Catalog) Get(name string) (*Spec, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// MustGet returns the spec named name and panics if it is missing.
func (c *Catalog) MustGet(name string) *Spec {
	s, ok := c.byName[name]
	if !ok {
		panic(fmt.Sprintf("resource: unknown resource %q", name))
	}
	return s
}

// All returns the specs in declaration order.
func (c *Catalog) All() []*Spec {
	return slices.Clone(c.specs)
}

// Names returns resource names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.specs))
	for i, s := range c.specs {
		names[i] = s.Name
	}
	return names
}

// Index returns the declaration position of name, or -1.
func (c *Catalog) Index(name string) int {
	if i, ok := c.index[name]; ok {
		return i
	}
	return -1
}

// Len returns the number of specs.
func (c *Catalog) Len() int {
	return len(c.specs)
}

// ListingsOn returns, for parent, every child spec listed on it together
// with the listing, in declaration order.
func (c *Catalog) ListingsOn(parent string) []ChildListing {
	var out []ChildListing
	for _, s := range c.specs {
		for _, l := range s.ListedOn {
			if l.Parent == parent {
				out = append(out, ChildListing{Child: s, Listing: l})
			}
		}
	}
	return out
}

// ChildListing pairs a child spec with one of its listings.
type ChildListing struct {
	Child   *Spec
	Listing Listing
}
