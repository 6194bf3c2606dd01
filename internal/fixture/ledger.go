package fixture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/matindow/modi-api/internal/resource"
)

// Instance is a fixture that exists on the server. It is owned by exactly
// one scenario run.
type Instance struct {
	// Spec is the resource type of the instance.
	Spec *resource.Spec
	// ID is the server-assigned identifier.
	ID string
	// Payload is the body that created the instance. Nil for instances the
	// server created through a cascade flag.
	Payload Payload
	// Body is the decoded creation response.
	Body map[string]any
	// CascadedFrom names the parent whose creation also created this one.
	CascadedFrom string
	// Deleted is set once the scenario itself deleted the instance, so a
	// later 404 during teardown is expected.
	Deleted bool
	// Spare marks a parent created only to re-parent the instance under
	// test. Lookup skips it.
	Spare bool
}

// String renders "resource/id".
func (i *Instance) String() string {
	return i.Spec.Name + "/" + i.ID
}

// Path returns the instance URL path.
func (i *Instance) Path() string {
	return i.Spec.InstancePath(i.ID)
}

// Capture decodes a creation response and builds the instance. It fails
// when the response carries no id.
func Capture(spec *resource.Spec, payload Payload, body []byte) (*Instance, error) {
	decoded, err := DecodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s creation response: %w", spec.Name, err)
	}
	id := IDString(decoded[spec.IDField])
	if id == "" {
		return nil, fmt.Errorf("%s creation response has no %q", spec.Name, spec.IDField)
	}
	return &Instance{Spec: spec, ID: id, Payload: payload, Body: decoded}, nil
}

// CascadeIDs returns, for every cascade switched on in the instance's
// payload, the child id reported by the server. Children missing from the
// response are listed in missing.
func (i *Instance) CascadeIDs() (ids map[string]string, missing []resource.AutoCreate) {
	ids = make(map[string]string)
	for _, ac := range Cascades(i.Spec, i.Payload) {
		id := IDString(i.Body[ac.IDField])
		if id == "" {
			missing = append(missing, ac)
			continue
		}
		ids[ac.Resource] = id
	}
	return ids, missing
}

// DecodeObject decodes a JSON object keeping numbers as json.Number, so
// large numeric ids survive intact.
func DecodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("not a JSON object")
	}
	return out, nil
}

// IDString normalises an id value decoded from JSON.
func IDString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Ledger records instances in creation order.
//
// Thread Safety: safe for concurrent use, though a scenario drives its
// ledger from a single goroutine.
type Ledger struct {
	mu        sync.Mutex
	instances []*Instance
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Add appends inst.
func (l *Ledger) Add(inst *Instance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instances = append(l.instances, inst)
}

// Len returns the number of recorded instances.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.instances)
}

// Instances returns instances in creation order.
func (l *Ledger) Instances() []*Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Instance, len(l.instances))
	copy(out, l.instances)
	return out
}

// Reverse returns instances in teardown order.
func (l *Ledger) Reverse() []*Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Instance, len(l.instances))
	for i, inst := range l.instances {
		out[len(l.instances)-1-i] = inst
	}
	return out
}

// Lookup returns the most recently created instance of resource that is not
// a spare.
func (l *Ledger) Lookup(resource string) (*Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.instances) - 1; i >= 0; i-- {
		if l.instances[i].Spec.Name == resource && !l.instances[i].Spare {
			return l.instances[i], true
		}
	}
	return nil, false
}

// Has reports whether an instance of resource was recorded.
func (l *Ledger) Has(resource string) bool {
	_, ok := l.Lookup(resource)
	return ok
}
