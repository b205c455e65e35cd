// Package codec maps entity payload records to a closed set of typed shapes.
// Entity types without a registered shape decode to Dynamic.
package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Payload is implemented by the known entity shapes and by Dynamic.
type Payload interface {
	EntityType() string
	isPayload()
}

// Codec translates between one entity type's records and its typed payload.
type Codec interface {
	// Kind returns the entity type this codec handles
	Kind() string
	// RequiredFields lists the record fields a complete payload must carry
	RequiredFields() []string
	Encode(Payload) (map[string]any, error)
	Decode(map[string]any) (Payload, error)
}

// Registry manages codec registration and lookup with thread safety.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{
		codecs: make(map[string]Codec),
	}
}

// NewDefaultRegistry returns a registry holding the task, building and
// worker status shapes.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewStructCodec(KindTask, func() Payload { return &Task{} }, "title", "status", "building_id"))
	r.Register(NewStructCodec(KindBuilding, func() Payload { return &Building{} }, "name", "address"))
	r.Register(NewStructCodec(KindWorkerStatus, func() Payload { return &WorkerStatus{} }, "worker_id", "state"))
	return r
}

// Register adds a codec to the registry using its Kind() as the key.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Kind()] = c
}

// Get retrieves a codec by its kind identifier.
func (r *Registry) Get(kind string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind]
	return c, ok
}

// Kinds returns all registered codec kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.codecs))
	for kind := range r.codecs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// RequiredFields returns the required fields for entityType, or nil when the
// type has no registered shape.
func (r *Registry) RequiredFields(entityType string) []string {
	c, ok := r.Get(entityType)
	if !ok {
		return nil
	}
	return c.RequiredFields()
}

// Encode converts a payload into a record.
func (r *Registry) Encode(p Payload) (map[string]any, error) {
	if d, ok := p.(*Dynamic); ok {
		return cloneMap(d.Fields), nil
	}
	c, ok := r.Get(p.EntityType())
	if !ok {
		return nil, fmt.Errorf("no codec registered for entity type %q", p.EntityType())
	}
	return c.Encode(p)
}

// Decode converts a record into the typed payload registered for entityType,
// falling back to Dynamic for unknown types.
func (r *Registry) Decode(entityType string, rec map[string]any) (Payload, error) {
	c, ok := r.Get(entityType)
	if !ok {
		return &Dynamic{Type: entityType, Fields: cloneMap(rec)}, nil
	}
	return c.Decode(rec)
}

// structCodec round-trips a struct payload through its JSON field names.
type structCodec struct {
	kind     string
	newFn    func() Payload
	required []string
}

// NewStructCodec builds a codec for a JSON-tagged struct payload.
func NewStructCodec(kind string, newFn func() Payload, required ...string) Codec {
	return &structCodec{kind: kind, newFn: newFn, required: required}
}

func (c *structCodec) Kind() string { return c.kind }

func (c *structCodec) RequiredFields() []string {
	out := make([]string, len(c.required))
	copy(out, c.required)
	return out
}

func (c *structCodec) Encode(p Payload) (map[string]any, error) {
	if p.EntityType() != c.kind {
		return nil, fmt.Errorf("codec %s cannot encode %s payload", c.kind, p.EntityType())
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.kind, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.kind, err)
	}
	return out, nil
}

func (c *structCodec) Decode(rec map[string]any) (Payload, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.kind, err)
	}
	p := c.newFn()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.kind, err)
	}
	return p, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
