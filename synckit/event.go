package synckit

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Record is an opaque JSON-serializable payload owned by a domain service.
type Record map[string]any

// OperationKind is the kind of change a SyncEvent carries.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncEvent is a single change notification for one entity.
type SyncEvent struct {
	EntityType   string        `json:"entity_type"`
	EntityID     string        `json:"entity_id"`
	Operation    OperationKind `json:"operation"`
	Data         Record        `json:"data,omitempty"`
	Timestamp    int64         `json:"timestamp"`
	OriginUserID string        `json:"origin_user_id,omitempty"`
}

// Key returns the entity key the event belongs to.
func (e SyncEvent) Key() EntityKey {
	return EntityKey{Type: e.EntityType, ID: e.EntityID}
}

// Snapshot converts the event into the entity state it describes.
func (e SyncEvent) Snapshot() Snapshot {
	return Snapshot{
		Data:         e.Data.Clone(),
		Timestamp:    e.Timestamp,
		Deleted:      e.Operation == OpDelete,
		OriginUserID: e.OriginUserID,
	}
}

// EntityKey identifies an entity within its type.
type EntityKey struct {
	Type string
	ID   string
}

// String renders the offline cache key, "{type}:{id}" or "{type}" when the
// key is not scoped to an id.
func (k EntityKey) String() string {
	if k.ID == "" {
		return k.Type
	}
	return k.Type + ":" + k.ID
}

// Snapshot is the state of an entity as seen by one side at one time. A
// delete is a snapshot with Deleted set and the delete's timestamp.
type Snapshot struct {
	Data         Record `json:"data,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Deleted      bool   `json:"deleted,omitempty"`
	OriginUserID string `json:"origin_user_id,omitempty"`
}

// Equal reports deep equality over data and the deleted flag. Timestamps and
// origin are metadata and do not participate.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Deleted || o.Deleted {
		return s.Deleted == o.Deleted
	}
	return s.Data.Equal(o.Data)
}

// Clone returns a snapshot with its own copy of Data.
func (s Snapshot) Clone() Snapshot {
	s.Data = s.Data.Clone()
	return s
}

// Event renders the snapshot as a SyncEvent for key.
func (s Snapshot) Event(key EntityKey, op OperationKind) SyncEvent {
	if s.Deleted {
		op = OpDelete
	}
	return SyncEvent{
		EntityType:   key.Type,
		EntityID:     key.ID,
		Operation:    op,
		Data:         s.Data.Clone(),
		Timestamp:    s.Timestamp,
		OriginUserID: s.OriginUserID,
	}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Equal reports deep equality after normalizing both records to their JSON
// representation, so 1 and 1.0 compare equal. A nil and an empty record are
// equal.
func (r Record) Equal(o Record) bool {
	if len(r) == 0 && len(o) == 0 {
		return true
	}
	a, errA := Normalize(r)
	b, errB := Normalize(o)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(r, o)
	}
	return reflect.DeepEqual(a, b)
}

// Lookup returns the value for field and whether it is present.
func (r Record) Lookup(field string) (any, bool) {
	v, ok := r[field]
	return v, ok
}

// Normalize round-trips r through JSON so every value takes its canonical
// decoded form (float64 numbers, []any, map[string]any).
func Normalize(r Record) (Record, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("normalize record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize record: %w", err)
	}
	return out, nil
}

func valuesEqual(a any, aok bool, b any, bok bool) bool {
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	return Record{"v": a}.Equal(Record{"v": b})
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case Record:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
