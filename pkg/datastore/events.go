package datastore

import (
	"fmt"

	"github.com/openassembly/backend/pkg/fqid"
)

// EventType discriminates write events.
type EventType string

const (
	EventCreate     EventType = "create"
	EventUpdate     EventType = "update"
	EventDelete     EventType = "delete"
	EventListUpdate EventType = "list_update"
)

// ListFields holds per-field add and remove deltas of a list_update event.
type ListFields struct {
	Add    map[string][]any `json:"add,omitempty"`
	Remove map[string][]any `json:"remove,omitempty"`
}

// Event is one write against a single model. Create and Update carry
// Fields; ListUpdate carries ListFields; Delete carries neither.
type Event struct {
	Type       EventType      `json:"type"`
	Fqid       fqid.Fqid      `json:"fqid"`
	Fields     map[string]any `json:"fields,omitempty"`
	ListFields *ListFields    `json:"list_fields,omitempty"`
}

// CreateEvent builds a create event.
func CreateEvent(id fqid.Fqid, fields map[string]any) Event {
	return Event{Type: EventCreate, Fqid: id, Fields: fields}
}

// UpdateEvent builds an update event. A nil field value clears the field.
func UpdateEvent(id fqid.Fqid, fields map[string]any) Event {
	return Event{Type: EventUpdate, Fqid: id, Fields: fields}
}

// DeleteEvent builds a delete event.
func DeleteEvent(id fqid.Fqid) Event {
	return Event{Type: EventDelete, Fqid: id}
}

// ListUpdateEvent builds a list_update event from add/remove deltas.
func ListUpdateEvent(id fqid.Fqid, add, remove map[string][]any) Event {
	return Event{Type: EventListUpdate, Fqid: id, ListFields: &ListFields{Add: add, Remove: remove}}
}

// Validate checks the structural constraints of the event.
func (e Event) Validate() error {
	if !e.Fqid.Valid() {
		return fmt.Errorf("event has invalid fqid %q", e.Fqid)
	}
	switch e.Type {
	case EventCreate:
		if e.Fields == nil {
			return fmt.Errorf("create event for %s needs fields", e.Fqid)
		}
	case EventUpdate:
		if len(e.Fields) == 0 && e.ListFields == nil {
			return fmt.Errorf("update event for %s is empty", e.Fqid)
		}
	case EventDelete:
		if e.Fields != nil || e.ListFields != nil {
			return fmt.Errorf("delete event for %s must not carry fields", e.Fqid)
		}
	case EventListUpdate:
		if e.ListFields == nil || (len(e.ListFields.Add) == 0 && len(e.ListFields.Remove) == 0) {
			return fmt.Errorf("list_update event for %s is empty", e.Fqid)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// ApplyToModel applies the event's net effect to a model map in place.
// Delete events are handled by the caller via tombstones.
func (e Event) ApplyToModel(model map[string]any) {
	for field, value := range e.Fields {
		if value == nil {
			delete(model, field)
			continue
		}
		model[field] = Normalize(value)
	}
	if e.ListFields == nil {
		return
	}
	for field, add := range e.ListFields.Add {
		model[field] = ListAdd(currentList(model[field]), normalizeList(add))
	}
	for field, remove := range e.ListFields.Remove {
		model[field] = ListRemove(currentList(model[field]), normalizeList(remove))
	}
}

func normalizeList(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = Normalize(v)
	}
	return out
}

func currentList(v any) []any {
	list, _ := v.([]any)
	return list
}

// ListAdd returns list with the given elements appended if absent.
func ListAdd(list []any, add []any) []any {
	out := make([]any, len(list))
	copy(out, list)
	for _, v := range add {
		if !listContains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// ListRemove returns list without the given elements.
func ListRemove(list []any, remove []any) []any {
	out := make([]any, 0, len(list))
	for _, v := range list {
		if !listContains(remove, v) {
			out = append(out, v)
		}
	}
	return out
}

func listContains(list []any, v any) bool {
	for _, e := range list {
		if ValueEqual(e, v) {
			return true
		}
	}
	return false
}

// ValueEqual compares JSON-shaped scalar values; numbers compare across
// int and float64 representations.
func ValueEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

// Normalize converts typed Go slices into the []any representation models
// use internally, so values written by code and values decoded from JSON
// compare equal.
func Normalize(v any) any {
	switch v := v.(type) {
	case []int:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Normalize(e)
		}
		return out
	}
	return v
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	}
	return v
}

func asFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
