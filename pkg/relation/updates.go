package relation

import (
	"sort"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
)

// Updates accumulates derived field changes per target model. Several
// relation writes in one intent event may touch the same target field;
// the accumulator merges them before any event is built.
//
// Merge rules: an add cancels a pending remove of the same element and
// vice versa, a full value assignment overrides pending deltas, and
// deltas arriving after a full assignment fold into that value.
type Updates struct {
	entries map[string]map[string]*entry
	order   []string
}

type entry struct {
	hasValue bool
	value    any
	add      []any
	remove   []any
}

// NewUpdates returns an empty accumulator.
func NewUpdates() *Updates {
	return &Updates{entries: map[string]map[string]*entry{}}
}

func (u *Updates) entry(id fqid.Fqid, field string) *entry {
	key := id.String()
	fields, ok := u.entries[key]
	if !ok {
		fields = map[string]*entry{}
		u.entries[key] = fields
		u.order = append(u.order, key)
	}
	e, ok := fields[field]
	if !ok {
		e = &entry{}
		fields[field] = e
	}
	return e
}

// Set records a full value assignment. A nil value clears the field.
func (u *Updates) Set(id fqid.Fqid, field string, value any) {
	e := u.entry(id, field)
	e.hasValue = true
	e.value = datastore.Normalize(value)
	e.add = nil
	e.remove = nil
}

// Add records a list element addition.
func (u *Updates) Add(id fqid.Fqid, field string, element any) {
	element = datastore.Normalize(element)
	e := u.entry(id, field)
	if e.hasValue {
		list, _ := e.value.([]any)
		e.value = datastore.ListAdd(list, []any{element})
		return
	}
	if filtered, found := without(e.remove, element); found {
		e.remove = filtered
		return
	}
	e.add = datastore.ListAdd(e.add, []any{element})
}

// Remove records a list element removal.
func (u *Updates) Remove(id fqid.Fqid, field string, element any) {
	element = datastore.Normalize(element)
	e := u.entry(id, field)
	if e.hasValue {
		list, _ := e.value.([]any)
		e.value = datastore.ListRemove(list, []any{element})
		return
	}
	if filtered, found := without(e.add, element); found {
		e.add = filtered
		return
	}
	e.remove = datastore.ListAdd(e.remove, []any{element})
}

// pending returns the accumulated entry for a field, if any.
func (u *Updates) pending(id fqid.Fqid, field string) (*entry, bool) {
	e, ok := u.entries[id.String()][field]
	return e, ok
}

// Empty reports whether nothing was accumulated.
func (u *Updates) Empty() bool {
	return len(u.order) == 0
}

// Events builds one update event per touched model, in first-touch order.
func (u *Updates) Events() []datastore.Event {
	var events []datastore.Event
	for _, key := range u.order {
		id := fqid.MustParse(key)
		fields := map[string]any{}
		add := map[string][]any{}
		remove := map[string][]any{}
		for _, name := range sortedFields(u.entries[key]) {
			e := u.entries[key][name]
			if e.hasValue {
				fields[name] = e.value
				continue
			}
			if len(e.add) > 0 {
				add[name] = e.add
			}
			if len(e.remove) > 0 {
				remove[name] = e.remove
			}
		}
		if len(fields) > 0 {
			events = append(events, datastore.UpdateEvent(id, fields))
		}
		if len(add) > 0 || len(remove) > 0 {
			events = append(events, datastore.ListUpdateEvent(id, add, remove))
		}
	}
	return events
}

func sortedFields(m map[string]*entry) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func without(list []any, element any) ([]any, bool) {
	for i, v := range list {
		if datastore.ValueEqual(v, element) {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}
