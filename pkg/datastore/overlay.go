package datastore

import (
	"context"
	"fmt"
	"sort"

	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
)

// cleared marks a field removed inside the overlay, as opposed to a field
// the overlay knows nothing about.
type clearedMarker struct{}

var cleared = clearedMarker{}

// Overlay is the request-scoped changed-models layer over a backing
// datastore. Every read consults the overlay first; every event an action
// produces is applied to the overlay immediately, so later reads in the
// same request observe prior writes. Deletes tombstone the model. The
// overlay also buffers the pending events and the lock positions for the
// final atomic write.
//
// An Overlay is not safe for concurrent use; each request owns its own.
type Overlay struct {
	backend Datastore
	changed map[string]map[string]any
	deleted map[string]bool
	locked  map[string]int64
	pending []Event
	info    map[string][]string
}

// NewOverlay creates an empty overlay over the backend.
func NewOverlay(backend Datastore) *Overlay {
	return &Overlay{
		backend: backend,
		changed: make(map[string]map[string]any),
		deleted: make(map[string]bool),
		locked:  make(map[string]int64),
		info:    make(map[string][]string),
	}
}

// Backend returns the wrapped datastore.
func (o *Overlay) Backend() Datastore {
	return o.backend
}

// Get returns the overlay-merged model or a DoesNotExistError.
func (o *Overlay) Get(ctx context.Context, id fqid.Fqid, fields ...string) (map[string]any, error) {
	merged, _, err := o.merged(ctx, id)
	if err != nil {
		return nil, err
	}
	return project(merged, fields), nil
}

// GetLocked is Get, additionally recording the observed position of every
// returned field so the final write fails if any of them changes
// concurrently.
func (o *Overlay) GetLocked(ctx context.Context, id fqid.Fqid, fields ...string) (map[string]any, error) {
	merged, position, err := o.merged(ctx, id)
	if err != nil {
		return nil, err
	}
	out := project(merged, fields)
	for field := range out {
		o.lockKey(id.Field(field).String(), position)
	}
	return out, nil
}

// merged returns the full overlay-merged model and the backend position it
// was observed at (zero for models created in this request).
func (o *Overlay) merged(ctx context.Context, id fqid.Fqid) (map[string]any, int64, error) {
	key := id.String()
	if o.deleted[key] {
		return nil, 0, DoesNotExistError{Fqid: id}
	}

	base, err := o.backend.Get(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			return nil, 0, fmt.Errorf("datastore get %s: %w", id, err)
		}
		base = nil
	}
	ch, hasChanged := o.changed[key]
	if base == nil && !hasChanged {
		return nil, 0, DoesNotExistError{Fqid: id}
	}

	merged := make(map[string]any)
	var position int64
	if base != nil {
		if p, ok := base[MetaPosition].(int64); ok {
			position = p
		}
		for f, v := range base {
			if f == MetaPosition || f == MetaDeleted {
				continue
			}
			merged[f] = v
		}
	}
	for f, v := range ch {
		if _, isCleared := v.(clearedMarker); isCleared {
			delete(merged, f)
			continue
		}
		merged[f] = cloneValue(v)
	}
	return merged, position, nil
}

// GetMany batch-reads overlay-merged models; missing models are skipped.
func (o *Overlay) GetMany(ctx context.Context, requests []GetManyRequest) (map[string]map[int]map[string]any, error) {
	out := make(map[string]map[int]map[string]any)
	for _, req := range requests {
		if out[req.Collection] == nil {
			out[req.Collection] = make(map[int]map[string]any)
		}
		for _, id := range req.IDs {
			model, err := o.Get(ctx, fqid.New(req.Collection, id), req.Fields...)
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				return nil, err
			}
			out[req.Collection][id] = model
		}
	}
	return out, nil
}

// Filter evaluates the filter with overlay semantics: models changed in
// this request are re-evaluated in memory and override the backend result.
func (o *Overlay) Filter(ctx context.Context, collection string, filter dsfilter.Filter, fields ...string) (map[int]map[string]any, error) {
	backendModels, err := o.backend.Filter(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("datastore filter %s: %w", collection, err)
	}

	candidates := make(map[int]bool)
	for id := range backendModels {
		candidates[id] = true
	}
	for key := range o.changed {
		id := fqid.MustParse(key)
		if id.Collection == collection {
			candidates[id.ID] = true
		}
	}

	out := make(map[int]map[string]any)
	for id := range candidates {
		merged, _, err := o.merged(ctx, fqid.New(collection, id))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		ok, err := dsfilter.Match(filter, merged)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = project(merged, fields)
		}
	}
	return out, nil
}

// Exists reports whether any overlay-visible model matches.
func (o *Overlay) Exists(ctx context.Context, collection string, filter dsfilter.Filter) (bool, error) {
	models, err := o.Filter(ctx, collection, filter)
	if err != nil {
		return false, err
	}
	return len(models) > 0, nil
}

// Count counts overlay-visible matches.
func (o *Overlay) Count(ctx context.Context, collection string, filter dsfilter.Filter) (int, error) {
	models, err := o.Filter(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	return len(models), nil
}

// Max returns the overlay-aware maximum of field over matching models, nil
// if none carries the field.
func (o *Overlay) Max(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	return o.aggregate(ctx, collection, filter, field, true)
}

// Min is the counterpart of Max.
func (o *Overlay) Min(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	return o.aggregate(ctx, collection, filter, field, false)
}

// MaxLocked is Max, additionally locking the collection field so a
// concurrent write to it invalidates this request's write.
func (o *Overlay) MaxLocked(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	if err := o.LockCollectionField(ctx, collection, field); err != nil {
		return nil, err
	}
	return o.Max(ctx, collection, filter, field)
}

func (o *Overlay) aggregate(ctx context.Context, collection string, filter dsfilter.Filter, field string, max bool) (*float64, error) {
	models, err := o.Filter(ctx, collection, filter, field)
	if err != nil {
		return nil, err
	}
	var values []float64
	for _, model := range models {
		if f, ok := asFloat(model[field]); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	sort.Float64s(values)
	v := values[0]
	if max {
		v = values[len(values)-1]
	}
	return &v, nil
}

// LockCollectionField records the current position of a collection-wide
// field key, e.g. before a duplicate check over the whole collection.
func (o *Overlay) LockCollectionField(ctx context.Context, collection, field string) error {
	key := CollectionField(collection, field)
	pos, err := o.backend.Position(ctx, key)
	if err != nil {
		return fmt.Errorf("datastore position %s: %w", key, err)
	}
	o.lockKey(key, pos)
	return nil
}

func (o *Overlay) lockKey(key string, position int64) {
	if prev, ok := o.locked[key]; !ok || position < prev {
		o.locked[key] = position
	}
}

// ReserveIDs draws fresh ids from the backend. Reservation happens before
// any event referring to the ids is emitted.
func (o *Overlay) ReserveIDs(ctx context.Context, collection string, amount int) ([]int, error) {
	ids, err := o.backend.ReserveIDs(ctx, collection, amount)
	if err != nil {
		return nil, fmt.Errorf("datastore reserve_ids %s: %w", collection, err)
	}
	return ids, nil
}

// Tombstoned reports whether the model was deleted in this request.
func (o *Overlay) Tombstoned(id fqid.Fqid) bool {
	return o.deleted[id.String()]
}

// AddEvent appends the event to the pending write and applies its net
// effect to the overlay immediately.
func (o *Overlay) AddEvent(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	key := event.Fqid.String()

	switch event.Type {
	case EventCreate:
		if o.deleted[key] {
			return ExistsError{Fqid: event.Fqid}
		}
		state := o.state(key)
		state["id"] = event.Fqid.ID
		for f, v := range event.Fields {
			if v == nil {
				continue
			}
			state[f] = Normalize(v)
		}
	case EventUpdate, EventListUpdate:
		if o.deleted[key] {
			return DoesNotExistError{Fqid: event.Fqid}
		}
		state := o.state(key)
		for f, v := range event.Fields {
			if v == nil {
				state[f] = cleared
				continue
			}
			state[f] = Normalize(v)
		}
		if event.ListFields != nil {
			if err := o.applyListFields(ctx, event.Fqid, state, event.ListFields); err != nil {
				return err
			}
		}
	case EventDelete:
		o.deleted[key] = true
	}

	o.pending = append(o.pending, event)
	return nil
}

func (o *Overlay) applyListFields(ctx context.Context, id fqid.Fqid, state map[string]any, lf *ListFields) error {
	fieldsTouched := make(map[string]bool)
	for f := range lf.Add {
		fieldsTouched[f] = true
	}
	for f := range lf.Remove {
		fieldsTouched[f] = true
	}
	for field := range fieldsTouched {
		current, err := o.currentList(ctx, id, state, field)
		if err != nil {
			return err
		}
		current = ListAdd(current, normalizeList(lf.Add[field]))
		current = ListRemove(current, normalizeList(lf.Remove[field]))
		state[field] = current
	}
	return nil
}

// currentList resolves the present value of a list field: overlay state
// first, then the backend.
func (o *Overlay) currentList(ctx context.Context, id fqid.Fqid, state map[string]any, field string) ([]any, error) {
	if v, ok := state[field]; ok {
		if _, isCleared := v.(clearedMarker); isCleared {
			return nil, nil
		}
		return currentList(v), nil
	}
	base, err := o.backend.Get(ctx, id, field)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("datastore get %s: %w", id, err)
	}
	return currentList(Normalize(base[field])), nil
}

func (o *Overlay) state(key string) map[string]any {
	if o.changed[key] == nil {
		o.changed[key] = make(map[string]any)
	}
	return o.changed[key]
}

// AddInformation attaches a history entry to the given model for the final
// write.
func (o *Overlay) AddInformation(id fqid.Fqid, message string) {
	key := id.String()
	o.info[key] = append(o.info[key], message)
}

// Events returns the buffered events in emission order.
func (o *Overlay) Events() []Event {
	return o.pending
}

// Flush submits the buffered events as one atomic write. A LockedError
// from the backend is returned unchanged so the coordinator can retry.
func (o *Overlay) Flush(ctx context.Context, userID int) error {
	if len(o.pending) == 0 {
		return nil
	}
	req := WriteRequest{
		Events:       o.pending,
		UserID:       userID,
		LockedFields: o.locked,
	}
	if len(o.info) > 0 {
		req.Information = o.info
	}
	if err := o.backend.Write(ctx, req); err != nil {
		if IsLocked(err) {
			return err
		}
		return fmt.Errorf("datastore write: %w", err)
	}
	return nil
}

func project(model map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return model
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := model[f]; ok {
			out[f] = v
		}
	}
	return out
}

// FieldInt reads an integer field from a model, tolerating JSON float
// decoding.
func FieldInt(model map[string]any, field string) (int, bool) {
	switch v := model[field].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// FieldIntList reads an integer list field from a model.
func FieldIntList(model map[string]any, field string) []int {
	list := currentList(model[field])
	out := make([]int, 0, len(list))
	for _, v := range list {
		switch v := v.(type) {
		case int:
			out = append(out, v)
		case int64:
			out = append(out, int(v))
		case float64:
			out = append(out, int(v))
		}
	}
	return out
}

// FieldString reads a string field from a model.
func FieldString(model map[string]any, field string) string {
	s, _ := model[field].(string)
	return s
}

// FieldBool reads a boolean field from a model.
func FieldBool(model map[string]any, field string) bool {
	b, _ := model[field].(bool)
	return b
}

// FieldStringList reads a string list field from a model.
func FieldStringList(model map[string]any, field string) []string {
	list := currentList(model[field])
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
