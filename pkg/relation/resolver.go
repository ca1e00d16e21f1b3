package relation

import (
	"context"
	"fmt"
	"sort"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/schema"
)

// Resolver keeps both sides of every relation in sync. Actions only write
// the fields they own; the resolver derives the matching back-reference
// updates and applies them to the same overlay, so a flush always writes a
// consistent pair. Derived events never trigger further derivation.
type Resolver struct {
	registry *schema.Registry
}

// New returns a resolver over the given field catalog.
func New(registry *schema.Registry) *Resolver {
	return &Resolver{registry: registry}
}

type write struct {
	name        string
	field       *schema.Field
	replacement string
	old         any
	new         any
}

// Apply applies an intent event to the overlay together with the derived
// back-reference updates it implies. Delete events pass through untouched;
// clearing their relations is the cascade engine's job.
func (r *Resolver) Apply(ctx context.Context, o *datastore.Overlay, event datastore.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Type == datastore.EventDelete {
		return o.AddEvent(ctx, event)
	}

	var old map[string]any
	if event.Type != datastore.EventCreate {
		var err error
		old, err = o.Get(ctx, event.Fqid)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", event.Fqid, err)
		}
	}
	writes, err := r.collectWrites(event, old)
	if err != nil {
		return err
	}

	if err := o.AddEvent(ctx, event); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	source, err := o.Get(ctx, event.Fqid)
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", event.Fqid, err)
	}

	u := NewUpdates()
	m := newMaintenance()
	for _, w := range writes {
		if w.replacement != "" {
			m.note(event.Fqid, w.name, w.replacement)
		}
		if w.field.Kind.IsRelation() {
			if err := r.derive(ctx, o, u, m, event.Fqid, source, w); err != nil {
				return err
			}
		}
	}
	if err := r.applyMaintenance(ctx, o, u, m); err != nil {
		return err
	}
	for _, derived := range u.Events() {
		if err := o.AddEvent(ctx, derived); err != nil {
			return err
		}
	}
	return nil
}

// collectWrites extracts the relevant field writes of an intent event with
// their old and new values. List update deltas are resolved against the
// current value so diffing sees plain lists.
func (r *Resolver) collectWrites(event datastore.Event, old map[string]any) ([]write, error) {
	collection := event.Fqid.Collection
	byName := map[string]*write{}
	var order []string

	note := func(name string, oldValue, newValue any) error {
		field, replacement, ok := r.registry.Field(collection, name)
		if !ok {
			return fmt.Errorf("unknown field %s/%s", collection, name)
		}
		if field.Kind == schema.KindTemplate {
			return fmt.Errorf("field %s/%s is managed automatically", collection, name)
		}
		if !field.Kind.IsRelation() && replacement == "" {
			return nil
		}
		byName[name] = &write{
			name:        name,
			field:       field,
			replacement: replacement,
			old:         datastore.Normalize(oldValue),
			new:         datastore.Normalize(newValue),
		}
		order = append(order, name)
		return nil
	}

	for _, name := range sortedKeys(event.Fields) {
		if err := note(name, old[name], event.Fields[name]); err != nil {
			return nil, err
		}
	}
	if event.ListFields != nil {
		for _, name := range sortedListFieldNames(event.ListFields) {
			cur := asList(old[name])
			next := datastore.ListRemove(
				datastore.ListAdd(cur, asList(event.ListFields.Add[name])),
				asList(event.ListFields.Remove[name]),
			)
			if err := note(name, cur, next); err != nil {
				return nil, err
			}
		}
	}

	writes := make([]write, 0, len(order))
	for _, name := range order {
		writes = append(writes, *byName[name])
	}
	return writes, nil
}

// derive turns one relation field write into back-reference updates.
func (r *Resolver) derive(ctx context.Context, o *datastore.Overlay, u *Updates, m *maintenance, source fqid.Fqid, sourceModel map[string]any, w write) error {
	removed, added, err := diffTargets(source.Collection, w)
	if err != nil {
		return err
	}
	back := backName(w.field)
	for _, target := range removed {
		if err := r.backReference(ctx, o, u, m, source, sourceModel, target, back, false); err != nil {
			return err
		}
	}
	for _, target := range added {
		if err := r.backReference(ctx, o, u, m, source, sourceModel, target, back, true); err != nil {
			return err
		}
	}
	return nil
}

// backReference records the addition or removal of source on the back field
// of target. When the back field is a scalar that already points elsewhere,
// the previous holder's forward field is cleaned up as well.
func (r *Resolver) backReference(ctx context.Context, o *datastore.Overlay, u *Updates, m *maintenance, source fqid.Fqid, sourceModel map[string]any, target fqid.Fqid, back string, add bool) error {
	if o.Tombstoned(target) {
		return nil
	}
	name, field, replacement, err := r.backField(source.Collection, sourceModel, target.Collection, back)
	if err != nil {
		return err
	}
	if replacement != "" {
		m.note(target, name, replacement)
	}

	value := any(source.ID)
	if field.Kind == schema.KindGenericRelation || field.Kind == schema.KindGenericRelationList {
		value = source.String()
	}

	if field.Kind.IsList() {
		if add {
			u.Add(target, name, value)
		} else {
			u.Remove(target, name, value)
		}
		return nil
	}

	if !add {
		current, err := r.currentScalar(ctx, o, u, target, name)
		if err != nil {
			return err
		}
		if datastore.ValueEqual(current, datastore.Normalize(value)) {
			u.Set(target, name, nil)
		}
		return nil
	}

	previous, err := r.currentScalar(ctx, o, u, target, name)
	if err != nil {
		return err
	}
	u.Set(target, name, value)
	if previous == nil || datastore.ValueEqual(previous, datastore.Normalize(value)) {
		return nil
	}
	holder, err := previousHolder(field, target.Collection, previous)
	if err != nil {
		return err
	}
	if o.Tombstoned(holder) {
		return nil
	}
	return r.dropForward(ctx, o, u, m, holder, target, field)
}

// dropForward removes target from the forward field of a previous holder
// after its scalar back reference was repointed.
func (r *Resolver) dropForward(ctx context.Context, o *datastore.Overlay, u *Updates, m *maintenance, holder, target fqid.Fqid, back *schema.Field) error {
	forward := ""
	switch {
	case back.Relation != nil:
		forward = back.Relation.Back
	case back.Generic != nil:
		forward = back.Generic.Back
	}
	holderModel, err := o.Get(ctx, holder)
	if err != nil {
		if datastore.IsNotFound(err) {
			return nil
		}
		return err
	}
	name, field, replacement, err := r.backField(target.Collection, holderModel, holder.Collection, forward)
	if err != nil {
		return err
	}
	if replacement != "" {
		m.note(holder, name, replacement)
	}
	value := any(target.ID)
	if field.Kind == schema.KindGenericRelation || field.Kind == schema.KindGenericRelationList {
		value = target.String()
	}
	if field.Kind.IsList() {
		u.Remove(holder, name, value)
	} else {
		u.Set(holder, name, nil)
	}
	return nil
}

// backField resolves the physical back field on target. Template back
// references are materialized with the replacement taken from the source
// model, e.g. a group's meeting_id selects group_7_ids on the user.
func (r *Resolver) backField(sourceCollection string, sourceModel map[string]any, targetCollection, back string) (string, *schema.Field, string, error) {
	field, replacement, ok := r.registry.Field(targetCollection, back)
	if !ok {
		return "", nil, "", fmt.Errorf("unknown back field %s/%s", targetCollection, back)
	}
	if field.Kind != schema.KindTemplate {
		return back, field, replacement, nil
	}
	rc := field.Template.ReplacementCollection
	if rc == "" {
		return "", nil, "", fmt.Errorf("back field %s/%s needs an explicit replacement", targetCollection, back)
	}
	id, ok := datastore.FieldInt(sourceModel, rc+"_id")
	if !ok {
		return "", nil, "", fmt.Errorf("model %s has no %s_id for back field %s/%s", sourceCollection, rc, targetCollection, back)
	}
	replacement = fmt.Sprintf("%d", id)
	name := field.StructuredName(replacement)
	structured, _, ok := r.registry.Field(targetCollection, name)
	if !ok {
		return "", nil, "", fmt.Errorf("unresolvable structured field %s/%s", targetCollection, name)
	}
	return name, structured, replacement, nil
}

// currentScalar returns the pending or stored value of a scalar field,
// preferring what this resolution round has already accumulated.
func (r *Resolver) currentScalar(ctx context.Context, o *datastore.Overlay, u *Updates, id fqid.Fqid, field string) (any, error) {
	if e, ok := u.pending(id, field); ok && e.hasValue {
		return e.value, nil
	}
	model, err := o.Get(ctx, id, field)
	if err != nil {
		if datastore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return datastore.Normalize(model[field]), nil
}

// diffTargets computes the removed and added relation targets of a write.
func diffTargets(collection string, w write) (removed, added []fqid.Fqid, err error) {
	oldRefs, err := targetRefs(collection, w.field, w.old)
	if err != nil {
		return nil, nil, err
	}
	newRefs, err := targetRefs(collection, w.field, w.new)
	if err != nil {
		return nil, nil, err
	}
	for _, ref := range oldRefs {
		if !containsFqid(newRefs, ref) {
			removed = append(removed, ref)
		}
	}
	for _, ref := range newRefs {
		if !containsFqid(oldRefs, ref) {
			added = append(added, ref)
		}
	}
	return removed, added, nil
}

// targetRefs normalizes a relation field value into target fqids.
func targetRefs(collection string, field *schema.Field, value any) ([]fqid.Fqid, error) {
	if value == nil {
		return nil, nil
	}
	elements := []any{value}
	if field.Kind.IsList() {
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("field %s/%s: expected a list, got %T", collection, field.Name, value)
		}
		elements = list
	}
	refs := make([]fqid.Fqid, 0, len(elements))
	for _, e := range elements {
		switch field.Kind {
		case schema.KindRelation, schema.KindRelationList:
			id, ok := asInt(e)
			if !ok {
				return nil, fmt.Errorf("field %s/%s: expected an id, got %T", collection, field.Name, e)
			}
			refs = append(refs, fqid.Fqid{Collection: field.Relation.To, ID: id})
		case schema.KindGenericRelation, schema.KindGenericRelationList:
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("field %s/%s: expected an fqid, got %T", collection, field.Name, e)
			}
			ref, err := fqid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("field %s/%s: %w", collection, field.Name, err)
			}
			if !field.Generic.Allows(ref.Collection) {
				return nil, fmt.Errorf("field %s/%s: collection %s is not an allowed target", collection, field.Name, ref.Collection)
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func backName(field *schema.Field) string {
	if field.Generic != nil {
		return field.Generic.Back
	}
	return field.Relation.Back
}

func previousHolder(back *schema.Field, targetCollection string, previous any) (fqid.Fqid, error) {
	if back.Generic != nil {
		s, ok := previous.(string)
		if !ok {
			return fqid.Fqid{}, fmt.Errorf("field %s/%s holds %T, expected an fqid", targetCollection, back.Name, previous)
		}
		return fqid.Parse(s)
	}
	id, ok := asInt(previous)
	if !ok {
		return fqid.Fqid{}, fmt.Errorf("field %s/%s holds %T, expected an id", targetCollection, back.Name, previous)
	}
	return fqid.Fqid{Collection: back.Relation.To, ID: id}, nil
}

func asList(v any) []any {
	list, _ := datastore.Normalize(v).([]any)
	return list
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func containsFqid(refs []fqid.Fqid, ref fqid.Fqid) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedListFieldNames(lf *datastore.ListFields) []string {
	set := map[string]struct{}{}
	for name := range lf.Add {
		set[name] = struct{}{}
	}
	for name := range lf.Remove {
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
