package relation

import (
	"context"
	"fmt"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/schema"
)

// maintenance collects structured field writes so the owning template
// fields can be brought up to date in one pass. The template field always
// holds the sorted list of replacements whose structured field is set.
type maintenance struct {
	notes map[string]map[string]struct{}
	order []string
}

func newMaintenance() *maintenance {
	return &maintenance{notes: map[string]map[string]struct{}{}}
}

// note records that the structured field with the given replacement was
// touched on target.
func (m *maintenance) note(target fqid.Fqid, structuredName, replacement string) {
	key := target.String() + "/" + structuredName
	if _, ok := m.notes[key]; !ok {
		m.notes[key] = map[string]struct{}{}
		m.order = append(m.order, key)
	}
	m.notes[key][replacement] = struct{}{}
}

// applyMaintenance recomputes the template list of every touched structured
// field. A replacement stays listed while its structured field holds a
// value and drops out when the field is cleared or emptied.
func (r *Resolver) applyMaintenance(ctx context.Context, o *datastore.Overlay, u *Updates, m *maintenance) error {
	type change struct {
		target   fqid.Fqid
		template *schema.Field
		keep     map[string]bool
	}
	changes := map[string]*change{}
	var order []string

	for _, key := range m.order {
		id, structuredName, err := splitNoteKey(key)
		if err != nil {
			return err
		}
		if o.Tombstoned(id) {
			continue
		}
		c, ok := r.registry.Collection(id.Collection)
		if !ok {
			return fmt.Errorf("unknown collection %s", id.Collection)
		}
		template, replacement, ok := c.TemplateFor(structuredName)
		if !ok {
			return fmt.Errorf("field %s/%s has no template field", id.Collection, structuredName)
		}
		nonEmpty, err := r.structuredNonEmpty(ctx, o, u, id, structuredName, template.Template.Structured.Kind)
		if err != nil {
			return err
		}
		ckey := id.String() + "/" + template.Name
		ch, ok := changes[ckey]
		if !ok {
			ch = &change{target: id, template: template, keep: map[string]bool{}}
			changes[ckey] = ch
			order = append(order, ckey)
		}
		ch.keep[replacement] = nonEmpty
	}

	for _, ckey := range order {
		ch := changes[ckey]
		current, err := r.templateList(ctx, o, ch.target, ch.template.Name)
		if err != nil {
			return err
		}
		next := make([]string, 0, len(current)+len(ch.keep))
		seen := map[string]bool{}
		for _, rep := range current {
			keep, touched := ch.keep[rep]
			if !touched || keep {
				next = append(next, rep)
			}
			seen[rep] = true
		}
		for rep, keep := range ch.keep {
			if keep && !seen[rep] {
				next = append(next, rep)
			}
		}
		next = schema.SortedReplacements(next)
		if stringListsEqual(current, next) {
			continue
		}
		value := make([]any, len(next))
		for i, rep := range next {
			value[i] = rep
		}
		u.Set(ch.target, ch.template.Name, value)
	}
	return nil
}

// structuredNonEmpty reports whether a structured field ends up holding a
// value once pending derived updates are applied.
func (r *Resolver) structuredNonEmpty(ctx context.Context, o *datastore.Overlay, u *Updates, id fqid.Fqid, field string, kind schema.Kind) (bool, error) {
	var value any
	e, pending := u.pending(id, field)
	if pending && e.hasValue {
		value = e.value
	} else {
		model, err := o.Get(ctx, id, field)
		if err != nil {
			if !datastore.IsNotFound(err) {
				return false, err
			}
		} else {
			value = datastore.Normalize(model[field])
		}
		if pending {
			list, _ := value.([]any)
			value = datastore.ListRemove(datastore.ListAdd(list, e.add), e.remove)
		}
	}
	if kind.IsList() {
		list, _ := value.([]any)
		return len(list) > 0, nil
	}
	return value != nil, nil
}

func (r *Resolver) templateList(ctx context.Context, o *datastore.Overlay, id fqid.Fqid, field string) ([]string, error) {
	model, err := o.Get(ctx, id, field)
	if err != nil {
		if datastore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return datastore.FieldStringList(model, field), nil
}

func splitNoteKey(key string) (fqid.Fqid, string, error) {
	f, err := fqid.ParseField(key)
	if err != nil {
		return fqid.Fqid{}, "", err
	}
	return f.Fqid(), f.Field, nil
}

func stringListsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
