package relation

import (
	"context"
	"fmt"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/schema"
)

// Clearance is the relation fallout of deleting one model: the derived
// events that drop every back reference to it, plus the live targets whose
// on-delete policy demands more than a cleanup.
type Clearance struct {
	// Events removes the deleted model from all set-null relations.
	Events []datastore.Event
	// Cascade lists targets that must be deleted as well.
	Cascade []fqid.Fqid
	// Protected lists targets that forbid the deletion.
	Protected []fqid.Fqid
}

// Clearance inspects every relation field of the model and classifies the
// live targets by on-delete policy. Targets that are already tombstoned in
// the overlay or missing from the datastore are ignored, which is what
// breaks reference cycles during a cascade.
func (r *Resolver) Clearance(ctx context.Context, o *datastore.Overlay, id fqid.Fqid) (*Clearance, error) {
	model, err := o.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}

	u := NewUpdates()
	m := newMaintenance()
	cl := &Clearance{}

	for _, name := range sortedKeys(model) {
		field, _, ok := r.registry.Field(id.Collection, name)
		if !ok || field.Kind == schema.KindTemplate || !field.Kind.IsRelation() {
			continue
		}
		refs, err := targetRefs(id.Collection, field, datastore.Normalize(model[name]))
		if err != nil {
			return nil, err
		}
		policy := onDelete(field)
		back := backName(field)
		for _, target := range refs {
			live, err := r.live(ctx, o, target)
			if err != nil {
				return nil, err
			}
			if !live {
				continue
			}
			switch policy {
			case schema.OnDeleteCascade:
				if !containsFqid(cl.Cascade, target) {
					cl.Cascade = append(cl.Cascade, target)
				}
			case schema.OnDeleteProtect:
				if !containsFqid(cl.Protected, target) {
					cl.Protected = append(cl.Protected, target)
				}
			default:
				if err := r.backReference(ctx, o, u, m, id, model, target, back, false); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := r.applyMaintenance(ctx, o, u, m); err != nil {
		return nil, err
	}
	cl.Events = u.Events()
	return cl, nil
}

func (r *Resolver) live(ctx context.Context, o *datastore.Overlay, id fqid.Fqid) (bool, error) {
	if o.Tombstoned(id) {
		return false, nil
	}
	_, err := o.Get(ctx, id, "id")
	if err != nil {
		if datastore.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func onDelete(field *schema.Field) schema.OnDelete {
	if field.Generic != nil {
		return field.Generic.OnDelete
	}
	return field.Relation.OnDelete
}
