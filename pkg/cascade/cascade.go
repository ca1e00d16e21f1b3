// Package cascade deletes models together with their dependents. Outgoing
// relations decide what happens to each referenced model: set-null relations
// are cleaned up, protecting relations veto the deletion, cascading
// relations pull the target into the same delete.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/relation"
)

// Engine walks the relation graph for deletions.
type Engine struct {
	resolver *relation.Resolver
}

// New returns an engine using the given resolver for relation clearance.
func New(resolver *relation.Resolver) *Engine {
	return &Engine{resolver: resolver}
}

// ProtectedModelsError reports that a deletion is blocked by models behind
// a protecting relation.
type ProtectedModelsError struct {
	// Fqid is the model whose deletion was requested.
	Fqid fqid.Fqid
	// Protected are the models that block it.
	Protected []fqid.Fqid
}

func (e *ProtectedModelsError) Error() string {
	refs := make([]string, len(e.Protected))
	for i, p := range e.Protected {
		refs[i] = p.String()
	}
	return fmt.Sprintf("cannot delete %s: protected by %s", e.Fqid, strings.Join(refs, ", "))
}

// IsProtected reports whether err is a ProtectedModelsError and returns it.
func IsProtected(err error) (*ProtectedModelsError, bool) {
	var pe *ProtectedModelsError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Dispatch runs the delete action registered for the target's collection,
// so cascade fallout goes through the same handler a direct request would
// hit. It reports false when no handler is registered; the engine then
// traverses the target itself.
type Dispatch func(ctx context.Context, id fqid.Fqid) (bool, error)

// Delete removes the model and everything its cascading relations reach.
// All events land in the overlay; nothing is written until the overlay is
// flushed, so a protection error anywhere aborts the whole deletion.
// Protection errors from sibling subtrees are collected, so the caller
// sees the union of every model blocking the delete.
func (e *Engine) Delete(ctx context.Context, o *datastore.Overlay, id fqid.Fqid, dispatch Dispatch) error {
	if o.Tombstoned(id) {
		return nil
	}
	cl, err := e.resolver.Clearance(ctx, o, id)
	if err != nil {
		return err
	}
	if len(cl.Protected) > 0 {
		return &ProtectedModelsError{Fqid: id, Protected: cl.Protected}
	}

	// Tombstone before recursing so reference cycles terminate.
	if err := o.AddEvent(ctx, datastore.DeleteEvent(id)); err != nil {
		return err
	}
	for _, ev := range cl.Events {
		if err := o.AddEvent(ctx, ev); err != nil {
			return err
		}
	}
	var protected []fqid.Fqid
	for _, target := range cl.Cascade {
		if o.Tombstoned(target) {
			continue
		}
		err := e.deleteTarget(ctx, o, target, dispatch)
		if pe, ok := IsProtected(err); ok {
			protected = mergeProtected(protected, pe.Protected)
			continue
		}
		if err != nil {
			return err
		}
	}
	if len(protected) > 0 {
		return &ProtectedModelsError{Fqid: id, Protected: protected}
	}
	return nil
}

func (e *Engine) deleteTarget(ctx context.Context, o *datastore.Overlay, target fqid.Fqid, dispatch Dispatch) error {
	if dispatch != nil {
		handled, err := dispatch(ctx, target)
		if handled || err != nil {
			return err
		}
	}
	return e.Delete(ctx, o, target, dispatch)
}

func mergeProtected(have, more []fqid.Fqid) []fqid.Fqid {
	for _, p := range more {
		found := false
		for _, h := range have {
			if h == p {
				found = true
				break
			}
		}
		if !found {
			have = append(have, p)
		}
	}
	return have
}
