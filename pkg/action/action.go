// Package action hosts the action framework: handler interface, registry,
// per-request context and the lifecycle driving one payload item from
// schema validation to datastore events.
package action

import (
	"context"
	"fmt"

	"github.com/openassembly/backend/pkg/cascade"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
	"github.com/openassembly/backend/pkg/relation"
	"github.com/openassembly/backend/pkg/schema"
)

// Result is the per-item payload of a successful action, usually the id of
// a created model. A nil result is valid.
type Result map[string]any

// Handler implements one named action. Execute runs the lifecycle for a
// single payload item that already passed schema validation.
type Handler interface {
	Name() string
	Schema() *Schema
	Execute(ctx context.Context, actx *Context, instance map[string]any) (Result, error)
}

// Registry maps action names to handlers. It is populated at startup and
// immutable afterwards.
type Registry struct {
	schema   *schema.Registry
	resolver *relation.Resolver
	cascader *cascade.Engine
	handlers map[string]Handler
}

// NewRegistry returns an empty action registry over the field catalog.
func NewRegistry(sr *schema.Registry) *Registry {
	resolver := relation.New(sr)
	return &Registry{
		schema:   sr,
		resolver: resolver,
		cascader: cascade.New(resolver),
		handlers: map[string]Handler{},
	}
}

// Register adds a handler. Registering the same name twice panics; only one
// handler per action name exists.
func (r *Registry) Register(h Handler) {
	if _, ok := r.handlers[h.Name()]; ok {
		panic(fmt.Sprintf("action %s registered twice", h.Name()))
	}
	r.handlers[h.Name()] = h
}

// Lookup returns the handler for a name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Schema returns the field catalog the registry was built on.
func (r *Registry) Schema() *schema.Registry {
	return r.schema
}

// Context returns a request-scoped action context over the given overlay.
func (r *Registry) Context(userID int, o *datastore.Overlay) *Context {
	return &Context{
		UserID:   userID,
		Overlay:  o,
		Schema:   r.schema,
		Perm:     perm.NewChecker(o),
		registry: r,
	}
}

// Execute validates the payload against the action's schema and runs every
// item through the handler. Results come back in payload order.
func (r *Registry) Execute(ctx context.Context, actx *Context, name string, payload []map[string]any) ([]Result, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, Errorf(name, "unknown action")
	}
	for _, instance := range payload {
		if err := h.Schema().Validate(name, instance); err != nil {
			return nil, err
		}
	}
	results := make([]Result, 0, len(payload))
	for _, instance := range payload {
		result, err := h.Execute(ctx, actx, instance)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Context is the state one request's actions share: the authenticated
// principal, the overlay accumulating events, and the helpers actions call
// during their lifecycle.
type Context struct {
	UserID  int
	Overlay *datastore.Overlay
	Schema  *schema.Registry
	Perm    *perm.Checker

	registry  *Registry
	cascading bool
}

// Cascading reports whether this context runs a delete the cascade engine
// dispatched. The caller already passed the permission check on the root
// model, so handlers skip their own.
func (c *Context) Cascading() bool {
	return c.cascading
}

// Apply feeds an intent event through the relation resolver into the
// overlay, including all derived back-reference updates.
func (c *Context) Apply(ctx context.Context, event datastore.Event) error {
	return c.registry.resolver.Apply(ctx, c.Overlay, event)
}

// Delete runs the cascade engine for the model. Cascade targets run
// through their registered delete handlers; collections without one fall
// back to the engine's own traversal.
func (c *Context) Delete(ctx context.Context, id fqid.Fqid) error {
	return c.registry.cascader.Delete(ctx, c.Overlay, id, c.dispatchDelete)
}

func (c *Context) dispatchDelete(ctx context.Context, id fqid.Fqid) (bool, error) {
	h, ok := c.registry.Lookup(id.Collection + ".delete")
	if !ok {
		return false, nil
	}
	sub := *c
	sub.cascading = true
	_, err := h.Execute(ctx, &sub, map[string]any{"id": id.ID})
	return true, err
}

// Execute runs another action with the same overlay and principal. The
// sub-action's schema always re-runs.
func (c *Context) Execute(ctx context.Context, name string, payload []map[string]any) ([]Result, error) {
	return c.registry.Execute(ctx, c, name, payload)
}

// History attaches a user-visible history entry to the model for this
// write.
func (c *Context) History(id fqid.Fqid, message string) {
	c.Overlay.AddInformation(id, message)
}

// ReserveID reserves the next id of a collection.
func (c *Context) ReserveID(ctx context.Context, collection string) (int, error) {
	ids, err := c.Overlay.ReserveIDs(ctx, collection, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve %s id: %w", collection, err)
	}
	return ids[0], nil
}

// RequirePerm checks a per-meeting permission and returns a
// PermissionDeniedError if it is missing.
func (c *Context) RequirePerm(ctx context.Context, meetingID int, p perm.Permission) error {
	if c.cascading {
		return nil
	}
	ok, err := c.Perm.HasPerm(ctx, c.UserID, meetingID, p)
	if err != nil {
		return err
	}
	if !ok {
		return Denied("", p)
	}
	return nil
}

// RequireAnyPerm passes when the user holds at least one of the tokens.
func (c *Context) RequireAnyPerm(ctx context.Context, meetingID int, perms ...perm.Permission) error {
	if c.cascading {
		return nil
	}
	for _, p := range perms {
		ok, err := c.Perm.HasPerm(ctx, c.UserID, meetingID, p)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return Denied("", perms...)
}
