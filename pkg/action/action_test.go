package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/schema"
)

type fakeAction struct {
	name     string
	schema   *Schema
	executed []map[string]any
	execute  func(ctx context.Context, actx *Context, instance map[string]any) (Result, error)
}

func (a *fakeAction) Name() string    { return a.name }
func (a *fakeAction) Schema() *Schema { return a.schema }

func (a *fakeAction) Execute(ctx context.Context, actx *Context, instance map[string]any) (Result, error) {
	a.executed = append(a.executed, instance)
	if a.execute != nil {
		return a.execute(ctx, actx, instance)
	}
	return nil, nil
}

func testRegistry(t *testing.T) (*Registry, *Context) {
	t.Helper()
	r := NewRegistry(schema.Default())
	mem := datastore.NewMemory()
	mem.Seed(map[string]map[string]any{
		"motion/1": {"title": "a"},
	})
	return r, r.Context(7, datastore.NewOverlay(mem))
}

func TestExecuteValidatesEveryItemFirst(t *testing.T) {
	r, actx := testRegistry(t)
	a := &fakeAction{
		name:   "tag.create",
		schema: Payload(map[string]any{"name": NonEmptyString()}, nil),
	}
	r.Register(a)

	_, err := r.Execute(context.Background(), actx, "tag.create", []map[string]any{
		{"name": "ok"},
		{"name": ""},
	})
	require.Error(t, err)
	assert.True(t, IsSchema(err))
	// The failing second item must prevent execution of the first.
	assert.Empty(t, a.executed)
}

func TestExecuteRejectsUnknownFields(t *testing.T) {
	r, actx := testRegistry(t)
	r.Register(&fakeAction{
		name:   "tag.create",
		schema: Payload(map[string]any{"name": NonEmptyString()}, nil),
	})

	_, err := r.Execute(context.Background(), actx, "tag.create", []map[string]any{
		{"name": "x", "surprise": 1},
	})
	assert.True(t, IsSchema(err))
}

func TestExecuteUnknownAction(t *testing.T) {
	r, actx := testRegistry(t)

	_, err := r.Execute(context.Background(), actx, "nope.create", nil)
	assert.True(t, IsException(err))
}

func TestSubActionSharesOverlay(t *testing.T) {
	r, actx := testRegistry(t)
	inner := &fakeAction{
		name:   "inner.touch",
		schema: Payload(nil, nil),
		execute: func(ctx context.Context, actx *Context, _ map[string]any) (Result, error) {
			err := actx.Apply(ctx, datastore.UpdateEvent(fqid.MustParse("motion/1"), map[string]any{
				"title": "changed",
			}))
			return Result{"done": true}, err
		},
	}
	outer := &fakeAction{
		name:   "outer.run",
		schema: Payload(nil, nil),
		execute: func(ctx context.Context, actx *Context, _ map[string]any) (Result, error) {
			results, err := actx.Execute(ctx, "inner.touch", []map[string]any{{}})
			if err != nil {
				return nil, err
			}
			return results[0], nil
		},
	}
	r.Register(inner)
	r.Register(outer)

	ctx := context.Background()
	results, err := r.Execute(ctx, actx, "outer.run", []map[string]any{{}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Result{"done": true}, results[0])

	model, err := actx.Overlay.Get(ctx, fqid.MustParse("motion/1"), "title")
	require.NoError(t, err)
	assert.Equal(t, "changed", model["title"])
}

func TestRegisterTwicePanics(t *testing.T) {
	r := NewRegistry(schema.Default())
	a := &fakeAction{name: "tag.create", schema: Payload(nil, nil)}
	r.Register(a)
	assert.Panics(t, func() { r.Register(a) })
}

func TestPayloadSchemaTypes(t *testing.T) {
	s := Payload(
		map[string]any{"meeting_id": ID(), "title": NonEmptyString()},
		map[string]any{"tag_ids": IDList(), "content_object_id": FqidString()},
	)

	assert.NoError(t, s.Validate("x", map[string]any{
		"meeting_id": 1, "title": "t", "tag_ids": []any{1, 2}, "content_object_id": "motion/3",
	}))
	assert.Error(t, s.Validate("x", map[string]any{"meeting_id": 0, "title": "t"}))
	assert.Error(t, s.Validate("x", map[string]any{"title": "t"}))
	assert.Error(t, s.Validate("x", map[string]any{"meeting_id": 1, "title": "t", "content_object_id": "Motion/3"}))
}
