// Package actions contains the concrete action handlers and their
// registration. Handlers are small structs composed from the helpers in
// this file: weight assignment, catalog-level value validation and meeting
// resolution.
package actions

import (
	"context"
	"time"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/schema"
)

// timeNow is stubbed in tests.
var timeNow = time.Now

// Register adds every concrete handler plus the generic delete fallback.
func Register(r *action.Registry) {
	r.Register(&motionCreate{})
	r.Register(&motionUpdate{})
	r.Register(&motionDelete{})
	r.Register(&motionSubmitterCreate{})
	r.Register(&motionSubmitterDelete{})
	r.Register(&motionSupporterCreate{})
	r.Register(&motionSupporterDelete{})
	r.Register(&speakerCreate{})
	r.Register(&speakerSort{})
	r.Register(&speakerDelete{})
	r.Register(&committeeCreate{})
	r.Register(&committeeDelete{})
	r.Register(&meetingCreate{})
	r.Register(&meetingDelete{})
	r.Register(&projectionCreate{})
	r.Register(&projectionDelete{})
	r.Register(&agendaItemCreate{})
	r.Register(&agendaItemDelete{})
	for _, collection := range []string{"tag", "personal_note", "motion_workflow", "motion_state", "group", "theme", "projector", "list_of_speakers", "user", "meeting_user", "organization"} {
		r.Register(&genericDelete{collection: collection})
	}
}

// validateFields checks field values against the catalog descriptors.
// Relation integrity is the resolver's concern; this covers scalar
// constraints like enums, lengths, decimal and HTML shape.
func validateFields(actionName string, sr *schema.Registry, collection string, fields map[string]any) error {
	for name, value := range fields {
		f, _, ok := sr.Field(collection, name)
		if !ok {
			return action.Errorf(actionName, "unknown field %s/%s", collection, name)
		}
		if f.Kind.IsRelation() || f.Kind == schema.KindTemplate {
			continue
		}
		if err := f.ValidateValue(datastore.Normalize(value)); err != nil {
			return action.Errorf(actionName, "invalid %s: %v", name, err)
		}
	}
	return nil
}

// createModel reserves an id, validates the fields and applies the create
// event including derived relation updates.
func createModel(ctx context.Context, actx *action.Context, actionName, collection string, fields map[string]any) (fqid.Fqid, error) {
	if err := validateFields(actionName, actx.Schema, collection, fields); err != nil {
		return fqid.Fqid{}, err
	}
	id, err := actx.ReserveID(ctx, collection)
	if err != nil {
		return fqid.Fqid{}, err
	}
	f := fqid.Fqid{Collection: collection, ID: id}
	if err := actx.Apply(ctx, datastore.CreateEvent(f, fields)); err != nil {
		return fqid.Fqid{}, err
	}
	return f, nil
}

// updateModel validates and applies an update event.
func updateModel(ctx context.Context, actx *action.Context, actionName string, id fqid.Fqid, fields map[string]any) error {
	if err := validateFields(actionName, actx.Schema, id.Collection, fields); err != nil {
		return err
	}
	return actx.Apply(ctx, datastore.UpdateEvent(id, fields))
}

// nextWeight returns max(field)+1 over the filtered collection, locking the
// aggregate so a concurrent insert conflicts at write time.
func nextWeight(ctx context.Context, actx *action.Context, collection string, filter dsfilter.Filter, field string) (int, error) {
	max, err := actx.Overlay.MaxLocked(ctx, collection, filter, field)
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return int(*max) + 1, nil
}

// payloadInt reads an integer payload property. JSON numbers arrive as
// float64.
func payloadInt(instance map[string]any, key string) (int, bool) {
	return datastore.FieldInt(instance, key)
}

// payloadIntList reads an id list payload property.
func payloadIntList(instance map[string]any, key string) []int {
	return datastore.FieldIntList(instance, key)
}

// payloadString reads a string payload property.
func payloadString(instance map[string]any, key string) string {
	return datastore.FieldString(instance, key)
}

// copyOptional moves the given payload properties into fields when present.
func copyOptional(instance, fields map[string]any, keys ...string) {
	for _, key := range keys {
		if value, ok := instance[key]; ok {
			fields[key] = value
		}
	}
}

// meetingIDOf resolves the meeting a model belongs to.
func meetingIDOf(ctx context.Context, actx *action.Context, id fqid.Fqid) (int, error) {
	model, err := actx.Overlay.Get(ctx, id, "meeting_id")
	if err != nil {
		return 0, err
	}
	meetingID, _ := datastore.FieldInt(model, "meeting_id")
	return meetingID, nil
}
