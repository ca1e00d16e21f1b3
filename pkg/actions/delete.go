package actions

import (
	"context"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

// genericDelete is the fallback delete action for collections without a
// dedicated handler. It runs the same cascade traversal; meeting-scoped
// models require meeting settings rights, everything else organization
// management.
type genericDelete struct {
	collection string
}

func (a *genericDelete) Name() string { return a.collection + ".delete" }

func (a *genericDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *genericDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	target := fqid.Fqid{Collection: a.collection, ID: id}
	model, err := actx.Overlay.Get(ctx, target, "meeting_id")
	if err != nil {
		return nil, err
	}
	if meetingID, ok := datastore.FieldInt(model, "meeting_id"); ok {
		if err := actx.RequirePerm(ctx, meetingID, perm.MeetingCanManageSettings); err != nil {
			return nil, err
		}
	} else if err := requireOrganizationLevel(ctx, actx, perm.OMLCanManageOrganization); err != nil {
		return nil, err
	}
	return nil, actx.Delete(ctx, target)
}
