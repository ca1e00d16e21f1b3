package actions

import (
	"context"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type meetingCreate struct{}

func (a *meetingCreate) Name() string { return "meeting.create" }

func (a *meetingCreate) Schema() *action.Schema {
	return action.Payload(
		map[string]any{
			"name":         action.NonEmptyString(),
			"committee_id": action.ID(),
		},
		map[string]any{
			"description": action.String(),
			"location":    action.String(),
			"start_time":  action.Integer(),
			"end_time":    action.Integer(),
		},
	)
}

func (a *meetingCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	committeeID, _ := payloadInt(instance, "committee_id")
	if err := requireCommitteeManager(ctx, actx, committeeID); err != nil {
		return nil, err
	}

	fields := map[string]any{
		"name":         payloadString(instance, "name"),
		"committee_id": committeeID,
	}
	copyOptional(instance, fields, "description", "location", "start_time", "end_time")
	meeting, err := createModel(ctx, actx, a.Name(), "meeting", fields)
	if err != nil {
		return nil, err
	}

	// Every meeting starts with a default and an admin group.
	defaultGroup, err := createModel(ctx, actx, a.Name(), "group", map[string]any{
		"name":       "Default",
		"meeting_id": meeting.ID,
		"weight":     1,
	})
	if err != nil {
		return nil, err
	}
	adminGroup, err := createModel(ctx, actx, a.Name(), "group", map[string]any{
		"name":       "Admin",
		"meeting_id": meeting.ID,
		"weight":     2,
	})
	if err != nil {
		return nil, err
	}
	if err := actx.Apply(ctx, datastore.UpdateEvent(meeting, map[string]any{
		"default_group_id": defaultGroup.ID,
		"admin_group_id":   adminGroup.ID,
	})); err != nil {
		return nil, err
	}

	return action.Result{"id": meeting.ID}, nil
}

type meetingDelete struct{}

func (a *meetingDelete) Name() string { return "meeting.delete" }

func (a *meetingDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *meetingDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	meeting := fqid.Fqid{Collection: "meeting", ID: id}
	model, err := actx.Overlay.Get(ctx, meeting, "committee_id")
	if err != nil {
		return nil, err
	}
	committeeID, _ := datastore.FieldInt(model, "committee_id")
	if err := requireCommitteeManager(ctx, actx, committeeID); err != nil {
		return nil, err
	}
	return nil, actx.Delete(ctx, meeting)
}

// requireCommitteeManager passes for committee managers and organization
// managers.
func requireCommitteeManager(ctx context.Context, actx *action.Context, committeeID int) error {
	if actx.Cascading() {
		return nil
	}
	level, err := actx.Perm.OrganizationLevel(ctx, actx.UserID)
	if err != nil {
		return err
	}
	if level.Includes(perm.OMLCanManageOrganization) {
		return nil
	}
	manager, err := actx.Perm.IsCommitteeManager(ctx, actx.UserID, committeeID)
	if err != nil {
		return err
	}
	if !manager {
		return action.Denied("", perm.Permission(perm.OMLCanManageOrganization))
	}
	return nil
}
