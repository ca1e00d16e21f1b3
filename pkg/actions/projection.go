package actions

import (
	"context"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type projectionCreate struct{}

func (a *projectionCreate) Name() string { return "projection.create" }

func (a *projectionCreate) Schema() *action.Schema {
	return action.Payload(
		map[string]any{
			"content_object_id": action.FqidString(),
			"meeting_id":        action.ID(),
		},
		map[string]any{
			"type":                 action.String(),
			"stable":               action.Boolean(),
			"weight":               action.Integer(),
			"current_projector_id": action.ID(),
		},
	)
}

func (a *projectionCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	meetingID, _ := payloadInt(instance, "meeting_id")
	if err := actx.RequirePerm(ctx, meetingID, perm.ProjectorCanManage); err != nil {
		return nil, err
	}

	fields := map[string]any{
		"content_object_id": instance["content_object_id"],
		"meeting_id":        meetingID,
	}
	copyOptional(instance, fields, "type", "stable", "weight", "current_projector_id")
	projection, err := createModel(ctx, actx, a.Name(), "projection", fields)
	if err != nil {
		return nil, err
	}
	return action.Result{"id": projection.ID}, nil
}

type projectionDelete struct{}

func (a *projectionDelete) Name() string { return "projection.delete" }

func (a *projectionDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *projectionDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	projection := fqid.Fqid{Collection: "projection", ID: id}
	meetingID, err := meetingIDOf(ctx, actx, projection)
	if err != nil {
		return nil, err
	}
	if err := actx.RequirePerm(ctx, meetingID, perm.ProjectorCanManage); err != nil {
		return nil, err
	}
	return nil, actx.Delete(ctx, projection)
}
