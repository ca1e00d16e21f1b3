package actions

import (
	"context"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type agendaItemCreate struct{}

func (a *agendaItemCreate) Name() string { return "agenda_item.create" }

func (a *agendaItemCreate) Schema() *action.Schema {
	return action.Payload(
		map[string]any{
			"content_object_id": action.FqidString(),
			"meeting_id":        action.ID(),
		},
		map[string]any{
			"item_number": action.String(),
			"comment":     action.String(),
			"parent_id":   action.ID(),
			"is_internal": action.Boolean(),
			"is_hidden":   action.Boolean(),
		},
	)
}

func (a *agendaItemCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	meetingID, _ := payloadInt(instance, "meeting_id")
	if err := actx.RequirePerm(ctx, meetingID, perm.AgendaItemCanManage); err != nil {
		return nil, err
	}

	weight, err := nextWeight(ctx, actx, "agenda_item", dsfilter.Eq("meeting_id", meetingID), "weight")
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"content_object_id": instance["content_object_id"],
		"meeting_id":        meetingID,
		"weight":            weight,
	}
	copyOptional(instance, fields, "item_number", "comment", "parent_id", "is_internal", "is_hidden")
	item, err := createModel(ctx, actx, a.Name(), "agenda_item", fields)
	if err != nil {
		return nil, err
	}
	return action.Result{"id": item.ID}, nil
}

type agendaItemDelete struct{}

func (a *agendaItemDelete) Name() string { return "agenda_item.delete" }

func (a *agendaItemDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *agendaItemDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	item := fqid.Fqid{Collection: "agenda_item", ID: id}
	meetingID, err := meetingIDOf(ctx, actx, item)
	if err != nil {
		return nil, err
	}
	if err := actx.RequirePerm(ctx, meetingID, perm.AgendaItemCanManage); err != nil {
		return nil, err
	}
	return nil, actx.Delete(ctx, item)
}
