package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/cascade"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type committeeCreate struct{}

func (a *committeeCreate) Name() string { return "committee.create" }

func (a *committeeCreate) Schema() *action.Schema {
	return action.Payload(
		map[string]any{
			"name":            action.NonEmptyString(),
			"organization_id": action.ID(),
		},
		map[string]any{
			"description": action.String(),
			"manager_ids": action.IDList(),
		},
	)
}

func (a *committeeCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	if err := requireOrganizationLevel(ctx, actx, perm.OMLCanManageOrganization); err != nil {
		return nil, err
	}
	fields := map[string]any{
		"name":            payloadString(instance, "name"),
		"organization_id": instance["organization_id"],
	}
	copyOptional(instance, fields, "description", "manager_ids")

	committee, err := createModel(ctx, actx, a.Name(), "committee", fields)
	if err != nil {
		return nil, err
	}
	return action.Result{"id": committee.ID}, nil
}

type committeeDelete struct{}

func (a *committeeDelete) Name() string { return "committee.delete" }

func (a *committeeDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *committeeDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	if err := requireOrganizationLevel(ctx, actx, perm.OMLCanManageOrganization); err != nil {
		return nil, err
	}
	id, _ := payloadInt(instance, "id")
	err := actx.Delete(ctx, fqid.Fqid{Collection: "committee", ID: id})
	if pe, ok := cascade.IsProtected(err); ok {
		return nil, action.Errorf(a.Name(), "%s", meetingProtectionMessage(pe))
	}
	return nil, err
}

// meetingProtectionMessage renders a protection error on committee deletion
// the way users expect it: naming the blocking meetings.
func meetingProtectionMessage(pe *cascade.ProtectedModelsError) string {
	var ids []int
	for _, p := range pe.Protected {
		if p.Collection == "meeting" {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return pe.Error()
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("This committee has still a meeting %s. Please remove all meetings before deletion.", strings.Join(parts, ", "))
}

// requireOrganizationLevel checks the caller's organization management
// level.
func requireOrganizationLevel(ctx context.Context, actx *action.Context, required perm.OrganizationManagementLevel) error {
	if actx.Cascading() {
		return nil
	}
	level, err := actx.Perm.OrganizationLevel(ctx, actx.UserID)
	if err != nil {
		return err
	}
	if !level.Includes(required) {
		return action.Denied("", perm.Permission(required))
	}
	return nil
}
