package actions

import (
	"context"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type motionCreate struct{}

func (a *motionCreate) Name() string { return "motion.create" }

func (a *motionCreate) Schema() *action.Schema {
	return action.Payload(
		map[string]any{
			"title":      action.NonEmptyString(),
			"meeting_id": action.ID(),
		},
		map[string]any{
			"text":          action.String(),
			"reason":        action.String(),
			"number":        action.String(),
			"workflow_id":   action.ID(),
			"submitter_ids": action.IDList(),
			"tag_ids":       action.IDList(),
			"agenda_create": action.Boolean(),
		},
	)
}

func (a *motionCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	meetingID, _ := payloadInt(instance, "meeting_id")
	meeting, err := actx.Overlay.Get(ctx, fqid.Fqid{Collection: "meeting", ID: meetingID},
		"motions_default_workflow_id")
	if err != nil {
		return nil, err
	}
	if err := actx.RequireAnyPerm(ctx, meetingID, perm.MotionCanCreate, perm.MotionCanManage); err != nil {
		return nil, err
	}

	workflowID, ok := payloadInt(instance, "workflow_id")
	if !ok {
		if workflowID, ok = datastore.FieldInt(meeting, "motions_default_workflow_id"); !ok {
			return nil, action.Errorf(a.Name(), "no workflow given and meeting/%d has no default workflow", meetingID)
		}
	}
	workflow, err := actx.Overlay.Get(ctx, fqid.Fqid{Collection: "motion_workflow", ID: workflowID},
		"meeting_id", "first_state_id")
	if err != nil {
		return nil, err
	}
	if wfMeeting, _ := datastore.FieldInt(workflow, "meeting_id"); wfMeeting != meetingID {
		return nil, action.Errorf(a.Name(), "workflow %d does not belong to meeting %d", workflowID, meetingID)
	}
	stateID, ok := datastore.FieldInt(workflow, "first_state_id")
	if !ok {
		return nil, action.Errorf(a.Name(), "workflow %d has no first state", workflowID)
	}
	state, err := actx.Overlay.Get(ctx, fqid.Fqid{Collection: "motion_state", ID: stateID},
		"set_workflow_timestamp")
	if err != nil {
		return nil, err
	}

	sequential, err := nextWeight(ctx, actx, "motion", dsfilter.Eq("meeting_id", meetingID), "sequential_number")
	if err != nil {
		return nil, err
	}

	now := timeNow().Unix()
	fields := map[string]any{
		"title":             payloadString(instance, "title"),
		"meeting_id":        meetingID,
		"state_id":          stateID,
		"sequential_number": sequential,
		"created":           now,
		"last_modified":     now,
	}
	if datastore.FieldBool(state, "set_workflow_timestamp") {
		fields["workflow_timestamp"] = now
	}
	copyOptional(instance, fields, "text", "reason", "number", "tag_ids")

	motion, err := createModel(ctx, actx, a.Name(), "motion", fields)
	if err != nil {
		return nil, err
	}
	actx.History(motion, "Motion created")

	submitterIDs := payloadIntList(instance, "submitter_ids")
	if _, given := instance["submitter_ids"]; !given {
		if mu, err := actx.Perm.MeetingUser(ctx, actx.UserID, meetingID); err != nil {
			return nil, err
		} else if mu != nil {
			if muID, ok := datastore.FieldInt(mu, "id"); ok {
				submitterIDs = []int{muID}
			}
		}
	}
	for _, muID := range submitterIDs {
		_, err := actx.Execute(ctx, "motion_submitter.create", []map[string]any{
			{"motion_id": motion.ID, "meeting_user_id": muID},
		})
		if err != nil {
			return nil, err
		}
	}

	if datastore.FieldBool(instance, "agenda_create") {
		_, err := actx.Execute(ctx, "agenda_item.create", []map[string]any{
			{"content_object_id": motion.String(), "meeting_id": meetingID},
		})
		if err != nil {
			return nil, err
		}
	}

	return action.Result{"id": motion.ID, "sequential_number": sequential}, nil
}

type motionUpdate struct{}

func (a *motionUpdate) Name() string { return "motion.update" }

func (a *motionUpdate) Schema() *action.Schema {
	return action.Payload(
		map[string]any{"id": action.ID()},
		map[string]any{
			"title":   action.NonEmptyString(),
			"text":    action.String(),
			"reason":  action.String(),
			"number":  action.String(),
			"tag_ids": action.IDList(),
		},
	)
}

func (a *motionUpdate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	motion := fqid.Fqid{Collection: "motion", ID: id}
	meetingID, err := meetingIDOf(ctx, actx, motion)
	if err != nil {
		return nil, err
	}
	if err := actx.RequirePerm(ctx, meetingID, perm.MotionCanManage); err != nil {
		return nil, err
	}

	fields := map[string]any{"last_modified": timeNow().Unix()}
	copyOptional(instance, fields, "title", "text", "reason", "number", "tag_ids")
	if err := updateModel(ctx, actx, a.Name(), motion, fields); err != nil {
		return nil, err
	}
	actx.History(motion, "Motion updated")
	return nil, nil
}

type motionDelete struct{}

func (a *motionDelete) Name() string { return "motion.delete" }

func (a *motionDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *motionDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	motion := fqid.Fqid{Collection: "motion", ID: id}
	meetingID, err := meetingIDOf(ctx, actx, motion)
	if err != nil {
		return nil, err
	}
	if err := actx.RequirePerm(ctx, meetingID, perm.MotionCanManage); err != nil {
		return nil, err
	}
	if err := actx.Delete(ctx, motion); err != nil {
		return nil, err
	}
	actx.History(motion, "Motion deleted")
	return nil, nil
}
