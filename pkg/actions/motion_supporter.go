package actions

import (
	"context"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type motionSupporterCreate struct{}

func (a *motionSupporterCreate) Name() string { return "motion_supporter.create" }

func (a *motionSupporterCreate) Schema() *action.Schema {
	return action.Payload(map[string]any{"motion_id": action.ID()}, nil)
}

func (a *motionSupporterCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	motionID, _ := payloadInt(instance, "motion_id")
	motion := fqid.Fqid{Collection: "motion", ID: motionID}
	model, err := actx.Overlay.Get(ctx, motion, "meeting_id", "state_id")
	if err != nil {
		return nil, err
	}
	meetingID, _ := datastore.FieldInt(model, "meeting_id")

	if err := actx.RequirePerm(ctx, meetingID, perm.MotionCanSupport); err != nil {
		return nil, err
	}

	stateID, _ := datastore.FieldInt(model, "state_id")
	state, err := actx.Overlay.Get(ctx, fqid.Fqid{Collection: "motion_state", ID: stateID}, "allow_support")
	if err != nil {
		return nil, err
	}
	if !datastore.FieldBool(state, "allow_support") {
		return nil, action.Errorf(a.Name(), "state %d does not allow support", stateID)
	}

	mu, err := actx.Perm.MeetingUser(ctx, actx.UserID, meetingID)
	if err != nil {
		return nil, err
	}
	if mu == nil {
		return nil, action.Errorf(a.Name(), "user %d has no meeting_user in meeting %d", actx.UserID, meetingID)
	}
	meetingUserID, _ := datastore.FieldInt(mu, "id")

	// A user who delegated their vote may only support when the meeting
	// does not forbid it, unless they can manage motion metadata.
	meeting, err := actx.Overlay.Get(ctx, fqid.Fqid{Collection: "meeting", ID: meetingID},
		"users_enable_vote_delegations", "users_forbid_delegator_as_supporter")
	if err != nil {
		return nil, err
	}
	if datastore.FieldBool(meeting, "users_enable_vote_delegations") &&
		datastore.FieldBool(meeting, "users_forbid_delegator_as_supporter") {
		if _, delegated := datastore.FieldInt(mu, "vote_delegated_to_id"); delegated {
			ok, err := actx.Perm.HasPerm(ctx, actx.UserID, meetingID, perm.MotionCanManageMetadata)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, action.Denied("vote delegators may not support motions in this meeting", perm.MotionCanManageMetadata)
			}
		}
	}

	duplicate, err := actx.Overlay.Exists(ctx, "motion_supporter", dsfilter.And(
		dsfilter.Eq("motion_id", motionID),
		dsfilter.Eq("meeting_user_id", meetingUserID),
	))
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, action.Errorf(a.Name(), "meeting_user %d already supports motion %d", meetingUserID, motionID)
	}

	weight, err := nextWeight(ctx, actx, "motion_supporter", dsfilter.Eq("motion_id", motionID), "weight")
	if err != nil {
		return nil, err
	}
	supporter, err := createModel(ctx, actx, a.Name(), "motion_supporter", map[string]any{
		"motion_id":       motionID,
		"meeting_user_id": meetingUserID,
		"meeting_id":      meetingID,
		"weight":          weight,
	})
	if err != nil {
		return nil, err
	}
	actx.History(motion, "Supporter added")
	return action.Result{"id": supporter.ID}, nil
}

type motionSupporterDelete struct{}

func (a *motionSupporterDelete) Name() string { return "motion_supporter.delete" }

func (a *motionSupporterDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *motionSupporterDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	supporter := fqid.Fqid{Collection: "motion_supporter", ID: id}
	model, err := actx.Overlay.Get(ctx, supporter, "meeting_id", "meeting_user_id", "motion_id")
	if err != nil {
		return nil, err
	}
	meetingID, _ := datastore.FieldInt(model, "meeting_id")

	// Supporters may withdraw themselves; everything else is management.
	own := false
	if mu, err := actx.Perm.MeetingUser(ctx, actx.UserID, meetingID); err != nil {
		return nil, err
	} else if mu != nil {
		muID, _ := datastore.FieldInt(mu, "id")
		supporterMU, _ := datastore.FieldInt(model, "meeting_user_id")
		own = muID == supporterMU
	}
	if !own {
		if err := actx.RequirePerm(ctx, meetingID, perm.MotionCanManage); err != nil {
			return nil, err
		}
	}

	if err := actx.Delete(ctx, supporter); err != nil {
		return nil, err
	}
	if motionID, ok := datastore.FieldInt(model, "motion_id"); ok {
		actx.History(fqid.Fqid{Collection: "motion", ID: motionID}, "Supporter removed")
	}
	return nil, nil
}
