package actions

import (
	"context"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type motionSubmitterCreate struct{}

func (a *motionSubmitterCreate) Name() string { return "motion_submitter.create" }

func (a *motionSubmitterCreate) Schema() *action.Schema {
	return action.Payload(map[string]any{
		"motion_id":       action.ID(),
		"meeting_user_id": action.ID(),
	}, nil)
}

func (a *motionSubmitterCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	motionID, _ := payloadInt(instance, "motion_id")
	meetingUserID, _ := payloadInt(instance, "meeting_user_id")

	motion := fqid.Fqid{Collection: "motion", ID: motionID}
	meetingID, err := meetingIDOf(ctx, actx, motion)
	if err != nil {
		return nil, err
	}
	mu, err := actx.Overlay.Get(ctx, fqid.Fqid{Collection: "meeting_user", ID: meetingUserID},
		"meeting_id", "user_id")
	if err != nil {
		return nil, err
	}
	if muMeeting, _ := datastore.FieldInt(mu, "meeting_id"); muMeeting != meetingID {
		return nil, action.Errorf(a.Name(), "meeting_user %d does not belong to meeting %d", meetingUserID, meetingID)
	}

	// Users may add themselves; adding others needs manage rights.
	if muUser, _ := datastore.FieldInt(mu, "user_id"); muUser != actx.UserID {
		if err := actx.RequirePerm(ctx, meetingID, perm.MotionCanManage); err != nil {
			return nil, err
		}
	}

	duplicate, err := actx.Overlay.Exists(ctx, "motion_submitter", dsfilter.And(
		dsfilter.Eq("motion_id", motionID),
		dsfilter.Eq("meeting_user_id", meetingUserID),
	))
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, action.Errorf(a.Name(), "meeting_user %d is already a submitter of motion %d", meetingUserID, motionID)
	}

	weight, err := nextWeight(ctx, actx, "motion_submitter", dsfilter.Eq("motion_id", motionID), "weight")
	if err != nil {
		return nil, err
	}
	submitter, err := createModel(ctx, actx, a.Name(), "motion_submitter", map[string]any{
		"motion_id":       motionID,
		"meeting_user_id": meetingUserID,
		"meeting_id":      meetingID,
		"weight":          weight,
	})
	if err != nil {
		return nil, err
	}
	actx.History(motion, "Submitter added")
	return action.Result{"id": submitter.ID}, nil
}

type motionSubmitterDelete struct{}

func (a *motionSubmitterDelete) Name() string { return "motion_submitter.delete" }

func (a *motionSubmitterDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *motionSubmitterDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	submitter := fqid.Fqid{Collection: "motion_submitter", ID: id}
	model, err := actx.Overlay.Get(ctx, submitter, "meeting_id", "motion_id")
	if err != nil {
		return nil, err
	}
	meetingID, _ := datastore.FieldInt(model, "meeting_id")
	if err := actx.RequirePerm(ctx, meetingID, perm.MotionCanManage); err != nil {
		return nil, err
	}
	if err := actx.Delete(ctx, submitter); err != nil {
		return nil, err
	}
	if motionID, ok := datastore.FieldInt(model, "motion_id"); ok {
		actx.History(fqid.Fqid{Collection: "motion", ID: motionID}, "Submitter removed")
	}
	return nil, nil
}
