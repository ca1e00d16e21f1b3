package actions

import (
	"context"
	"sort"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/perm"
)

type speakerCreate struct{}

func (a *speakerCreate) Name() string { return "speaker.create" }

func (a *speakerCreate) Schema() *action.Schema {
	return action.Payload(
		map[string]any{"list_of_speakers_id": action.ID()},
		map[string]any{
			"meeting_user_id": action.ID(),
			"point_of_order":  action.Boolean(),
			"note":            action.String(),
		},
	)
}

func (a *speakerCreate) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	losID, _ := payloadInt(instance, "list_of_speakers_id")
	los := fqid.Fqid{Collection: "list_of_speakers", ID: losID}
	losModel, err := actx.Overlay.Get(ctx, los, "meeting_id", "closed")
	if err != nil {
		return nil, err
	}
	meetingID, _ := datastore.FieldInt(losModel, "meeting_id")
	if datastore.FieldBool(losModel, "closed") {
		return nil, action.Errorf(a.Name(), "list of speakers %d is closed", losID)
	}

	meetingUserID, given := payloadInt(instance, "meeting_user_id")
	if !given {
		mu, err := actx.Perm.MeetingUser(ctx, actx.UserID, meetingID)
		if err != nil {
			return nil, err
		}
		if mu == nil {
			return nil, action.Errorf(a.Name(), "user %d has no meeting_user in meeting %d", actx.UserID, meetingID)
		}
		meetingUserID, _ = datastore.FieldInt(mu, "id")
	}

	// Speaking for oneself needs the speaker permission, putting others on
	// the list needs manage rights.
	self := false
	if mu, err := actx.Perm.MeetingUser(ctx, actx.UserID, meetingID); err != nil {
		return nil, err
	} else if mu != nil {
		muID, _ := datastore.FieldInt(mu, "id")
		self = muID == meetingUserID
	}
	if self {
		if err := actx.RequireAnyPerm(ctx, meetingID, perm.ListOfSpeakersCanBeSpeaker, perm.ListOfSpeakersCanManage); err != nil {
			return nil, err
		}
	} else if err := actx.RequirePerm(ctx, meetingID, perm.ListOfSpeakersCanManage); err != nil {
		return nil, err
	}

	pointOfOrder := datastore.FieldBool(instance, "point_of_order")
	weight, err := nextWeight(ctx, actx, "speaker", dsfilter.Eq("list_of_speakers_id", losID), "weight")
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"list_of_speakers_id": losID,
		"meeting_user_id":     meetingUserID,
		"meeting_id":          meetingID,
		"weight":              weight,
	}
	if pointOfOrder {
		fields["point_of_order"] = true
	}
	copyOptional(instance, fields, "note")

	speaker, err := createModel(ctx, actx, a.Name(), "speaker", fields)
	if err != nil {
		return nil, err
	}

	if pointOfOrder {
		order, err := pointOfOrderPosition(ctx, actx, losID, speaker.ID)
		if err != nil {
			return nil, err
		}
		if _, err := actx.Execute(ctx, "speaker.sort", []map[string]any{
			{"list_of_speakers_id": losID, "speaker_ids": order},
		}); err != nil {
			return nil, err
		}
	}

	return action.Result{"id": speaker.ID}, nil
}

// pointOfOrderPosition returns the waiting speakers in their new order: a
// fresh point-of-order speaker goes behind earlier point-of-order speakers
// and in front of everyone else.
func pointOfOrderPosition(ctx context.Context, actx *action.Context, losID, newID int) ([]any, error) {
	waiting, err := actx.Overlay.Filter(ctx, "speaker",
		dsfilter.Eq("list_of_speakers_id", losID), "weight", "point_of_order", "begin_time")
	if err != nil {
		return nil, err
	}
	type entry struct {
		id           int
		weight       int
		pointOfOrder bool
	}
	var entries []entry
	for id, model := range waiting {
		if id == newID {
			continue
		}
		if _, started := datastore.FieldInt(model, "begin_time"); started {
			continue
		}
		w, _ := datastore.FieldInt(model, "weight")
		entries = append(entries, entry{id: id, weight: w, pointOfOrder: datastore.FieldBool(model, "point_of_order")})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].weight < entries[j].weight })

	order := make([]any, 0, len(entries)+1)
	inserted := false
	for _, e := range entries {
		if !e.pointOfOrder && !inserted {
			order = append(order, newID)
			inserted = true
		}
		order = append(order, e.id)
	}
	if !inserted {
		order = append(order, newID)
	}
	return order, nil
}

type speakerSort struct{}

func (a *speakerSort) Name() string { return "speaker.sort" }

func (a *speakerSort) Schema() *action.Schema {
	return action.Payload(map[string]any{
		"list_of_speakers_id": action.ID(),
		"speaker_ids":         action.IDList(),
	}, nil)
}

func (a *speakerSort) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	losID, _ := payloadInt(instance, "list_of_speakers_id")
	meetingID, err := meetingIDOf(ctx, actx, fqid.Fqid{Collection: "list_of_speakers", ID: losID})
	if err != nil {
		return nil, err
	}
	if err := actx.RequirePerm(ctx, meetingID, perm.ListOfSpeakersCanManage); err != nil {
		return nil, err
	}

	for i, id := range payloadIntList(instance, "speaker_ids") {
		speaker := fqid.Fqid{Collection: "speaker", ID: id}
		model, err := actx.Overlay.Get(ctx, speaker, "list_of_speakers_id")
		if err != nil {
			return nil, err
		}
		if belongsTo, _ := datastore.FieldInt(model, "list_of_speakers_id"); belongsTo != losID {
			return nil, action.Errorf(a.Name(), "speaker %d is not on list of speakers %d", id, losID)
		}
		if err := actx.Apply(ctx, datastore.UpdateEvent(speaker, map[string]any{"weight": i + 1})); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

type speakerDelete struct{}

func (a *speakerDelete) Name() string { return "speaker.delete" }

func (a *speakerDelete) Schema() *action.Schema {
	return action.Payload(map[string]any{"id": action.ID()}, nil)
}

func (a *speakerDelete) Execute(ctx context.Context, actx *action.Context, instance map[string]any) (action.Result, error) {
	id, _ := payloadInt(instance, "id")
	speaker := fqid.Fqid{Collection: "speaker", ID: id}
	model, err := actx.Overlay.Get(ctx, speaker, "meeting_id", "meeting_user_id")
	if err != nil {
		return nil, err
	}
	meetingID, _ := datastore.FieldInt(model, "meeting_id")

	own := false
	if mu, err := actx.Perm.MeetingUser(ctx, actx.UserID, meetingID); err != nil {
		return nil, err
	} else if mu != nil {
		muID, _ := datastore.FieldInt(mu, "id")
		speakerMU, _ := datastore.FieldInt(model, "meeting_user_id")
		own = muID == speakerMU
	}
	if !own {
		if err := actx.RequirePerm(ctx, meetingID, perm.ListOfSpeakersCanManage); err != nil {
			return nil, err
		}
	}
	return nil, actx.Delete(ctx, speaker)
}
