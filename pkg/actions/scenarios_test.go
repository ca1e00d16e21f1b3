package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/schema"
)

func newRegistry() *action.Registry {
	r := action.NewRegistry(schema.Default())
	Register(r)
	return r
}

func freezeTime(t *testing.T, at int64) {
	t.Helper()
	old := timeNow
	timeNow = func() time.Time { return time.Unix(at, 0) }
	t.Cleanup(func() { timeNow = old })
}

// meetingFixture is the shared seed: user 7 sits in meeting 222 via
// meeting_user 1 and group 4.
func meetingFixture(groupPermissions []string, meetingExtra map[string]any) map[string]map[string]any {
	meeting := map[string]any{
		"name":                        "assembly",
		"committee_id":                5,
		"motions_default_workflow_id": 12,
		"group_ids":                   []int{4},
		"meeting_user_ids":            []int{1},
		"motion_workflow_ids":         []int{12},
		"motion_state_ids":            []int{34},
	}
	for k, v := range meetingExtra {
		meeting[k] = v
	}
	return map[string]map[string]any{
		"organization/1": {"name": "org", "committee_ids": []int{5}},
		"committee/5":    {"name": "general", "organization_id": 1, "meeting_ids": []int{222}},
		"meeting/222":    meeting,
		"group/4": {
			"name": "delegates", "meeting_id": 222,
			"permissions":      groupPermissions,
			"meeting_user_ids": []int{1},
		},
		"user/7":         {"username": "ann", "meeting_user_ids": []int{1}},
		"meeting_user/1": {"user_id": 7, "meeting_id": 222, "group_ids": []int{4}},
		"motion_workflow/12": {
			"name": "simple", "meeting_id": 222, "first_state_id": 34, "state_ids": []int{34},
			"default_workflow_meeting_id": 222,
		},
		"motion_state/34": {
			"name": "submitted", "meeting_id": 222, "workflow_id": 12,
			"first_state_of_workflow_id": 12,
			"set_workflow_timestamp":     true,
			"allow_support":              true,
		},
	}
}

func run(t *testing.T, mem *datastore.Memory, userID int, name string, payload []map[string]any) ([]action.Result, error) {
	t.Helper()
	r := newRegistry()
	o := datastore.NewOverlay(mem)
	actx := r.Context(userID, o)
	results, err := r.Execute(context.Background(), actx, name, payload)
	if err != nil {
		return nil, err
	}
	require.NoError(t, o.Flush(context.Background(), userID))
	return results, nil
}

func get(t *testing.T, mem *datastore.Memory, key string, fields ...string) map[string]any {
	t.Helper()
	model, err := mem.Get(context.Background(), fqid.MustParse(key), fields...)
	require.NoError(t, err)
	return model
}

func TestCreateMotionChainsSubmitter(t *testing.T) {
	freezeTime(t, 1700000000)
	mem := datastore.NewMemory()
	mem.Seed(meetingFixture([]string{"motion.can_create"}, nil))

	results, err := run(t, mem, 7, "motion.create", []map[string]any{
		{"title": "X", "meeting_id": 222, "workflow_id": 12, "text": "t"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0]["id"])

	motion := get(t, mem, "motion/1")
	assert.Equal(t, "X", motion["title"])
	assert.Equal(t, 34, motion["state_id"])
	assert.Equal(t, motion["created"], motion["last_modified"])
	assert.Equal(t, motion["created"], motion["workflow_timestamp"])
	assert.Equal(t, []any{1}, datastore.Normalize(motion["submitter_ids"]))

	submitter := get(t, mem, "motion_submitter/1")
	assert.Equal(t, 1, submitter["meeting_user_id"])
	assert.Equal(t, 1, submitter["motion_id"])
	mu := get(t, mem, "meeting_user/1")
	assert.Equal(t, []any{1}, datastore.Normalize(mu["motion_submitter_ids"]))
}

func TestCreateMotionWithoutWorkflowUsesMeetingDefault(t *testing.T) {
	freezeTime(t, 1700000000)
	mem := datastore.NewMemory()
	mem.Seed(meetingFixture([]string{"motion.can_create"}, nil))

	_, err := run(t, mem, 7, "motion.create", []map[string]any{
		{"title": "X", "meeting_id": 222},
	})
	require.NoError(t, err)
	assert.Equal(t, 34, get(t, mem, "motion/1")["state_id"])
}

func TestCreateMotionWorkflowMeetingMismatch(t *testing.T) {
	mem := datastore.NewMemory()
	models := meetingFixture([]string{"motion.can_create"}, nil)
	models["motion_workflow/99"] = map[string]any{"name": "other", "meeting_id": 999, "first_state_id": 34}
	mem.Seed(models)

	_, err := run(t, mem, 7, "motion.create", []map[string]any{
		{"title": "X", "meeting_id": 222, "workflow_id": 99},
	})
	require.Error(t, err)
	assert.True(t, action.IsException(err))
	assert.ErrorContains(t, err, "does not belong to meeting")
}

func TestCreateMotionWithoutPermission(t *testing.T) {
	mem := datastore.NewMemory()
	mem.Seed(meetingFixture(nil, nil))

	_, err := run(t, mem, 7, "motion.create", []map[string]any{
		{"title": "X", "meeting_id": 222},
	})
	assert.True(t, action.IsPermissionDenied(err))
}

func TestCommitteeDeleteProtectedByMeeting(t *testing.T) {
	mem := datastore.NewMemory()
	mem.Seed(map[string]map[string]any{
		"user/7":      {"username": "root", "organization_management_level": "can_manage_organization"},
		"committee/1": {"name": "finance", "meeting_ids": []int{10}},
		"meeting/10":  {"name": "budget", "committee_id": 1},
	})

	_, err := run(t, mem, 7, "committee.delete", []map[string]any{{"id": 1}})
	require.Error(t, err)
	assert.True(t, action.IsException(err))
	assert.ErrorContains(t, err, "This committee has still a meeting 10. Please remove all meetings before deletion.")

	// Nothing was written.
	_, err = mem.Get(context.Background(), fqid.MustParse("committee/1"))
	assert.NoError(t, err)
	pos, err := mem.Position(context.Background(), "committee/1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)
}

func TestSupporterCreateUnderDelegationRestriction(t *testing.T) {
	seed := func(enabled bool) *datastore.Memory {
		mem := datastore.NewMemory()
		models := meetingFixture([]string{"motion.can_support"}, map[string]any{
			"users_enable_vote_delegations":       enabled,
			"users_forbid_delegator_as_supporter": true,
		})
		models["meeting_user/1"]["vote_delegated_to_id"] = 2
		models["meeting_user/2"] = map[string]any{
			"user_id": 8, "meeting_id": 222, "vote_delegations_from_ids": []int{1},
		}
		models["user/8"] = map[string]any{"username": "bob", "meeting_user_ids": []int{2}}
		models["motion/1"] = map[string]any{"title": "X", "meeting_id": 222, "state_id": 34}
		mem.Seed(models)
		return mem
	}

	_, err := run(t, seed(true), 7, "motion_supporter.create", []map[string]any{{"motion_id": 1}})
	require.Error(t, err)
	assert.True(t, action.IsPermissionDenied(err))
	assert.ErrorContains(t, err, "motion.can_manage_metadata")

	results, err := run(t, seed(false), 7, "motion_supporter.create", []map[string]any{{"motion_id": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0]["id"])

	mem := seed(false)
	_, err = run(t, mem, 7, "motion_supporter.create", []map[string]any{{"motion_id": 1}})
	require.NoError(t, err)
	motion := get(t, mem, "motion/1")
	assert.Equal(t, []any{1}, datastore.Normalize(motion["supporter_ids"]))
	supporter := get(t, mem, "motion_supporter/1")
	assert.Equal(t, 1, supporter["meeting_user_id"])
}

func TestSupporterCreateStateForbidsSupport(t *testing.T) {
	mem := datastore.NewMemory()
	models := meetingFixture([]string{"motion.can_support"}, nil)
	models["motion_state/34"]["allow_support"] = false
	models["motion/1"] = map[string]any{"title": "X", "meeting_id": 222, "state_id": 34}
	mem.Seed(models)

	_, err := run(t, mem, 7, "motion_supporter.create", []map[string]any{{"motion_id": 1}})
	require.Error(t, err)
	assert.True(t, action.IsException(err))
	assert.ErrorContains(t, err, "does not allow support")
}

func TestPointOfOrderSpeakerJumpsTheQueue(t *testing.T) {
	mem := datastore.NewMemory()
	models := meetingFixture([]string{"list_of_speakers.can_manage"}, nil)
	models["list_of_speakers/5"] = map[string]any{"meeting_id": 222, "speaker_ids": []int{1, 2, 3}}
	for i := 1; i <= 3; i++ {
		models[fqid.Fqid{Collection: "speaker", ID: i}.String()] = map[string]any{
			"list_of_speakers_id": 5, "meeting_id": 222, "weight": i,
		}
	}
	mem.Seed(models)

	results, err := run(t, mem, 7, "speaker.create", []map[string]any{
		{"list_of_speakers_id": 5, "point_of_order": true},
	})
	require.NoError(t, err)
	newID := results[0]["id"].(int)
	assert.Equal(t, 4, newID)

	weights := map[int]int{}
	for id := 1; id <= 4; id++ {
		model := get(t, mem, fqid.Fqid{Collection: "speaker", ID: id}.String())
		w, _ := datastore.FieldInt(model, "weight")
		weights[id] = w
	}
	assert.Equal(t, map[int]int{4: 1, 1: 2, 2: 3, 3: 4}, weights)
}

func TestSecondPointOfOrderSpeakerQueuesBehindFirst(t *testing.T) {
	mem := datastore.NewMemory()
	models := meetingFixture([]string{"list_of_speakers.can_manage"}, nil)
	models["list_of_speakers/5"] = map[string]any{"meeting_id": 222, "speaker_ids": []int{1, 2}}
	models["speaker/1"] = map[string]any{"list_of_speakers_id": 5, "meeting_id": 222, "weight": 1, "point_of_order": true}
	models["speaker/2"] = map[string]any{"list_of_speakers_id": 5, "meeting_id": 222, "weight": 2}
	mem.Seed(models)

	_, err := run(t, mem, 7, "speaker.create", []map[string]any{
		{"list_of_speakers_id": 5, "point_of_order": true},
	})
	require.NoError(t, err)

	order := map[int]int{}
	for id := 1; id <= 3; id++ {
		model := get(t, mem, fqid.Fqid{Collection: "speaker", ID: id}.String())
		w, _ := datastore.FieldInt(model, "weight")
		order[id] = w
	}
	assert.Equal(t, map[int]int{1: 1, 3: 2, 2: 3}, order)
}

func TestProjectionGenericRoundTrip(t *testing.T) {
	mem := datastore.NewMemory()
	models := meetingFixture([]string{"projector.can_manage"}, nil)
	models["motion/1"] = map[string]any{"title": "X", "meeting_id": 222, "state_id": 34}
	mem.Seed(models)

	results, err := run(t, mem, 7, "projection.create", []map[string]any{
		{"content_object_id": "motion/1", "meeting_id": 222},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0]["id"])

	motion := get(t, mem, "motion/1")
	assert.Equal(t, []any{1}, datastore.Normalize(motion["projection_ids"]))

	_, err = run(t, mem, 7, "projection.delete", []map[string]any{{"id": 1}})
	require.NoError(t, err)

	motion = get(t, mem, "motion/1")
	assert.Empty(t, datastore.Normalize(motion["projection_ids"]))
	_, err = mem.Get(context.Background(), fqid.MustParse("projection/1"))
	assert.True(t, datastore.IsNotFound(err))
}

func TestMeetingCreateSetsUpGroups(t *testing.T) {
	mem := datastore.NewMemory()
	mem.Seed(map[string]map[string]any{
		"user/7":      {"username": "ann", "committee_management_ids": []int{5}},
		"committee/5": {"name": "general"},
	})

	results, err := run(t, mem, 7, "meeting.create", []map[string]any{
		{"name": "spring", "committee_id": 5},
	})
	require.NoError(t, err)
	meetingID := results[0]["id"].(int)

	meeting := get(t, mem, fqid.Fqid{Collection: "meeting", ID: meetingID}.String())
	defaultID, _ := datastore.FieldInt(meeting, "default_group_id")
	adminID, _ := datastore.FieldInt(meeting, "admin_group_id")
	require.NotZero(t, defaultID)
	require.NotZero(t, adminID)
	assert.ElementsMatch(t, []any{defaultID, adminID}, datastore.Normalize(meeting["group_ids"]))

	committee := get(t, mem, "committee/5")
	assert.Equal(t, []any{meetingID}, datastore.Normalize(committee["meeting_ids"]))
}

func TestMeetingDeleteCascadesContents(t *testing.T) {
	mem := datastore.NewMemory()
	models := meetingFixture([]string{"motion.can_create"}, nil)
	models["user/7"]["committee_management_ids"] = []int{5}
	models["motion/1"] = map[string]any{"title": "X", "meeting_id": 222, "state_id": 34}
	models["meeting/222"]["motion_ids"] = []int{1}
	models["motion_state/34"]["motion_ids"] = []int{1}
	mem.Seed(models)

	_, err := run(t, mem, 7, "meeting.delete", []map[string]any{{"id": 222}})
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"meeting/222", "motion/1", "group/4", "motion_workflow/12", "motion_state/34", "meeting_user/1"} {
		_, err := mem.Get(ctx, fqid.MustParse(key))
		assert.True(t, datastore.IsNotFound(err), key)
	}
	committee := get(t, mem, "committee/5")
	assert.Empty(t, datastore.Normalize(committee["meeting_ids"]))
}

// recordingBackend keeps the last write request so tests can inspect the
// history entries that leave the overlay.
type recordingBackend struct {
	datastore.Datastore
	last datastore.WriteRequest
}

func (r *recordingBackend) Write(ctx context.Context, req datastore.WriteRequest) error {
	r.last = req
	return r.Datastore.Write(ctx, req)
}

func TestMeetingDeleteRunsContentDeleteHandlers(t *testing.T) {
	mem := datastore.NewMemory()
	models := meetingFixture([]string{"motion.can_create"}, nil)
	models["user/7"]["committee_management_ids"] = []int{5}
	models["motion/1"] = map[string]any{"title": "X", "meeting_id": 222, "state_id": 34}
	models["meeting/222"]["motion_ids"] = []int{1}
	models["motion_state/34"]["motion_ids"] = []int{1}
	mem.Seed(models)

	rec := &recordingBackend{Datastore: mem}
	r := newRegistry()
	o := datastore.NewOverlay(rec)
	actx := r.Context(7, o)
	ctx := context.Background()

	_, err := r.Execute(ctx, actx, "meeting.delete", []map[string]any{{"id": 222}})
	require.NoError(t, err)
	require.NoError(t, o.Flush(ctx, 7))

	// The motion was removed by its own registered handler, so its history
	// entry must be part of the write.
	assert.Contains(t, rec.last.Information["motion/1"], "Motion deleted")
	_, err = mem.Get(ctx, fqid.MustParse("motion/1"))
	assert.True(t, datastore.IsNotFound(err))
}
