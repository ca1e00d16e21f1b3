package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/actions"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
	"github.com/openassembly/backend/pkg/schema"
)

func seedMeeting(mem *datastore.Memory) {
	mem.Seed(map[string]map[string]any{
		"committee/5": {"name": "general", "meeting_ids": []int{222}},
		"meeting/222": {
			"name": "assembly", "committee_id": 5,
			"motions_default_workflow_id": 12,
			"group_ids":                   []int{4},
			"meeting_user_ids":            []int{1},
			"motion_workflow_ids":         []int{12},
			"motion_state_ids":            []int{34},
		},
		"group/4": {
			"name": "delegates", "meeting_id": 222,
			"permissions":      []string{"motion.can_create"},
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
		},
	})
}

func newCoordinator(backend datastore.Datastore) *Coordinator {
	r := action.NewRegistry(schema.Default())
	actions.Register(r)
	return New(r, backend)
}

func TestParseEnvelope(t *testing.T) {
	requests, err := Parse([]byte(`[{"action":"motion.create","data":[{"title":"X","meeting_id":222}]}]`))
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "motion.create", requests[0].Action)
	assert.Equal(t, "X", requests[0].Data[0]["title"])

	_, err = Parse([]byte(`[{"data":[]}]`))
	assert.Error(t, err)
	_, err = Parse([]byte(`{`))
	assert.Error(t, err)
}

func TestDispatchRunsActionsInOrder(t *testing.T) {
	mem := datastore.NewMemory()
	seedMeeting(mem)
	c := newCoordinator(mem)

	results, err := c.Dispatch(context.Background(), 7, []ActionRequest{
		{Action: "motion.create", Data: []map[string]any{
			{"title": "first", "meeting_id": float64(222)},
			{"title": "second", "meeting_id": float64(222)},
		}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0], 2)
	assert.Equal(t, 1, results[0][0]["id"])
	assert.Equal(t, 2, results[0][1]["id"])
	assert.Equal(t, 2, results[0][1]["sequential_number"])
}

func TestDispatchDomainErrorWritesNothing(t *testing.T) {
	mem := datastore.NewMemory()
	seedMeeting(mem)
	c := newCoordinator(mem)

	_, err := c.Dispatch(context.Background(), 7, []ActionRequest{
		{Action: "motion.create", Data: []map[string]any{{"title": "ok", "meeting_id": float64(222)}}},
		{Action: "motion.create", Data: []map[string]any{{"title": "bad", "meeting_id": float64(222), "workflow_id": float64(99)}}},
	})
	require.Error(t, err)
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Index)

	_, err = mem.Get(context.Background(), fqid.MustParse("motion/1"))
	assert.True(t, datastore.IsNotFound(err))
}

// conflictOnce lets a rival request slip in right before the first write,
// so the write hits a lock conflict exactly once.
type conflictOnce struct {
	datastore.Datastore
	rival    func()
	injected bool
}

func (c *conflictOnce) Write(ctx context.Context, req datastore.WriteRequest) error {
	if !c.injected {
		c.injected = true
		c.rival()
	}
	return c.Datastore.Write(ctx, req)
}

func TestDispatchRetriesAfterLockConflict(t *testing.T) {
	mem := datastore.NewMemory()
	seedMeeting(mem)

	var rivalResult action.Result
	wrapped := &conflictOnce{Datastore: mem}
	wrapped.rival = func() {
		rivalC := newCoordinator(mem)
		results, err := rivalC.Dispatch(context.Background(), 7, []ActionRequest{
			{Action: "motion.create", Data: []map[string]any{{"title": "rival", "meeting_id": float64(222)}}},
		})
		require.NoError(t, err)
		rivalResult = results[0][0]
	}

	c := newCoordinator(wrapped)
	results, err := c.Dispatch(context.Background(), 7, []ActionRequest{
		{Action: "motion.create", Data: []map[string]any{{"title": "mine", "meeting_id": float64(222)}}},
	})
	require.NoError(t, err)

	// The rival got sequential number 1; the retried request observes it
	// and takes a strictly larger one.
	assert.Equal(t, 1, rivalResult["sequential_number"])
	assert.Equal(t, 2, results[0][0]["sequential_number"])

	rivalMotion, err := mem.Get(context.Background(), fqid.New("motion", rivalResult["id"].(int)))
	require.NoError(t, err)
	assert.Equal(t, "rival", rivalMotion["title"])
	mine, err := mem.Get(context.Background(), fqid.New("motion", results[0][0]["id"].(int)))
	require.NoError(t, err)
	assert.Equal(t, "mine", mine["title"])
}

func TestDispatchGivesUpAfterRetryBudget(t *testing.T) {
	mem := datastore.NewMemory()
	seedMeeting(mem)

	calls := 0
	wrapped := &alwaysConflict{Datastore: mem, calls: &calls}
	c := newCoordinator(wrapped)

	_, err := c.Dispatch(context.Background(), 7, []ActionRequest{
		{Action: "motion.create", Data: []map[string]any{{"title": "X", "meeting_id": float64(222)}}},
	})
	require.Error(t, err)
	assert.True(t, datastore.IsLocked(err))
	assert.Equal(t, 3, calls)
}

type alwaysConflict struct {
	datastore.Datastore
	calls *int
}

func (a *alwaysConflict) Write(context.Context, datastore.WriteRequest) error {
	*a.calls++
	return datastore.LockedError{Keys: []string{"motion/sequential_number"}}
}
