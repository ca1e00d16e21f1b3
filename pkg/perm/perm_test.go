package perm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/backend/pkg/datastore"
)

func checker(t *testing.T, models map[string]map[string]any) *Checker {
	t.Helper()
	mem := datastore.NewMemory()
	mem.Seed(models)
	return NewChecker(datastore.NewOverlay(mem))
}

func TestHasPermViaGroupMembership(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting/1":      {"name": "general", "committee_id": 5},
		"committee/5":    {"name": "finance"},
		"user/2":         {"username": "ann"},
		"meeting_user/3": {"user_id": 2, "meeting_id": 1, "group_ids": []int{4}},
		"group/4":        {"name": "delegates", "meeting_id": 1, "permissions": []string{"motion.can_create"}},
	})
	ctx := context.Background()

	ok, err := c.HasPerm(ctx, 2, 1, MotionCanCreate)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasPerm(ctx, 2, 1, MotionCanManage)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasPermManagePermissionCoversNarrower(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting/1":      {"name": "general"},
		"user/2":         {"username": "ann"},
		"meeting_user/3": {"user_id": 2, "meeting_id": 1, "group_ids": []int{4}},
		"group/4":        {"name": "staff", "meeting_id": 1, "permissions": []string{"motion.can_manage"}},
	})
	ctx := context.Background()

	for _, p := range []Permission{MotionCanManage, MotionCanCreate, MotionCanSupport, MotionCanManageMetadata} {
		ok, err := c.HasPerm(ctx, 2, 1, p)
		require.NoError(t, err)
		assert.True(t, ok, string(p))
	}
}

func TestHasPermAdminGroup(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting/1":      {"name": "general", "admin_group_id": 9},
		"user/2":         {"username": "ann"},
		"meeting_user/3": {"user_id": 2, "meeting_id": 1, "group_ids": []int{9}},
		"group/9":        {"name": "admins", "meeting_id": 1},
	})

	ok, err := c.HasPerm(context.Background(), 2, 1, ProjectorCanManage)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasPermSuperadminBypasses(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting/1": {"name": "general"},
		"user/2":    {"username": "root", "organization_management_level": "superadmin"},
	})

	ok, err := c.HasPerm(context.Background(), 2, 1, MotionCanManage)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasPermCommitteeManager(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting/1":   {"name": "general", "committee_id": 5},
		"committee/5": {"name": "finance"},
		"user/2":      {"username": "ann", "committee_management_ids": []int{5}},
	})

	ok, err := c.HasPerm(context.Background(), 2, 1, MotionCanManage)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasPermAnonymous(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting/1": {"name": "general"},
	})

	ok, err := c.HasPerm(context.Background(), 0, 1, MotionCanCreate)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasPermNoMeetingUser(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting/1": {"name": "general"},
		"user/2":    {"username": "ann"},
	})

	ok, err := c.HasPerm(context.Background(), 2, 1, MotionCanCreate)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrganizationLevelOrdering(t *testing.T) {
	assert.True(t, OMLSuperadmin.Includes(OMLCanManageUsers))
	assert.True(t, OMLCanManageOrganization.Includes(OMLCanManageUsers))
	assert.False(t, OMLCanManageUsers.Includes(OMLCanManageOrganization))
	assert.False(t, OrganizationManagementLevel("").Includes(OMLCanManageUsers))
}

func TestMeetingUserLookup(t *testing.T) {
	c := checker(t, map[string]map[string]any{
		"meeting_user/3": {"user_id": 2, "meeting_id": 1},
		"meeting_user/4": {"user_id": 2, "meeting_id": 2},
	})

	mu, err := c.MeetingUser(context.Background(), 2, 2)
	require.NoError(t, err)
	require.NotNil(t, mu)
	id, _ := datastore.FieldInt(mu, "id")
	assert.Equal(t, 4, id)
}
