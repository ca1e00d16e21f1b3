// Package perm answers capability questions for authenticated users.
// Capabilities come in three scopes: organization management levels on the
// user itself, committee management via user.committee_management_ids, and
// per-meeting permissions granted through group membership.
package perm

import (
	"context"
	"fmt"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
)

// Permission is a named capability token.
type Permission string

// Per-meeting permissions.
const (
	AgendaItemCanManage        Permission = "agenda_item.can_manage"
	ListOfSpeakersCanManage    Permission = "list_of_speakers.can_manage"
	ListOfSpeakersCanBeSpeaker Permission = "list_of_speakers.can_be_speaker"
	MeetingCanManageSettings   Permission = "meeting.can_manage_settings"
	MotionCanCreate            Permission = "motion.can_create"
	MotionCanManage            Permission = "motion.can_manage"
	MotionCanManageMetadata    Permission = "motion.can_manage_metadata"
	MotionCanSupport           Permission = "motion.can_support"
	ProjectorCanManage         Permission = "projector.can_manage"
	TagCanManage               Permission = "tag.can_manage"
	UserCanManage              Permission = "user.can_manage"
)

// OrganizationManagementLevel is an organization-wide rank stored on the
// user model.
type OrganizationManagementLevel string

const (
	OMLSuperadmin            OrganizationManagementLevel = "superadmin"
	OMLCanManageOrganization OrganizationManagementLevel = "can_manage_organization"
	OMLCanManageUsers        OrganizationManagementLevel = "can_manage_users"
)

// rank orders management levels; higher includes lower.
func (l OrganizationManagementLevel) rank() int {
	switch l {
	case OMLSuperadmin:
		return 3
	case OMLCanManageOrganization:
		return 2
	case OMLCanManageUsers:
		return 1
	}
	return 0
}

// Includes reports whether the level grants at least the required level.
func (l OrganizationManagementLevel) Includes(required OrganizationManagementLevel) bool {
	return l.rank() >= required.rank()
}

// implications lists the permissions a broader permission covers. A manage
// permission always covers the narrower tokens of its collection.
var implications = map[Permission][]Permission{
	MotionCanManage:         {MotionCanCreate, MotionCanSupport, MotionCanManageMetadata},
	MotionCanManageMetadata: {},
	ListOfSpeakersCanManage: {ListOfSpeakersCanBeSpeaker},
}

// covers reports whether granted covers required, directly or transitively.
func covers(granted, required Permission) bool {
	if granted == required {
		return true
	}
	for _, implied := range implications[granted] {
		if covers(implied, required) {
			return true
		}
	}
	return false
}

// Checker evaluates permissions against the overlay, so pending changes in
// the same request are taken into account.
type Checker struct {
	o *datastore.Overlay
}

// NewChecker returns a checker reading through the given overlay.
func NewChecker(o *datastore.Overlay) *Checker {
	return &Checker{o: o}
}

// OrganizationLevel returns the management level of a user, or the empty
// level for users without one.
func (c *Checker) OrganizationLevel(ctx context.Context, userID int) (OrganizationManagementLevel, error) {
	user, err := c.o.Get(ctx, fqid.Fqid{Collection: "user", ID: userID}, "organization_management_level")
	if err != nil {
		if datastore.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load user/%d: %w", userID, err)
	}
	return OrganizationManagementLevel(datastore.FieldString(user, "organization_management_level")), nil
}

// IsCommitteeManager reports whether the user manages the given committee.
func (c *Checker) IsCommitteeManager(ctx context.Context, userID, committeeID int) (bool, error) {
	user, err := c.o.Get(ctx, fqid.Fqid{Collection: "user", ID: userID}, "committee_management_ids")
	if err != nil {
		if datastore.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, id := range datastore.FieldIntList(user, "committee_management_ids") {
		if id == committeeID {
			return true, nil
		}
	}
	return false, nil
}

// HasPerm reports whether the user holds the permission in the meeting.
// Superadmins and organization managers pass everything; committee managers
// of the meeting's committee pass everything inside it; members of the
// meeting's admin group likewise. Everyone else needs a group whose
// permission list covers the token.
func (c *Checker) HasPerm(ctx context.Context, userID, meetingID int, p Permission) (bool, error) {
	if userID <= 0 {
		return false, nil
	}
	level, err := c.OrganizationLevel(ctx, userID)
	if err != nil {
		return false, err
	}
	if level.Includes(OMLCanManageOrganization) {
		return true, nil
	}

	meeting, err := c.o.Get(ctx, fqid.Fqid{Collection: "meeting", ID: meetingID}, "committee_id", "admin_group_id")
	if err != nil {
		return false, fmt.Errorf("failed to load meeting/%d: %w", meetingID, err)
	}
	if committeeID, ok := datastore.FieldInt(meeting, "committee_id"); ok {
		manager, err := c.IsCommitteeManager(ctx, userID, committeeID)
		if err != nil {
			return false, err
		}
		if manager {
			return true, nil
		}
	}

	mu, err := c.MeetingUser(ctx, userID, meetingID)
	if err != nil {
		return false, err
	}
	if mu == nil {
		return false, nil
	}
	adminGroupID, hasAdmin := datastore.FieldInt(meeting, "admin_group_id")
	for _, groupID := range datastore.FieldIntList(mu, "group_ids") {
		if hasAdmin && groupID == adminGroupID {
			return true, nil
		}
		group, err := c.o.Get(ctx, fqid.Fqid{Collection: "group", ID: groupID}, "permissions")
		if err != nil {
			if datastore.IsNotFound(err) {
				continue
			}
			return false, err
		}
		for _, granted := range datastore.FieldStringList(group, "permissions") {
			if covers(Permission(granted), p) {
				return true, nil
			}
		}
	}
	return false, nil
}

// MeetingUser returns the meeting_user model linking the user to the
// meeting, or nil if there is none. The returned model carries an "id"
// field like any datastore read.
func (c *Checker) MeetingUser(ctx context.Context, userID, meetingID int) (map[string]any, error) {
	found, err := c.o.Filter(ctx, "meeting_user", dsfilter.And(
		dsfilter.Eq("user_id", userID),
		dsfilter.Eq("meeting_id", meetingID),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve meeting_user for user/%d in meeting/%d: %w", userID, meetingID, err)
	}
	for _, model := range found {
		return model, nil
	}
	return nil, nil
}
