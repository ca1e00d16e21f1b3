package relation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/fqid"
)

func TestUpdatesAddCancelsRemove(t *testing.T) {
	u := NewUpdates()
	id := fqid.MustParse("motion/1")
	u.Remove(id, "tag_ids", 3)
	u.Add(id, "tag_ids", 3)

	assert.Empty(t, u.Events())
}

func TestUpdatesRemoveCancelsAdd(t *testing.T) {
	u := NewUpdates()
	id := fqid.MustParse("motion/1")
	u.Add(id, "tag_ids", 3)
	u.Add(id, "tag_ids", 4)
	u.Remove(id, "tag_ids", 3)

	events := u.Events()
	require.Len(t, events, 1)
	assert.Equal(t, datastore.EventListUpdate, events[0].Type)
	assert.Equal(t, []any{4}, events[0].ListFields.Add["tag_ids"])
	assert.Empty(t, events[0].ListFields.Remove)
}

func TestUpdatesSetOverridesDeltas(t *testing.T) {
	u := NewUpdates()
	id := fqid.MustParse("motion/1")
	u.Add(id, "tag_ids", 3)
	u.Remove(id, "tag_ids", 4)
	u.Set(id, "tag_ids", []any{7})

	events := u.Events()
	require.Len(t, events, 1)
	assert.Equal(t, datastore.EventUpdate, events[0].Type)
	assert.Equal(t, []any{7}, events[0].Fields["tag_ids"])
}

func TestUpdatesDeltasFoldIntoValue(t *testing.T) {
	u := NewUpdates()
	id := fqid.MustParse("motion/1")
	u.Set(id, "tag_ids", []any{1, 2})
	u.Add(id, "tag_ids", 3)
	u.Remove(id, "tag_ids", 1)

	events := u.Events()
	require.Len(t, events, 1)
	assert.Equal(t, []any{2, 3}, events[0].Fields["tag_ids"])
}

func TestUpdatesSeparatesModels(t *testing.T) {
	u := NewUpdates()
	u.Add(fqid.MustParse("motion/1"), "tag_ids", 3)
	u.Set(fqid.MustParse("motion/2"), "state_id", 5)

	events := u.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "motion/1", events[0].Fqid.String())
	assert.Equal(t, "motion/2", events[1].Fqid.String())
}

func TestUpdatesClearScalar(t *testing.T) {
	u := NewUpdates()
	id := fqid.MustParse("motion/1")
	u.Set(id, "agenda_item_id", nil)

	events := u.Events()
	require.Len(t, events, 1)
	val, ok := events[0].Fields["agenda_item_id"]
	assert.True(t, ok)
	assert.Nil(t, val)
}
