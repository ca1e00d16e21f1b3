package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLoads(t *testing.T) {
	r := Default()
	require.NotNil(t, r)

	motion, ok := r.Collection("motion")
	require.True(t, ok)

	title, ok := motion.Field("title")
	require.True(t, ok)
	assert.Equal(t, KindString, title.Kind)
	assert.True(t, title.Required)

	meetingID, ok := motion.Field("meeting_id")
	require.True(t, ok)
	require.NotNil(t, meetingID.Relation)
	assert.Equal(t, "meeting", meetingID.Relation.To)
	assert.Equal(t, "motion_ids", meetingID.Relation.Back)

	// Every collection gets an implicit id.
	id, ok := motion.Field("id")
	require.True(t, ok)
	assert.Equal(t, KindInteger, id.Kind)

	group, ok := r.Collection("group")
	require.True(t, ok)
	permissions, ok := group.Field("permissions")
	require.True(t, ok)
	assert.Equal(t, KindStringList, permissions.Kind)
}

func TestLoadDecodesBothToShapes(t *testing.T) {
	r, err := Load([]byte(`
meeting:
  name: {type: string}
  tag_ids: {type: relation-list, to: tag/meeting_id, on_delete: CASCADE}
motion:
  tag_ids: {type: relation-list, to: tag/tagged_ids}
tag:
  name: {type: string}
  meeting_id: {type: relation, to: meeting/tag_ids}
  tagged_ids:
    type: generic-relation-list
    to: {collections: [motion], field: tag_ids}
`))
	require.NoError(t, err)

	tag, ok := r.Collection("tag")
	require.True(t, ok)

	meetingID, ok := tag.Field("meeting_id")
	require.True(t, ok)
	require.NotNil(t, meetingID.Relation)
	assert.Equal(t, "meeting", meetingID.Relation.To)
	assert.Equal(t, "tag_ids", meetingID.Relation.Back)

	tagged, ok := tag.Field("tagged_ids")
	require.True(t, ok)
	require.NotNil(t, tagged.Generic)
	assert.Equal(t, []string{"motion"}, tagged.Generic.To)
	assert.Equal(t, "tag_ids", tagged.Generic.Back)
}

func TestOnDeletePolicies(t *testing.T) {
	r := Default()

	committee, ok := r.Collection("committee")
	require.True(t, ok)
	meetings, ok := committee.Field("meeting_ids")
	require.True(t, ok)
	assert.Equal(t, OnDeleteProtect, meetings.Relation.OnDelete)

	meeting, ok := r.Collection("meeting")
	require.True(t, ok)
	motions, ok := meeting.Field("motion_ids")
	require.True(t, ok)
	assert.Equal(t, OnDeleteCascade, motions.Relation.OnDelete)

	groups, ok := meeting.Field("group_ids")
	require.True(t, ok)
	assert.Equal(t, OnDeleteCascade, groups.Relation.OnDelete)
}

func TestGenericRelation(t *testing.T) {
	r := Default()

	projection, ok := r.Collection("projection")
	require.True(t, ok)
	co, ok := projection.Field("content_object_id")
	require.True(t, ok)
	require.NotNil(t, co.Generic)
	assert.True(t, co.Generic.Allows("motion"))
	assert.True(t, co.Generic.Allows("agenda_item"))
	assert.False(t, co.Generic.Allows("committee"))
	assert.Equal(t, "projection_ids", co.Generic.Back)
}

func TestTemplateFields(t *testing.T) {
	r := Default()

	user, ok := r.Collection("user")
	require.True(t, ok)
	tmpl, ok := user.Field("group_$_ids")
	require.True(t, ok)
	require.Equal(t, KindTemplate, tmpl.Kind)
	assert.Equal(t, "meeting", tmpl.Template.ReplacementCollection)
	assert.Equal(t, "group_7_ids", tmpl.StructuredName("7"))

	// Structured lookup resolves through the template.
	f, replacement, ok := r.Field("user", "group_7_ids")
	require.True(t, ok)
	assert.Equal(t, "7", replacement)
	assert.Equal(t, KindRelationList, f.Kind)
	assert.Equal(t, "group_7_ids", f.Name)
	require.NotNil(t, f.Relation)
	assert.Equal(t, "group", f.Relation.To)

	tf, rep, ok := user.TemplateFor("vote_weight_4")
	require.True(t, ok)
	assert.Equal(t, "vote_weight_$", tf.Name)
	assert.Equal(t, "4", rep)

	_, _, ok = user.TemplateFor("username")
	assert.False(t, ok)
}

func TestIncomingRelations(t *testing.T) {
	r := Default()

	incoming := r.Incoming("motion")
	require.NotEmpty(t, incoming)
	assert.Contains(t, incoming, Incoming{Collection: "motion_submitter", Field: "motion_id"})
	assert.Contains(t, incoming, Incoming{Collection: "agenda_item", Field: "content_object_id"})
	assert.Contains(t, incoming, Incoming{Collection: "motion_state", Field: "motion_ids"})
}

func TestLoadRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
	}{
		{
			name: "unknown target collection",
			catalog: `
motion:
  meeting_id: {type: relation, to: meeting/motion_ids}
`,
		},
		{
			name: "missing back reference",
			catalog: `
meeting:
  name: {type: string}
motion:
  meeting_id: {type: relation, to: meeting/motion_ids}
`,
		},
		{
			name: "unknown type",
			catalog: `
motion:
  title: {type: varchar}
`,
		},
		{
			name: "template without placeholder",
			catalog: `
user:
  vote_weight:
    type: template
    fields: {type: decimal}
`,
		},
		{
			name: "dollar in plain field",
			catalog: `
user:
  vote_$_weight: {type: decimal}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.catalog))
			require.Error(t, err)
		})
	}
}

func TestValidateValue(t *testing.T) {
	decimal := &Field{Name: "vote_weight", Kind: KindDecimal}
	assert.NoError(t, decimal.ValidateValue("1.000000"))
	assert.NoError(t, decimal.ValidateValue("-2.500000"))
	assert.Error(t, decimal.ValidateValue("1.0"))
	assert.Error(t, decimal.ValidateValue(1.5))

	color := &Field{Name: "color", Kind: KindColor}
	assert.NoError(t, color.ValidateValue("#33ccff"))
	assert.Error(t, color.ValidateValue("33ccff"))
	assert.Error(t, color.ValidateValue("#33ccf"))

	str := &Field{Name: "name", Kind: KindString, MaxLength: 5}
	assert.NoError(t, str.ValidateValue("abcde"))
	assert.Error(t, str.ValidateValue("abcdef"))

	required := &Field{Name: "title", Kind: KindString, Required: true}
	assert.Error(t, required.ValidateValue(nil))

	html := &Field{Name: "text", Kind: KindHTMLStrict}
	assert.NoError(t, html.ValidateValue("<p>hello <b>world</b></p>"))
	assert.Error(t, html.ValidateValue("<script>alert(1)</script>"))
	assert.Error(t, html.ValidateValue(`<img src="x">`))

	permissive := &Field{Name: "text", Kind: KindHTMLPermissive}
	assert.NoError(t, permissive.ValidateValue(`<img src="x">`))
	assert.Error(t, permissive.ValidateValue("<script>x</script>"))
}

func TestSortedReplacements(t *testing.T) {
	assert.Equal(t, []string{"2", "7", "11"}, SortedReplacements([]string{"11", "7", "2"}))
}
