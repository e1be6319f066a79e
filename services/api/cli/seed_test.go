package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRoster(t *testing.T) {
	profiles, err := readRoster(strings.NewReader(`
candidates:
  - user_id: alice
    name: Alice
    skill_tags: [go, sql]
    hours_available: 20
  - user_id: bob
    availability: false
`))
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "alice", profiles[0].UserID)
	assert.Equal(t, []string{"go", "sql"}, profiles[0].SkillTags)
	assert.Equal(t, 20.0, profiles[0].HoursAvailable)
	assert.Nil(t, profiles[0].Availability)
	require.NotNil(t, profiles[1].Availability)
	assert.False(t, *profiles[1].Availability)
}

func TestReadRoster_Rejects(t *testing.T) {
	_, err := readRoster(strings.NewReader(""))
	assert.Error(t, err, "empty file")

	_, err = readRoster(strings.NewReader("candidates:\n  - user_id: alice\n    skils: [go]\n"))
	assert.Error(t, err, "unknown field")
}
