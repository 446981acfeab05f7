package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONPlan(t *testing.T) {
	p := Parse("Here is the plan:\n```json\n{\"goal\": \"ship it\", \"steps\": [{\"id\": 1, \"description\": \"build\"}, {\"description\": \"test\"}, {\"id\": \"3\", \"description\": \"  \"}]}\n```")
	assert.Equal(t, "ship it", p.Goal)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, Step{ID: "1", Description: "build"}, p.Steps[0])
	assert.Equal(t, Step{ID: "2", Description: "test"}, p.Steps[1])
}

func TestParseRepairsJSON(t *testing.T) {
	p := Parse(`{"goal": "g", "steps": [{"id": "1", "description": "only step",}]`)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "only step", p.Steps[0].Description)
}

func TestParseNumberedLines(t *testing.T) {
	p := Parse("Goal: count files\n\n1. list the directory\n   reason: need names\n2) count entries\nnot a step")
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "1", p.Steps[0].ID)
	assert.Equal(t, "count entries", p.Steps[1].Description)
}

func TestParseWithoutStepsIsEmpty(t *testing.T) {
	assert.Empty(t, Parse(`{"name": "idle", "parameters": {}}`).Steps)
	assert.Len(t, Fallback("g").Steps, 6)
}

func TestMarkdownRoundTrip(t *testing.T) {
	p := Plan{Goal: "g", Steps: []Step{{ID: "1", Description: "a", Done: true}, {ID: "2", Description: "b"}}}
	md := p.Markdown()
	assert.Contains(t, md, "- [x] 1. a\n- [ ] 2. b\n")
	assert.Equal(t, p, ParseTodo(md))
	assert.Equal(t, 1, p.Remaining())
}

func TestSyncPreservesCompletedSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws", TodoFile)

	_, changed, err := Sync(path, FromSteps("g", []string{"fetch", "parse", "report"}))
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = Complete(path, []string{"1", "2."})
	require.NoError(t, err)
	assert.True(t, changed)

	_, _, err = Complete(path, []string{"9"})
	require.Error(t, err)

	merged, changed, err := Sync(path, FromSteps("", []string{"fetch", "parse again", "report", "archive"}))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "g", merged.Goal)
	assert.True(t, merged.Steps[0].Done)
	assert.True(t, merged.Steps[1].Done, "completion follows the step id")
	assert.False(t, merged.Steps[3].Done)

	info, err := os.Stat(path)
	require.NoError(t, err)
	_, changed, err = Sync(path, merged)
	require.NoError(t, err)
	assert.False(t, changed)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	p, err := Read(filepath.Join(t.TempDir(), TodoFile))
	require.NoError(t, err)
	assert.Empty(t, p.Steps)
}
