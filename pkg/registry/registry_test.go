package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddUnitLifecycleRegistersFiveCommands(t *testing.T) {
	r := New()
	r.AddUnitLifecycle("api")
	cmds := r.LifecycleCommands("api")
	require.Len(t, cmds, 5)
	assert.Equal(t, "Start api", cmds[0].Title)
}

func TestKillCommandHasDestructiveConfirm(t *testing.T) {
	r := New()
	r.AddUnitLifecycle("api")
	kill, ok := r.Get("builtin.lifecycle.kill.api")
	require.True(t, ok)
	require.NotNil(t, kill.Confirm)
	assert.True(t, kill.Confirm.Destructive)
}

func TestSearchRanksExactMatchAboveSubstring(t *testing.T) {
	r := New()
	r.Add(Command{ID: "a", Title: "Start", Scope: Scope{Global: true}})
	r.Add(Command{ID: "b", Title: "Restart all", Scope: Scope{Global: true}})

	results := r.Search("start", "")
	require.Len(t, results, 2)
	assert.Equal(t, "Start", results[0].Title)
}

func TestSearchFiltersByUnitScope(t *testing.T) {
	r := New()
	r.AddUnitLifecycle("api")
	r.AddUnitLifecycle("db")

	// "start" is a substring of "Restart api" too; db's commands are out of scope.
	results := r.Search("start", "api")
	require.Len(t, results, 2)
	assert.Equal(t, "Start api", results[0].Title)
	assert.Equal(t, "Restart api", results[1].Title)
}

func TestEmptyQueryReturnsFullScopedList(t *testing.T) {
	r := New()
	r.AddUnitLifecycle("api")
	results := r.Search("", "api")
	assert.Len(t, results, 5)
}

func TestMatchScorePrefixBeatsSubstring(t *testing.T) {
	prefix := Command{Title: "Stop all"}
	substr := Command{Title: "Force Stop"}
	assert.Greater(t, prefix.matchScore("stop"), substr.matchScore("stop"))
}

func TestLifecycleCommandsHaveLifecycleKind(t *testing.T) {
	r := New()
	r.AddUnitLifecycle("api")
	for _, c := range r.LifecycleCommands("api") {
		assert.Equal(t, KindLifecycleAction, c.Kind)
	}
}

func TestAddUIActionsRegistersFixedGlobalCommands(t *testing.T) {
	r := New()
	r.AddUIActions()

	toggle, ok := r.Get("builtin.ui." + string(UIActionToggleLogsPane))
	require.True(t, ok)
	assert.Equal(t, KindUIAction, toggle.Kind)
	assert.True(t, toggle.Scope.Global)
	assert.Equal(t, UIActionToggleLogsPane, toggle.UIAction)

	// UI actions are global, so they appear regardless of which unit is focused.
	results := r.Search("logs", "some-unit")
	require.Len(t, results, 1)
	assert.Equal(t, "Toggle logs pane", results[0].Title)
}
