// Package registry implements the searchable command palette: every
// lifecycle action and UI action is a Command, rankable by a
// fuzzy-ish substring score so a command palette can offer "best match
// first" ordering.
package registry

import (
	"sort"
	"strings"

	"github.com/orkesy/orkesy/pkg/model"
)

// LifecycleAction names one of the five standard unit operations.
type LifecycleAction string

const (
	ActionStart   LifecycleAction = "start"
	ActionStop    LifecycleAction = "stop"
	ActionRestart LifecycleAction = "restart"
	ActionToggle  LifecycleAction = "toggle"
	ActionKill    LifecycleAction = "kill"
)

var allLifecycleActions = []LifecycleAction{ActionStart, ActionStop, ActionRestart, ActionToggle, ActionKill}

func defaultKeyFor(a LifecycleAction) string {
	switch a {
	case ActionStart:
		return "t"
	case ActionStop:
		return "s"
	case ActionRestart:
		return "r"
	case ActionToggle:
		return "enter"
	case ActionKill:
		return "x"
	default:
		return ""
	}
}

// Scope limits where a command applies: Global commands show up
// regardless of which unit is focused, Unit commands only for that unit.
type Scope struct {
	Global bool
	UnitID model.UnitID
}

// Source records where a command came from, for display grouping.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceConfig  Source = "config"
)

// Kind discriminates what a command actually does when invoked, so a
// command palette can route it (engine command, ad-hoc exec, project
// collaborator run, or a pure UI toggle with no engine involvement at all).
type Kind string

const (
	KindLifecycleAction Kind = "lifecycle_action"
	KindExecAction      Kind = "exec_action"
	KindProjectRun      Kind = "project_run"
	KindUIAction        Kind = "ui_action"
)

// Confirm describes a confirmation prompt a destructive command should show.
type Confirm struct {
	Message     string
	Destructive bool
}

// Command is one entry in the registry: a title, optional tags for
// search, a scope, and the lifecycle/exec action it triggers.
type Command struct {
	ID          string
	Title       string
	Description string
	Tags        []string
	Scope       Scope
	Kind        Kind
	Confirm     *Confirm
	DefaultKey  string
	Source      Source

	UnitID LifecycleUnitRef
	Action LifecycleAction

	// UIAction identifies which built-in UI toggle this command drives,
	// set only when Kind == KindUIAction.
	UIAction UIAction
}

// UIAction names one of the fixed, unit-independent UI toggles the
// registry always offers, regardless of which units a manifest declares.
type UIAction string

const (
	UIActionToggleLogsPane    UIAction = "toggle_logs_pane"
	UIActionToggleMetricsPane UIAction = "toggle_metrics_pane"
	UIActionClearSearch       UIAction = "clear_search"
)

var allUIActions = []struct {
	action UIAction
	title  string
	key    string
}{
	{UIActionToggleLogsPane, "Toggle logs pane", "l"},
	{UIActionToggleMetricsPane, "Toggle metrics pane", "m"},
	{UIActionClearSearch, "Clear search", "escape"},
}

// NewUIActionCommand builds the registry entry for a fixed UI action.
func NewUIActionCommand(action UIAction, title, key string) Command {
	return Command{
		ID:         "builtin.ui." + string(action),
		Title:      title,
		Tags:       []string{"ui"},
		Scope:      Scope{Global: true},
		Kind:       KindUIAction,
		DefaultKey: key,
		Source:     SourceBuiltin,
		UIAction:   action,
	}
}

// LifecycleUnitRef is the unit a lifecycle command targets; empty for
// non-lifecycle commands.
type LifecycleUnitRef = model.UnitID

// NewLifecycleCommand builds the standard command for action on unit.
func NewLifecycleCommand(unit model.UnitID, action LifecycleAction) Command {
	c := Command{
		ID:         "builtin.lifecycle." + string(action) + "." + string(unit),
		Title:      capitalize(string(action)) + " " + string(unit),
		Tags:       []string{"lifecycle"},
		Scope:      Scope{UnitID: unit},
		Kind:       KindLifecycleAction,
		DefaultKey: defaultKeyFor(action),
		Source:     SourceBuiltin,
		UnitID:     unit,
		Action:     action,
	}
	if action == ActionKill {
		c.Confirm = &Confirm{Message: "Kill " + string(unit) + " and all child processes?", Destructive: true}
	}
	return c
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// matches reports whether every whitespace-separated part of query
// appears in the command's title, tags, description, or id.
func (c Command) matches(query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	parts := strings.Fields(query)
	titleLower := strings.ToLower(c.Title)
	descLower := strings.ToLower(c.Description)
	idLower := strings.ToLower(c.ID)

	for _, part := range parts {
		found := strings.Contains(titleLower, part) || strings.Contains(descLower, part) || strings.Contains(idLower, part)
		if !found {
			for _, tag := range c.Tags {
				if strings.Contains(strings.ToLower(tag), part) {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchScore ranks a command against a query: exact title match beats
// prefix match beats substring match; a tag hit and a short title both
// add a small bonus so terse, well-named commands sort ahead of noisy ones.
func (c Command) matchScore(query string) int {
	query = strings.ToLower(strings.TrimSpace(query))
	titleLower := strings.ToLower(c.Title)

	score := 0
	switch {
	case titleLower == query:
		score += 100
	case strings.HasPrefix(titleLower, query):
		score += 50
	case strings.Contains(titleLower, query):
		score += 25
	}

	for _, tag := range c.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			score += 10
			break
		}
	}

	titleLen := len(titleLower)
	if titleLen > 100 {
		titleLen = 100
	}
	score += (100 - titleLen) / 10

	return score
}

// Registry holds every known command, deduplicated by id.
type Registry struct {
	commands []Command
	byID     map[string]int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]int)}
}

// Add inserts cmd, replacing any existing command with the same id.
func (r *Registry) Add(cmd Command) {
	if idx, ok := r.byID[cmd.ID]; ok {
		r.commands[idx] = cmd
		return
	}
	r.byID[cmd.ID] = len(r.commands)
	r.commands = append(r.commands, cmd)
}

// AddUnitLifecycle registers all five lifecycle commands for unit.
func (r *Registry) AddUnitLifecycle(unit model.UnitID) {
	for _, action := range allLifecycleActions {
		r.Add(NewLifecycleCommand(unit, action))
	}
}

// AddUIActions registers the fixed set of unit-independent UI toggles.
// Unlike lifecycle commands these exist once per registry, not once
// per unit.
func (r *Registry) AddUIActions() {
	for _, a := range allUIActions {
		r.Add(NewUIActionCommand(a.action, a.title, a.key))
	}
}

// Get returns the command with the given id, if present.
func (r *Registry) Get(id string) (Command, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return Command{}, false
	}
	return r.commands[idx], true
}

// List returns every command whose scope matches unitFilter: global
// commands always match; a unit-scoped command matches only that unit.
// An empty unitFilter returns every command.
func (r *Registry) List(unitFilter model.UnitID) []Command {
	if unitFilter == "" {
		return append([]Command(nil), r.commands...)
	}
	var out []Command
	for _, c := range r.commands {
		if c.Scope.Global || c.Scope.UnitID == unitFilter {
			out = append(out, c)
		}
	}
	return out
}

// Search returns commands matching query within unitFilter's scope,
// ranked by matchScore descending (ties keep list order, which is
// insertion order — a stable sort).
func (r *Registry) Search(query string, unitFilter model.UnitID) []Command {
	candidates := r.List(unitFilter)
	if strings.TrimSpace(query) == "" {
		return candidates
	}

	var matched []Command
	for _, c := range candidates {
		if c.matches(query) {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].matchScore(query) > matched[j].matchScore(query)
	})
	return matched
}

// LifecycleCommands returns the five standard commands for unit, in a
// stable, predictable order (matching allLifecycleActions).
func (r *Registry) LifecycleCommands(unit model.UnitID) []Command {
	var out []Command
	for _, action := range allLifecycleActions {
		if c, ok := r.Get("builtin.lifecycle." + string(action) + "." + string(unit)); ok {
			out = append(out, c)
		}
	}
	return out
}
