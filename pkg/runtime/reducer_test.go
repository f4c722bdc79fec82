package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkesy/orkesy/pkg/model"
)

func newStateWithUnit(id model.UnitID) *RuntimeState {
	s := NewRuntimeState()
	s.Graph.Nodes[id] = &model.Node{Unit: model.Unit{ID: id}}
	return s
}

func TestReduceStatusChanged(t *testing.T) {
	s := newStateWithUnit("api")
	Reduce(s, &EventEnvelope{ID: 1, At: time.Now(), Event: Event{
		Kind: EventStatusChanged, UnitID: "api", Status: model.StatusRunning,
	}})

	assert.Equal(t, model.StatusRunning, s.Graph.Nodes["api"].Observed.Status)
	assert.EqualValues(t, 1, s.LastEventID)
}

func TestReduceUnknownUnitIsSkipped(t *testing.T) {
	s := NewRuntimeState()
	require.NotPanics(t, func() {
		Reduce(s, &EventEnvelope{ID: 1, At: time.Now(), Event: Event{
			Kind: EventStatusChanged, UnitID: "ghost", Status: model.StatusRunning,
		}})
	})
	assert.EqualValues(t, 1, s.LastEventID)
}

func TestReduceLogLineFillsPerUnitAndMerged(t *testing.T) {
	s := newStateWithUnit("api")
	Reduce(s, &EventEnvelope{ID: 1, At: time.Now(), Event: Event{
		Kind: EventLogLine, UnitID: "api", Stream: StreamStdout, Text: "hello",
	}})

	require.Len(t, s.Logs.ForUnit("api"), 1)
	require.Len(t, s.Logs.Merged(), 1)
	assert.Equal(t, "hello", s.Logs.ForUnit("api")[0].Text)
}

func TestReduceClearLogsLeavesMergedIntact(t *testing.T) {
	s := newStateWithUnit("api")
	Reduce(s, &EventEnvelope{ID: 1, At: time.Now(), Event: Event{
		Kind: EventLogLine, UnitID: "api", Stream: StreamStdout, Text: "hello",
	}})
	Reduce(s, &EventEnvelope{ID: 2, At: time.Now(), Event: Event{
		Kind: EventClearLogs, UnitID: "api",
	}})

	assert.Empty(t, s.Logs.ForUnit("api"))
	assert.Len(t, s.Logs.Merged(), 1)
}

func TestReduceHealthChanged(t *testing.T) {
	s := newStateWithUnit("api")
	Reduce(s, &EventEnvelope{ID: 1, At: time.Now(), Event: Event{
		Kind: EventHealthChanged, UnitID: "api", Health: model.HealthDegraded, Message: "slow response",
	}})

	assert.Equal(t, model.HealthDegraded, s.Graph.Nodes["api"].Observed.Health)
	assert.Equal(t, "slow response", s.Graph.Nodes["api"].Observed.HealthReason)
}

func TestReduceRunOutputSurvivesFinish(t *testing.T) {
	s := newStateWithUnit("api")
	Reduce(s, &EventEnvelope{ID: 1, At: time.Now(), Event: Event{
		Kind: EventRunStarted, UnitID: "api",
		Run: &CommandRun{ID: "run-1", UnitID: "api", Status: RunRunning},
	}})
	Reduce(s, &EventEnvelope{ID: 2, At: time.Now(), Event: Event{
		Kind: EventRunOutput, UnitID: "api", RunID: "run-1", Text: "line one",
	}})
	Reduce(s, &EventEnvelope{ID: 3, At: time.Now(), Event: Event{
		Kind: EventRunOutput, UnitID: "api", RunID: "run-1", Text: "line two",
	}})
	Reduce(s, &EventEnvelope{ID: 4, At: time.Now(), Event: Event{
		Kind: EventRunFinished, UnitID: "api",
		Run: &CommandRun{ID: "run-1", UnitID: "api", Status: RunExited},
	}})

	run, ok := s.Runs.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, RunExited, run.Status)
	assert.Equal(t, []string{"line one", "line two"}, run.Output)
}

func TestReduceRunKilledMarksStatus(t *testing.T) {
	s := newStateWithUnit("api")
	Reduce(s, &EventEnvelope{ID: 1, At: time.Now(), Event: Event{
		Kind: EventRunStarted, UnitID: "api",
		Run: &CommandRun{ID: "run-1", UnitID: "api", Status: RunRunning},
	}})
	Reduce(s, &EventEnvelope{ID: 2, At: time.Now(), Event: Event{
		Kind: EventRunKilled, UnitID: "api", RunID: "run-1",
	}})

	run, ok := s.Runs.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, RunKilled, run.Status)
}

func TestIDGeneratorMonotonic(t *testing.T) {
	var g IDGenerator
	a := g.Next()
	b := g.Next()
	assert.Less(t, a, b)
}
