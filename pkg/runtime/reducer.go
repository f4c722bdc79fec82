package runtime

import (
	"github.com/orkesy/orkesy/pkg/logfilter"
	"github.com/orkesy/orkesy/pkg/model"
)

// Reduce is the single mutation point for RuntimeState. It is pure with
// respect to anything outside state and env: given the same state and
// envelope it always produces the same resulting state, and it never
// blocks or performs I/O. Status, health and log events for unknown unit
// ids are skipped rather than treated as errors, since a stale event
// about an already-removed unit is expected under normal operation, not
// a bug.
func Reduce(state *RuntimeState, env *EventEnvelope) {
	state.LastEventID = env.ID

	switch env.Event.Kind {
	case EventTopologyLoaded:
		state.Graph = env.Event.Graph

	case EventStatusChanged:
		node, ok := state.Graph.Nodes[env.Event.UnitID]
		if !ok {
			return
		}
		node.Observed.Status = env.Event.Status
		node.Observed.ExitCode = env.Event.ExitCode
		node.Observed.StatusMessage = env.Event.Message
		if env.Event.Status == model.StatusRunning {
			node.Observed.Metrics.PID = env.Event.PID
		}

	case EventHealthChanged:
		node, ok := state.Graph.Nodes[env.Event.UnitID]
		if !ok {
			return
		}
		node.Observed.Health = env.Event.Health
		node.Observed.HealthReason = env.Event.Message

	case EventLogLine:
		if _, ok := state.Graph.Nodes[env.Event.UnitID]; !ok {
			return
		}
		state.Logs.Push(LogLine{
			At:     env.At,
			UnitID: env.Event.UnitID,
			Stream: env.Event.Stream,
			Text:   env.Event.Text,
			Level:  logfilter.Detect(env.Event.Text),
		})

	case EventClearLogs:
		state.Logs.Clear(env.Event.UnitID)

	case EventMetricsSample:
		node, ok := state.Graph.Nodes[env.Event.UnitID]
		if ok {
			node.Observed.Metrics = env.Event.Metrics
		}
		state.Metrics.PushUnit(env.Event.UnitID, env.At,
			env.Event.Metrics.CPUPercent,
			float64(env.Event.Metrics.MemoryBytes)/(1024*1024),
			env.Event.Metrics.NetKBps)

	case EventSystemSample:
		state.Metrics.SystemCPU.Push(env.At, env.Event.SystemCPUPercent)
		state.Metrics.SystemMem.Push(env.At, env.Event.SystemMemMB)
		state.Metrics.SystemNet.Push(env.At, env.Event.SystemNetKBps)

	case EventLogRateSample:
		state.Metrics.PushLogRate(env.Event.UnitID, env.At, env.Event.Rate)

	case EventRunStarted:
		if env.Event.Run != nil {
			state.Runs.Add(env.Event.Run)
		}

	case EventRunFinished:
		// The engine's finished record is freshly built and carries no
		// Output; copy over the buffer EventRunOutput accumulated on the
		// started record rather than replacing it and losing the output.
		if env.Event.Run == nil {
			break
		}
		if existing, ok := state.Runs.Get(env.Event.Run.ID); ok {
			env.Event.Run.Output = existing.Output
		}
		state.Runs.Add(env.Event.Run)

	case EventRunOutput:
		if run, ok := state.Runs.Get(env.Event.RunID); ok {
			run.AppendOutput(env.Event.Text)
		}

	case EventRunKilled:
		if run, ok := state.Runs.Get(env.Event.RunID); ok {
			run.Status = RunKilled
			run.FinishedAt = env.At
		}
	}
}
