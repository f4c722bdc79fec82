// Package runtime implements the event-sourced state machine at the
// center of orkesy: a monotonic stream of EventEnvelopes folded by a
// pure reducer onto a single RuntimeState.
package runtime

import (
	"sync/atomic"
	"time"

	"github.com/orkesy/orkesy/pkg/model"
)

// LogStream identifies which channel a LogLine came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// EventKind tags the concrete payload carried by an Event.
type EventKind string

const (
	EventTopologyLoaded EventKind = "topology_loaded"
	EventStatusChanged  EventKind = "status_changed"
	EventHealthChanged  EventKind = "health_changed"
	EventLogLine        EventKind = "log_line"
	EventClearLogs      EventKind = "clear_logs"
	EventMetricsSample  EventKind = "metrics_sample"
	EventSystemSample   EventKind = "system_sample"
	EventLogRateSample  EventKind = "log_rate_sample"
	EventRunStarted     EventKind = "run_started"
	EventRunFinished    EventKind = "run_finished"
	EventRunOutput      EventKind = "run_output"
	EventRunKilled      EventKind = "run_killed"
)

// Event is the sum type of everything the reducer knows how to fold.
// Exactly one of its fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	// EventTopologyLoaded
	Graph *model.RuntimeGraph

	// EventStatusChanged / EventHealthChanged / EventLogLine / EventClearLogs /
	// EventMetricsSample share UnitID as the target.
	UnitID model.UnitID

	Status   model.Status
	ExitCode *int
	PID      int
	Message  string // status error message, health reason, or clear-logs note

	Health model.Health

	Stream LogStream
	Text   string

	Metrics model.Metrics

	// EventSystemSample
	SystemCPUPercent float64
	SystemMemMB      float64
	SystemNetKBps    float64

	// EventLogRateSample
	Rate float64

	// EventRunStarted / EventRunFinished
	Run *CommandRun

	// EventRunOutput / EventRunKilled target a run by id rather than a
	// unit; Stream/Text carry the captured line for EventRunOutput.
	RunID string
}

// EventEnvelope carries a monotonically increasing id and wall-clock
// timestamp alongside an Event. Envelope ids are assigned by a shared
// IDGenerator and are strictly increasing per generator instance; they
// are the only total order the rest of the system relies on.
type EventEnvelope struct {
	ID    uint64
	At    time.Time
	Event Event
}

// IDGenerator hands out strictly increasing envelope ids. Safe for
// concurrent use; every engine instance shares one per runtime.
type IDGenerator struct {
	counter uint64
}

// Next returns the next id in sequence, starting at 1.
func (g *IDGenerator) Next() uint64 {
	return atomic.AddUint64(&g.counter, 1)
}
