package runtime

import (
	"time"

	"github.com/orkesy/orkesy/pkg/logfilter"
	"github.com/orkesy/orkesy/pkg/model"
)

// LogLine is a single captured line of output, attributed to a unit and
// stream, with a severity inferred from its text for filtered views.
type LogLine struct {
	At     time.Time
	UnitID model.UnitID
	Stream LogStream
	Text   string
	Level  logfilter.Level
}

const defaultLogCap = 10_000

// LogStore keeps a capped ring buffer of lines per unit plus one merged
// ring buffer across all units, so the "all logs" view never has to
// rescan per-unit buffers.
type LogStore struct {
	cap       int
	perUnit   map[model.UnitID][]LogLine
	merged    []LogLine
}

// NewLogStore returns a LogStore capped at cap lines per bucket.
func NewLogStore(cap int) *LogStore {
	if cap <= 0 {
		cap = defaultLogCap
	}
	return &LogStore{cap: cap, perUnit: make(map[model.UnitID][]LogLine)}
}

func pushCapped(buf []LogLine, line LogLine, cap int) []LogLine {
	buf = append(buf, line)
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	return buf
}

// Push appends a line to both the unit's buffer and the merged buffer,
// dropping the oldest entry from whichever buffer is at capacity.
func (s *LogStore) Push(line LogLine) {
	s.perUnit[line.UnitID] = pushCapped(s.perUnit[line.UnitID], line, s.cap)
	s.merged = pushCapped(s.merged, line, s.cap)
}

// Clear drops a unit's own buffer. The merged buffer is left untouched,
// since it is a cross-unit view of history rather than ownership.
func (s *LogStore) Clear(id model.UnitID) {
	delete(s.perUnit, id)
}

// ForUnit returns the current lines for a unit, oldest first.
func (s *LogStore) ForUnit(id model.UnitID) []LogLine {
	return s.perUnit[id]
}

// Merged returns the cross-unit buffer, oldest first.
func (s *LogStore) Merged() []LogLine {
	return s.merged
}

// ForUnitFiltered returns a unit's buffer narrowed to lines passing mode.
func (s *LogStore) ForUnitFiltered(id model.UnitID, mode logfilter.Mode) []LogLine {
	return filterLines(s.perUnit[id], mode)
}

// MergedFiltered returns the cross-unit buffer narrowed to lines passing mode.
func (s *LogStore) MergedFiltered(mode logfilter.Mode) []LogLine {
	return filterLines(s.merged, mode)
}

func filterLines(lines []LogLine, mode logfilter.Mode) []LogLine {
	if mode == logfilter.ModeAll {
		return lines
	}
	out := make([]LogLine, 0, len(lines))
	for _, l := range lines {
		if mode.Matches(l.Level) {
			out = append(out, l)
		}
	}
	return out
}

const defaultSeriesCap = 120

// Series is a fixed-capacity ring of (time, value) samples. Pushing past
// capacity drops the oldest sample; a Series never grows unbounded.
type Series struct {
	cap    int
	points []Point
}

// Point is one sample in a Series.
type Point struct {
	T time.Time
	V float64
}

// NewSeries returns a Series capped at cap points.
func NewSeries(cap int) *Series {
	if cap <= 0 {
		cap = defaultSeriesCap
	}
	return &Series{cap: cap}
}

// Push appends a sample, dropping the oldest if at capacity.
func (s *Series) Push(t time.Time, v float64) {
	s.points = append(s.points, Point{T: t, V: v})
	if len(s.points) > s.cap {
		s.points = s.points[len(s.points)-s.cap:]
	}
}

// Latest returns the most recent sample's value, or false if empty.
func (s *Series) Latest() (float64, bool) {
	if len(s.points) == 0 {
		return 0, false
	}
	return s.points[len(s.points)-1].V, true
}

// Points returns the current samples, oldest first.
func (s *Series) Points() []Point { return s.points }

// TimeBounds returns the oldest and newest sample timestamps.
func (s *Series) TimeBounds() (time.Time, time.Time, bool) {
	if len(s.points) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.points[0].T, s.points[len(s.points)-1].T, true
}

// MetricsState holds the per-unit and system-wide sampled series.
type MetricsState struct {
	SystemCPU *Series
	SystemMem *Series
	SystemNet *Series

	UnitCPU map[model.UnitID]*Series
	UnitMem map[model.UnitID]*Series
	UnitNet map[model.UnitID]*Series
	LogRate map[model.UnitID]*Series
}

// NewMetricsState returns a MetricsState with all system series at the
// default 120-point capacity (60s at 500ms cadence).
func NewMetricsState() *MetricsState {
	return &MetricsState{
		SystemCPU: NewSeries(defaultSeriesCap),
		SystemMem: NewSeries(defaultSeriesCap),
		SystemNet: NewSeries(defaultSeriesCap),
		UnitCPU:   make(map[model.UnitID]*Series),
		UnitMem:   make(map[model.UnitID]*Series),
		UnitNet:   make(map[model.UnitID]*Series),
		LogRate:   make(map[model.UnitID]*Series),
	}
}

func (m *MetricsState) unitSeries(set map[model.UnitID]*Series, id model.UnitID) *Series {
	s, ok := set[id]
	if !ok {
		s = NewSeries(defaultSeriesCap)
		set[id] = s
	}
	return s
}

// PushUnit records a sample on each of a unit's three series.
func (m *MetricsState) PushUnit(id model.UnitID, t time.Time, cpu, memMB, netKBps float64) {
	m.unitSeries(m.UnitCPU, id).Push(t, cpu)
	m.unitSeries(m.UnitMem, id).Push(t, memMB)
	m.unitSeries(m.UnitNet, id).Push(t, netKBps)
}

// PushLogRate records a log-lines-per-second sample for a unit.
func (m *MetricsState) PushLogRate(id model.UnitID, t time.Time, rate float64) {
	m.unitSeries(m.LogRate, id).Push(t, rate)
}

// ClearUnit drops a unit's CPU, memory and network series, keeping
// log-rate history since that reflects the unit's whole lifetime.
func (m *MetricsState) ClearUnit(id model.UnitID) {
	delete(m.UnitCPU, id)
	delete(m.UnitMem, id)
	delete(m.UnitNet, id)
}

// RunStatus is the terminal or in-flight state of a CommandRun.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunExited  RunStatus = "exited"
	RunKilled  RunStatus = "killed"
	RunFailed  RunStatus = "failed"
)

// maxRunOutputLines caps the per-run output buffer, mirroring the
// ring-buffer shape of the per-unit LogStore but scoped to one run.
const maxRunOutputLines = 2000

// CommandRun records one invocation of an exec command for
// history display, plus its own output buffer — distinct from the
// unit's general LogLine stream, so "what did run X print" can be
// answered without scanning the unit's whole merged log.
type CommandRun struct {
	ID          string
	UnitID      model.UnitID
	Command     string
	DisplayName string
	Status      RunStatus
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    *int
	PID         int
	Output      []string
}

// AppendOutput records one line of captured output on the run,
// evicting the oldest line past maxRunOutputLines.
func (r *CommandRun) AppendOutput(line string) {
	r.Output = append(r.Output, line)
	if len(r.Output) > maxRunOutputLines {
		r.Output = r.Output[len(r.Output)-maxRunOutputLines:]
	}
}

// Duration returns the run's elapsed wall time; zero if still running.
func (r *CommandRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

const maxRuns = 200

// RunHistory keeps the most recent maxRuns CommandRuns, most-recent-first.
type RunHistory struct {
	order []string
	byID  map[string]*CommandRun
}

// NewRunHistory returns an empty RunHistory.
func NewRunHistory() *RunHistory {
	return &RunHistory{byID: make(map[string]*CommandRun)}
}

// Add inserts a run at the front of history, evicting the oldest run
// past the 200-entry cap. A run whose id is already present (e.g. a
// RunFinished update following its RunStarted) replaces the existing
// entry in place rather than appearing twice in order.
func (h *RunHistory) Add(run *CommandRun) {
	if _, exists := h.byID[run.ID]; exists {
		h.byID[run.ID] = run
		return
	}
	h.order = append([]string{run.ID}, h.order...)
	h.byID[run.ID] = run
	if len(h.order) > maxRuns {
		evicted := h.order[maxRuns:]
		h.order = h.order[:maxRuns]
		for _, id := range evicted {
			delete(h.byID, id)
		}
	}
}

// Get returns the run by id, if present.
func (h *RunHistory) Get(id string) (*CommandRun, bool) {
	r, ok := h.byID[id]
	return r, ok
}

// Ordered returns runs most-recent-first.
func (h *RunHistory) Ordered() []*CommandRun {
	out := make([]*CommandRun, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.byID[id])
	}
	return out
}

// RuntimeState is the single shared, reducer-owned snapshot of the
// system: the unit graph, logs, metrics, and command-run history.
type RuntimeState struct {
	Graph       *model.RuntimeGraph
	Logs        *LogStore
	Metrics     *MetricsState
	Runs        *RunHistory
	LastEventID uint64
}

// NewRuntimeState returns a RuntimeState with an empty graph and default
// buffer capacities, ready for TopologyLoaded.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		Graph:   model.NewRuntimeGraph(),
		Logs:    NewLogStore(defaultLogCap),
		Metrics: NewMetricsState(),
		Runs:    NewRunHistory(),
	}
}
