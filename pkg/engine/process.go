package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orkesy/orkesy/pkg/bus"
	executil "github.com/orkesy/orkesy/pkg/exec"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/portutil"
	"github.com/orkesy/orkesy/pkg/runtime"
)

// reapInterval is how often ProcessEngine polls its children for exit.
const reapInterval = 100 * time.Millisecond

// stopGraceWindow is how long a signaled process is given to exit
// cleanly before ProcessEngine escalates to SIGKILL.
const stopGraceWindow = 500 * time.Millisecond

// processHandle tracks one live child: its Cmd and the process-group id
// it was placed in.
type processHandle struct {
	cmd  *exec.Cmd
	pgid int
}

// ProcessEngine spawns units as shell-invoked OS processes, each in its
// own session/process group so a stop signal reaches every descendant.
type ProcessEngine struct {
	units map[model.UnitID]model.Unit

	mu         sync.Mutex
	handles    map[model.UnitID]*processHandle
	stopping   map[model.UnitID]bool
	runSeq     uint64
	runHandles map[string]*runHandle
	log        *logrus.Entry
}

// runHandle tracks one in-flight execOnce invocation so CmdKillRun can
// terminate it and execOnce can tell a kill apart from a natural exit.
type runHandle struct {
	cmd    *exec.Cmd
	killed bool
}

// nextRunID returns a locally unique, monotonically increasing id for
// a CommandRun record. It only needs to be unique within this engine's
// lifetime, not globally, so a simple counter suffices.
func (e *ProcessEngine) nextRunID() string {
	e.mu.Lock()
	e.runSeq++
	id := e.runSeq
	e.mu.Unlock()
	return fmt.Sprintf("run-%d", id)
}

// NewProcessEngine returns an engine managing exactly the given units.
func NewProcessEngine(units map[model.UnitID]model.Unit, log *logrus.Entry) *ProcessEngine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ProcessEngine{
		units:      units,
		handles:    make(map[model.UnitID]*processHandle),
		stopping:   make(map[model.UnitID]bool),
		runHandles: make(map[string]*runHandle),
		log:        log.WithField("engine", "process"),
	}
}

// Name identifies this engine implementation.
func (e *ProcessEngine) Name() string { return "process" }

func emit(idGen IDGenerator, events *bus.Bus, ev runtime.Event) {
	events.Publish(runtime.EventEnvelope{ID: idGen.Next(), At: time.Now(), Event: ev})
}

func emitSystemLog(idGen IDGenerator, events *bus.Bus, id model.UnitID, text string) {
	emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: id, Stream: runtime.StreamSystem, Text: text})
}

// Run implements Engine.
func (e *ProcessEngine) Run(ctx context.Context, cmdCh <-chan EngineCommand, events *bus.Bus, graph *model.RuntimeGraph, idGen IDGenerator) {
	emit(idGen, events, runtime.Event{Kind: runtime.EventTopologyLoaded, Graph: graph})

	for id, u := range e.units {
		if u.Autostart {
			e.startUnit(ctx, id, events, idGen)
		}
	}

	reapTicker := time.NewTicker(reapInterval)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdownAll(events, idGen)
			return

		case <-reapTicker.C:
			e.reap(events, idGen)

		case cmd, ok := <-cmdCh:
			if !ok {
				e.shutdownAll(events, idGen)
				return
			}
			if cmd.Kind == CmdShutdown {
				e.shutdownAll(events, idGen)
				return
			}
			e.handle(ctx, cmd, events, idGen)
		}
	}
}

func (e *ProcessEngine) handle(ctx context.Context, cmd EngineCommand, events *bus.Bus, idGen IDGenerator) {
	switch cmd.Kind {
	case CmdStart:
		e.mu.Lock()
		_, running := e.handles[cmd.UnitID]
		e.mu.Unlock()
		if running {
			emitSystemLog(idGen, events, cmd.UnitID, "already running")
			return
		}
		e.startUnit(ctx, cmd.UnitID, events, idGen)

	case CmdStop:
		e.mu.Lock()
		_, running := e.handles[cmd.UnitID]
		e.mu.Unlock()
		if !running {
			emitSystemLog(idGen, events, cmd.UnitID, "already stopped")
			return
		}
		emitSystemLog(idGen, events, cmd.UnitID, "stopping...")
		e.stopUnit(cmd.UnitID, events, idGen)
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: cmd.UnitID, Status: model.StatusStopped})

	case CmdRestart:
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: cmd.UnitID, Status: model.StatusRestarting})
		e.mu.Lock()
		_, running := e.handles[cmd.UnitID]
		e.mu.Unlock()
		if running {
			e.stopUnit(cmd.UnitID, events, idGen)
		}
		time.Sleep(100 * time.Millisecond)
		e.startUnit(ctx, cmd.UnitID, events, idGen)
		emitSystemLog(idGen, events, cmd.UnitID, "restarted")

	case CmdKill:
		e.mu.Lock()
		h, running := e.handles[cmd.UnitID]
		e.mu.Unlock()
		if !running {
			emitSystemLog(idGen, events, cmd.UnitID, "already stopped")
			return
		}
		killProcessGroup(h.pgid, h.cmd)
		emitSystemLog(idGen, events, cmd.UnitID, "killed")
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: cmd.UnitID, Status: model.StatusStopped})

	case CmdToggle:
		e.mu.Lock()
		_, running := e.handles[cmd.UnitID]
		e.mu.Unlock()
		if running {
			e.handle(ctx, EngineCommand{Kind: CmdStop, UnitID: cmd.UnitID}, events, idGen)
		} else {
			e.handle(ctx, EngineCommand{Kind: CmdStart, UnitID: cmd.UnitID}, events, idGen)
		}

	case CmdClearLogs:
		emit(idGen, events, runtime.Event{Kind: runtime.EventClearLogs, UnitID: cmd.UnitID})

	case CmdExec:
		e.execOnce(cmd.UnitID, cmd.Argv, events, idGen)

	case CmdInstall:
		e.installOnce(cmd.UnitID, events, idGen)

	case CmdKillRun:
		e.killRun(cmd.RunID, events, idGen)

	case CmdEmitLog:
		emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: cmd.UnitID, Stream: runtime.StreamSystem, Text: cmd.Text})
	}
}

// cleanupOrphanedPort checks whether a unit's advertised port is already
// held by some other process — typically a previous run of the same
// unit left behind after a crash that skipped its stop sequence — and
// kills it so the upcoming spawn does not fail to bind. A conflict
// still left standing after the kill attempt is only logged; startUnit
// proceeds regardless; a genuine bind failure surfaces through the
// unit's own exit/errored status instead.
func (e *ProcessEngine) cleanupOrphanedPort(id model.UnitID, port int, events *bus.Bus, idGen IDGenerator) {
	conflicts := portutil.CheckPorts([]int{port})
	if len(conflicts) == 0 {
		return
	}
	emitSystemLog(idGen, events, id, strings.TrimRight(portutil.FormatConflicts(conflicts), "\n"))
	for _, conflict := range conflicts {
		if conflict.PID <= 0 {
			continue
		}
		if err := portutil.KillProcess(conflict.PID); err != nil {
			emitSystemLog(idGen, events, id, fmt.Sprintf("failed to kill orphaned process %d: %v", conflict.PID, err))
			continue
		}
		emitSystemLog(idGen, events, id, fmt.Sprintf("killed orphaned process %d on port %d", conflict.PID, port))
	}
}

// startUnit runs a unit's install sequence (if any), then spawns its
// start command, streaming stdout/stderr as LogLine events.
func (e *ProcessEngine) startUnit(ctx context.Context, id model.UnitID, events *bus.Bus, idGen IDGenerator) {
	unit, ok := e.units[id]
	if !ok {
		emitSystemLog(idGen, events, id, fmt.Sprintf("unit not found: %s", id))
		return
	}

	emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusStarting})

	if unit.Port > 0 {
		e.cleanupOrphanedPort(id, unit.Port, events, idGen)
	}

	for _, step := range unit.Install {
		if err := e.runInstallStep(unit, step, events, idGen); err != nil {
			msg := err.Error()
			emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusErrored, Message: msg})
			emitSystemLog(idGen, events, id, fmt.Sprintf("install failed: %s", msg))
			return
		}
	}

	cmd := shellCommand(unit.Start)
	cmd.Dir = unit.Cwd
	cmd.Env = mergeEnv(unit.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.failSpawn(id, err, events, idGen)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.failSpawn(id, err, events, idGen)
		return
	}
	cmd.Stdin = nil
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		e.failSpawn(id, err, events, idGen)
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}

	e.mu.Lock()
	e.handles[id] = &processHandle{cmd: cmd, pgid: pgid}
	e.mu.Unlock()

	go streamLines(stdout, func(line string) {
		emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: id, Stream: runtime.StreamStdout, Text: line})
	})
	go streamLines(stderr, func(line string) {
		emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: id, Stream: runtime.StreamStderr, Text: line})
	})

	emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusRunning, PID: cmd.Process.Pid})
}

func (e *ProcessEngine) failSpawn(id model.UnitID, err error, events *bus.Bus, idGen IDGenerator) {
	emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusErrored, Message: err.Error()})
	emitSystemLog(idGen, events, id, fmt.Sprintf("failed to start: %v", err))
}

// installOnce runs a unit's install sequence on demand, independent of
// a full start — e.g. an operator re-running dependency install after
// editing a unit's manifest without restarting it.
func (e *ProcessEngine) installOnce(id model.UnitID, events *bus.Bus, idGen IDGenerator) {
	unit, ok := e.units[id]
	if !ok {
		emitSystemLog(idGen, events, id, fmt.Sprintf("unit not found: %s", id))
		return
	}
	for _, step := range unit.Install {
		if err := e.runInstallStep(unit, step, events, idGen); err != nil {
			emitSystemLog(idGen, events, id, fmt.Sprintf("install failed: %v", err))
			return
		}
	}
	emitSystemLog(idGen, events, id, "install complete")
}

func (e *ProcessEngine) runInstallStep(unit model.Unit, step string, events *bus.Bus, idGen IDGenerator) error {
	emitSystemLog(idGen, events, unit.ID, "$ "+step)
	cmd := shellCommand(step)
	cmd.Dir = unit.Cwd
	cmd.Env = mergeEnv(unit.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, func(line string) {
			emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: unit.ID, Stream: runtime.StreamStdout, Text: line})
		})
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, func(line string) {
			emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: unit.ID, Stream: runtime.StreamStderr, Text: line})
		})
	}()
	wg.Wait()
	return cmd.Wait()
}

// execOnce runs an ad-hoc argv to completion as a tracked CommandRun:
// it streams captured output both as LogLines (the unit's general
// stream) and as EventRunOutput events (the run's own buffer), records
// the run in history via RunStarted/RunFinished, and finishes with a
// system summary line. The child is tracked in runHandles for the
// duration so a CmdKillRun can terminate it mid-flight.
func (e *ProcessEngine) execOnce(id model.UnitID, argv []string, events *bus.Bus, idGen IDGenerator) {
	if len(argv) == 0 {
		emitSystemLog(idGen, events, id, "exec: empty command")
		return
	}
	commandLine := joinArgs(argv)
	emitSystemLog(idGen, events, id, "$ "+commandLine)

	unit := e.units[id]
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = unit.Cwd
	cmd.Env = mergeEnv(unit.Env)

	runID := e.nextRunID()
	displayName := unit.DisplayName()
	startedAt := time.Now()
	emit(idGen, events, runtime.Event{Kind: runtime.EventRunStarted, UnitID: id, Run: &runtime.CommandRun{
		ID: runID, UnitID: id, Command: commandLine, DisplayName: displayName,
		Status: runtime.RunRunning, StartedAt: startedAt,
	}})

	onLine := func(line string) {
		emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: id, Stream: runtime.StreamStdout, Text: line})
		emit(idGen, events, runtime.Event{Kind: runtime.EventRunOutput, UnitID: id, RunID: runID, Text: line})
	}

	e.mu.Lock()
	e.runHandles[runID] = &runHandle{cmd: cmd}
	e.mu.Unlock()

	result := executil.CaptureStreaming(cmd, onLine)

	e.mu.Lock()
	h := e.runHandles[runID]
	delete(e.runHandles, runID)
	e.mu.Unlock()

	if h != nil && h.killed {
		emit(idGen, events, runtime.Event{Kind: runtime.EventRunKilled, UnitID: id, RunID: runID})
		emitSystemLog(idGen, events, id, "run killed")
		return
	}

	finished := &runtime.CommandRun{
		ID: runID, UnitID: id, Command: commandLine, DisplayName: displayName,
		StartedAt: startedAt, FinishedAt: result.FinishedAt,
	}
	switch {
	case result.Succeeded():
		finished.Status = runtime.RunExited
		code := 0
		finished.ExitCode = &code
		emitSystemLog(idGen, events, id, "ok")
	case result.ExitCode >= 0:
		finished.Status = runtime.RunExited
		code := result.ExitCode
		finished.ExitCode = &code
		emitSystemLog(idGen, events, id, fmt.Sprintf("exit code: %d", result.ExitCode))
	default:
		finished.Status = runtime.RunFailed
		emitSystemLog(idGen, events, id, fmt.Sprintf("exec failed: %v", result.Err))
	}
	emit(idGen, events, runtime.Event{Kind: runtime.EventRunFinished, UnitID: id, Run: finished})
}

// killRun terminates an in-flight exec run by id, if still tracked.
// Runs that have already finished are a no-op: the run's terminal
// state was already reported by execOnce.
func (e *ProcessEngine) killRun(runID string, events *bus.Bus, idGen IDGenerator) {
	e.mu.Lock()
	h, ok := e.runHandles[runID]
	if ok {
		h.killed = true
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// stopUnit signals a running unit's process group and escalates to
// SIGKILL if it has not exited within stopGraceWindow. A unit whose
// StopBehavior names a command runs that instead, falling back to
// SIGKILL if the command itself does not bring the process down.
func (e *ProcessEngine) stopUnit(id model.UnitID, events *bus.Bus, idGen IDGenerator) {
	e.mu.Lock()
	h, ok := e.handles[id]
	e.stopping[id] = true
	e.mu.Unlock()
	if !ok {
		return
	}

	unit := e.units[id]
	if unit.Stop.IsCommand() {
		cmd := shellCommand(unit.Stop.Command)
		cmd.Dir = unit.Cwd
		_ = cmd.Run()
	} else {
		sig := signalFor(unit.Stop.Signal)
		_ = syscall.Kill(-h.pgid, sig)
	}

	deadline := time.After(stopGraceWindow)
	for {
		select {
		case <-deadline:
			killProcessGroup(h.pgid, h.cmd)
			e.mu.Lock()
			delete(e.stopping, id)
			e.mu.Unlock()
			return
		default:
			var ws syscall.WaitStatus
			if pid, err := syscall.Wait4(h.cmd.Process.Pid, &ws, syscall.WNOHANG, nil); err == nil && pid != 0 {
				e.mu.Lock()
				delete(e.handles, id)
				delete(e.stopping, id)
				e.mu.Unlock()
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func killProcessGroup(pgid int, cmd *exec.Cmd) {
	if pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (e *ProcessEngine) shutdownAll(events *bus.Bus, idGen IDGenerator) {
	e.mu.Lock()
	ids := make([]model.UnitID, 0, len(e.handles))
	for id := range e.handles {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.stopUnit(id, events, idGen)
	}
}

// reap polls every live child non-blockingly; an exited child is
// reported via StatusChanged and removed from the handle table.
func (e *ProcessEngine) reap(events *bus.Bus, idGen IDGenerator) {
	e.mu.Lock()
	exited := make(map[model.UnitID]int)
	for id, h := range e.handles {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(h.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
		if err != nil || pid == 0 {
			continue
		}
		exited[id] = ws.ExitStatus()
		delete(e.handles, id)
	}
	e.mu.Unlock()

	for id, code := range exited {
		c := code
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusExited, ExitCode: &c})
		emitSystemLog(idGen, events, id, fmt.Sprintf("process exited with code: %d", code))
	}
}

func signalFor(s model.StopSignal) syscall.Signal {
	switch s {
	case model.StopSignalTERM:
		return syscall.SIGTERM
	case model.StopSignalKILL:
		return syscall.SIGKILL
	default:
		return syscall.SIGINT
	}
}

func shellCommand(command string) *exec.Cmd {
	return exec.Command("sh", "-c", command)
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func streamLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
}

func joinArgs(argv []string) string {
	out := argv[0]
	for _, a := range argv[1:] {
		out += " " + a
	}
	return out
}
