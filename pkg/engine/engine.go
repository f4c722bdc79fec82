// Package engine defines the pluggable backend contract for managing a
// unit's lifecycle, plus implementations for OS processes and
// containers. Engines receive EngineCommands over a bounded channel and
// publish EventEnvelopes onto a shared Bus; they never touch
// RuntimeState directly.
package engine

import (
	"context"
	"fmt"

	"github.com/orkesy/orkesy/pkg/bus"
	"github.com/orkesy/orkesy/pkg/model"
)

// CommandKind selects the operation an EngineCommand requests.
type CommandKind string

const (
	CmdStart     CommandKind = "start"
	CmdStop      CommandKind = "stop"
	CmdRestart   CommandKind = "restart"
	CmdKill      CommandKind = "kill"
	CmdToggle    CommandKind = "toggle"
	CmdClearLogs CommandKind = "clear_logs"
	CmdExec      CommandKind = "exec"
	CmdInstall   CommandKind = "install"
	CmdKillRun   CommandKind = "kill_run"
	CmdEmitLog   CommandKind = "emit_log"
	CmdShutdown  CommandKind = "shutdown"
)

// EngineCommand is one request dispatched to an Engine's Run loop.
type EngineCommand struct {
	Kind   CommandKind
	UnitID model.UnitID
	Argv   []string // CmdExec
	Text   string   // CmdEmitLog
	RunID  string   // CmdKillRun
}

// ErrorKind classifies why an engine operation could not complete.
type ErrorKind string

const (
	ErrUnitNotFound    ErrorKind = "unit_not_found"
	ErrAlreadyRunning  ErrorKind = "already_running"
	ErrAlreadyStopped  ErrorKind = "already_stopped"
	ErrSpawnFailed     ErrorKind = "spawn_failed"
	ErrKillFailed      ErrorKind = "kill_failed"
	ErrNotSupported    ErrorKind = "not_supported"
)

// Error is the error type every Engine implementation returns.
type Error struct {
	Kind   ErrorKind
	UnitID model.UnitID
	Reason string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrUnitNotFound:
		return fmt.Sprintf("unit not found: %s", e.UnitID)
	case ErrAlreadyRunning:
		return fmt.Sprintf("unit already running: %s", e.UnitID)
	case ErrAlreadyStopped:
		return fmt.Sprintf("unit already stopped: %s", e.UnitID)
	case ErrSpawnFailed:
		return fmt.Sprintf("failed to spawn %s: %s", e.UnitID, e.Reason)
	case ErrKillFailed:
		return fmt.Sprintf("failed to kill %s: %s", e.UnitID, e.Reason)
	case ErrNotSupported:
		return fmt.Sprintf("operation not supported: %s", e.Reason)
	default:
		return e.Reason
	}
}

// Engine is a pluggable backend for managing a set of units sharing the
// same UnitKind. Implementations: ProcessEngine (pkg/engine process.go)
// spawns OS process groups; ContainerEngine (container.go) delegates to
// an external container runtime client.
type Engine interface {
	// Run is the engine's main loop. It must emit a TopologyLoaded event
	// for graph before doing anything else, then autostart any unit whose
	// Autostart is true, then service cmdCh until it is closed or a
	// CmdShutdown command arrives.
	Run(ctx context.Context, cmdCh <-chan EngineCommand, events *bus.Bus, graph *model.RuntimeGraph, idGen IDGenerator)

	// Name identifies the engine implementation for logging.
	Name() string
}

// IDGenerator hands out monotonic envelope ids; satisfied by *runtime.IDGenerator.
type IDGenerator interface {
	Next() uint64
}
