package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/orkesy/orkesy/pkg/bus"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/runtime"
)

// containerGraceWindow is how long ContainerEngine waits for a
// container to stop on its own before the runtime force-kills it.
const containerGraceWindow = 10 * time.Second

// ContainerRuntime is the minimal surface ContainerEngine needs from a
// container backend. Keeping it narrow means the wire protocol of the
// underlying runtime (Docker Engine API, in production) never leaks
// into engine logic, and tests can substitute a fake implementation.
type ContainerRuntime interface {
	Create(ctx context.Context, name string, unit model.Unit) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Logs(ctx context.Context, containerID string) (io.ReadCloser, error)
	Wait(ctx context.Context, containerID string) (exitCode int, err error)
}

// ContainerEngine manages units whose Kind is UnitKindDocker by
// delegating to a ContainerRuntime. Containers are named
// "orkesy-<unit_id>". The engine does not look for or adopt a container
// that already exists under that name; every start creates a new one.
type ContainerEngine struct {
	units   map[model.UnitID]model.Unit
	runtime ContainerRuntime

	// mu guards containerIDs, which is written both from the engine's
	// own command-handling goroutine and from the per-container Wait
	// watcher goroutine spawned in startUnit.
	mu           sync.Mutex
	containerIDs map[model.UnitID]string
	log          *logrus.Entry
}

// NewContainerEngine returns an engine backed by rt, a real Docker
// client in production or a fake in tests.
func NewContainerEngine(units map[model.UnitID]model.Unit, rt ContainerRuntime, log *logrus.Entry) *ContainerEngine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ContainerEngine{
		units:        units,
		runtime:      rt,
		containerIDs: make(map[model.UnitID]string),
		log:          log.WithField("engine", "container"),
	}
}

// Name implements Engine.
func (e *ContainerEngine) Name() string { return "container" }

func containerName(id model.UnitID) string { return "orkesy-" + string(id) }

// Run implements Engine.
func (e *ContainerEngine) Run(ctx context.Context, cmdCh <-chan EngineCommand, events *bus.Bus, graph *model.RuntimeGraph, idGen IDGenerator) {
	emit(idGen, events, runtime.Event{Kind: runtime.EventTopologyLoaded, Graph: graph})

	for id, u := range e.units {
		if u.Autostart {
			e.startUnit(ctx, id, events, idGen)
		}
	}

	for {
		select {
		case <-ctx.Done():
			e.shutdownAll(events, idGen)
			return
		case cmd, ok := <-cmdCh:
			if !ok || cmd.Kind == CmdShutdown {
				e.shutdownAll(events, idGen)
				return
			}
			e.handle(ctx, cmd, events, idGen)
		}
	}
}

func (e *ContainerEngine) handle(ctx context.Context, cmd EngineCommand, events *bus.Bus, idGen IDGenerator) {
	switch cmd.Kind {
	case CmdStart:
		if _, running := e.containerID(cmd.UnitID); running {
			emitSystemLog(idGen, events, cmd.UnitID, "already running")
			return
		}
		e.startUnit(ctx, cmd.UnitID, events, idGen)

	case CmdStop:
		if _, running := e.containerID(cmd.UnitID); !running {
			emitSystemLog(idGen, events, cmd.UnitID, "already stopped")
			return
		}
		e.stopUnit(ctx, cmd.UnitID, events, idGen)
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: cmd.UnitID, Status: model.StatusStopped})

	case CmdRestart:
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: cmd.UnitID, Status: model.StatusRestarting})
		if _, running := e.containerID(cmd.UnitID); running {
			e.stopUnit(ctx, cmd.UnitID, events, idGen)
		}
		e.startUnit(ctx, cmd.UnitID, events, idGen)

	case CmdKill:
		id, running := e.containerID(cmd.UnitID)
		if !running {
			emitSystemLog(idGen, events, cmd.UnitID, "already stopped")
			return
		}
		_ = e.runtime.Stop(ctx, id, 0)
		_ = e.runtime.Remove(ctx, id)
		e.deleteContainerID(cmd.UnitID)
		emitSystemLog(idGen, events, cmd.UnitID, "killed")
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: cmd.UnitID, Status: model.StatusStopped})

	case CmdToggle:
		if _, running := e.containerID(cmd.UnitID); running {
			e.handle(ctx, EngineCommand{Kind: CmdStop, UnitID: cmd.UnitID}, events, idGen)
		} else {
			e.handle(ctx, EngineCommand{Kind: CmdStart, UnitID: cmd.UnitID}, events, idGen)
		}

	case CmdClearLogs:
		emit(idGen, events, runtime.Event{Kind: runtime.EventClearLogs, UnitID: cmd.UnitID})

	case CmdExec:
		emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: cmd.UnitID, Stream: runtime.StreamSystem,
			Text: fmt.Sprintf("exec into containers is not supported: %v", cmd.Argv)})

	case CmdInstall:
		emitSystemLog(idGen, events, cmd.UnitID, "install steps are not supported for container units; images are built externally")

	case CmdKillRun:
		emitSystemLog(idGen, events, cmd.UnitID, "no exec run to kill: container units do not support exec")

	case CmdEmitLog:
		emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: cmd.UnitID, Stream: runtime.StreamSystem, Text: cmd.Text})
	}
}

func (e *ContainerEngine) startUnit(ctx context.Context, id model.UnitID, events *bus.Bus, idGen IDGenerator) {
	unit, ok := e.units[id]
	if !ok {
		emitSystemLog(idGen, events, id, fmt.Sprintf("unit not found: %s", id))
		return
	}

	emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusStarting})

	containerID, err := e.runtime.Create(ctx, containerName(id), unit)
	if err != nil {
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusErrored, Message: err.Error()})
		emitSystemLog(idGen, events, id, fmt.Sprintf("create failed: %v", err))
		return
	}
	if err := e.runtime.Start(ctx, containerID); err != nil {
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusErrored, Message: err.Error()})
		emitSystemLog(idGen, events, id, fmt.Sprintf("start failed: %v", err))
		return
	}

	e.setContainerID(id, containerID)
	emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusRunning})

	if logs, err := e.runtime.Logs(ctx, containerID); err == nil {
		go func() {
			defer logs.Close()
			streamLines(logs, func(line string) {
				emit(idGen, events, runtime.Event{Kind: runtime.EventLogLine, UnitID: id, Stream: runtime.StreamStdout, Text: line})
			})
		}()
	}

	go func() {
		code, err := e.runtime.Wait(ctx, containerID)
		if err != nil {
			return
		}
		e.deleteContainerID(id)
		emit(idGen, events, runtime.Event{Kind: runtime.EventStatusChanged, UnitID: id, Status: model.StatusExited, ExitCode: &code})
		emitSystemLog(idGen, events, id, fmt.Sprintf("container exited with code: %d", code))
	}()
}

func (e *ContainerEngine) stopUnit(ctx context.Context, id model.UnitID, events *bus.Bus, idGen IDGenerator) {
	containerID, ok := e.containerID(id)
	if !ok {
		return
	}
	emitSystemLog(idGen, events, id, "stopping...")
	if err := e.runtime.Stop(ctx, containerID, containerGraceWindow); err != nil {
		emitSystemLog(idGen, events, id, fmt.Sprintf("stop failed: %v", err))
	}
	_ = e.runtime.Remove(ctx, containerID)
	e.deleteContainerID(id)
}

func (e *ContainerEngine) shutdownAll(events *bus.Bus, idGen IDGenerator) {
	ctx := context.Background()
	e.mu.Lock()
	ids := make([]model.UnitID, 0, len(e.containerIDs))
	for id := range e.containerIDs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.stopUnit(ctx, id, events, idGen)
	}
}

func (e *ContainerEngine) containerID(id model.UnitID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cid, ok := e.containerIDs[id]
	return cid, ok
}

func (e *ContainerEngine) setContainerID(id model.UnitID, containerID string) {
	e.mu.Lock()
	e.containerIDs[id] = containerID
	e.mu.Unlock()
}

func (e *ContainerEngine) deleteContainerID(id model.UnitID) {
	e.mu.Lock()
	delete(e.containerIDs, id)
	e.mu.Unlock()
}

// dockerRuntime is the production ContainerRuntime, backed by the
// Docker Engine API client.
type dockerRuntime struct {
	cli *dockerclient.Client
}

// NewDockerRuntime connects to the local Docker daemon using the same
// environment-driven configuration as the docker CLI.
func NewDockerRuntime() (ContainerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerRuntime{cli: cli}, nil
}

func (d *dockerRuntime) Create(ctx context.Context, name string, unit model.Unit) (string, error) {
	env := make([]string, 0, len(unit.Env))
	for k, v := range unit.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image: unit.Start, // manifest names the image under `start` for docker-kind units
		Env:   env,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Start(ctx context.Context, containerID string) error {
	return d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *dockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
}

func (d *dockerRuntime) Remove(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (d *dockerRuntime) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
}

func (d *dockerRuntime) Wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}
