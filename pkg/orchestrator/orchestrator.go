// Package orchestrator wires the config loader, engines, health
// supervisor, metrics sampler, and command registry into the single
// object a CLI entrypoint drives: load a manifest, bring units up, route
// lifecycle commands to the right engine, and keep one reducer-owned
// RuntimeState in sync with everything that happens. Engines autostart
// their units in no particular order; StartAll is the path that follows
// the manifest's dependency order.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orkesy/orkesy/pkg/bus"
	"github.com/orkesy/orkesy/pkg/config"
	"github.com/orkesy/orkesy/pkg/engine"
	"github.com/orkesy/orkesy/pkg/health"
	"github.com/orkesy/orkesy/pkg/logfilter"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/registry"
	"github.com/orkesy/orkesy/pkg/runtime"
	"github.com/orkesy/orkesy/pkg/sampler"
)

// commandQueueCapacity bounds the per-engine command channel; a command
// sent once this is full blocks the caller rather than growing unbounded.
const commandQueueCapacity = 100

// eventBusCapacity is the per-subscriber buffer depth on the shared bus.
const eventBusCapacity = 1000

// Orchestrator owns the runtime for one loaded manifest: its graph,
// its engines (grouped by UnitKind), health probes, the metrics
// sampler, and the command registry.
type Orchestrator struct {
	mu    sync.RWMutex
	state *runtime.RuntimeState

	bus   *bus.Bus
	idGen runtime.IDGenerator

	manifest *config.Manifest
	units    map[model.UnitID]model.Unit

	engines    map[model.UnitKind]engine.Engine
	cmdChans   map[model.UnitKind]chan engine.EngineCommand
	unitKind   map[model.UnitID]model.UnitKind

	registry *registry.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logrus.Entry
}

// New builds an Orchestrator from a validated manifest. containerRuntime
// may be nil if the manifest has no docker-kind units.
func New(manifest *config.Manifest, containerRuntime engine.ContainerRuntime, log *logrus.Entry) (*Orchestrator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	units := manifest.ToUnits()
	state := runtime.NewRuntimeState()
	state.Graph = manifest.ToGraph()

	o := &Orchestrator{
		state:    state,
		bus:      bus.New(eventBusCapacity),
		manifest: manifest,
		units:    units,
		engines:  make(map[model.UnitKind]engine.Engine),
		cmdChans: make(map[model.UnitKind]chan engine.EngineCommand),
		unitKind: make(map[model.UnitID]model.UnitKind),
		registry: registry.New(),
		log:      log.WithField("component", "orchestrator"),
	}

	o.registry.AddUIActions()

	processUnits := map[model.UnitID]model.Unit{}
	dockerUnits := map[model.UnitID]model.Unit{}
	for id, u := range units {
		o.unitKind[id] = u.Kind
		o.registry.AddUnitLifecycle(id)
		switch u.Kind {
		case model.UnitKindDocker:
			dockerUnits[id] = u
		default:
			processUnits[id] = u
		}
	}

	if len(processUnits) > 0 {
		o.engines[model.UnitKindProcess] = engine.NewProcessEngine(processUnits, o.log)
	}
	if len(dockerUnits) > 0 {
		if containerRuntime == nil {
			return nil, fmt.Errorf("manifest declares docker units but no container runtime was configured")
		}
		o.engines[model.UnitKindDocker] = engine.NewContainerEngine(dockerUnits, containerRuntime, o.log)
	}

	return o, nil
}

// Start brings every engine's Run loop up, subscribes the reducer loop
// and the metrics sampler's log counter onto the bus, starts a health
// probe loop per health-checked unit, and returns once all of them are
// launched. Cancel via Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	reducerSub := o.bus.Subscribe()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runReducerLoop(runCtx, reducerSub)
	}()

	if processEng, ok := o.engines[model.UnitKindProcess]; ok {
		o.launchEngine(runCtx, processEng, model.UnitKindProcess)
	}
	if dockerEng, ok := o.engines[model.UnitKindDocker]; ok {
		o.launchEngine(runCtx, dockerEng, model.UnitKindDocker)
	}

	healthSupervisor := health.NewSupervisor(o.bus, &o.idGen)
	for id, u := range o.units {
		if u.Health == nil {
			continue
		}
		o.wg.Add(1)
		go func(id model.UnitID, spec model.HealthCheckSpec) {
			defer o.wg.Done()
			healthSupervisor.Watch(runCtx, id, spec)
		}(id, *u.Health)
	}

	samplerSub := o.bus.Subscribe()
	unitIDs := make([]model.UnitID, 0, len(o.units))
	for id := range o.units {
		unitIDs = append(unitIDs, id)
	}
	smp := sampler.New(o.bus, &o.idGen, func() []model.UnitID { return unitIDs }, o.pidFor, o.log)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case env := <-samplerSub.Events():
				if env.Event.Kind == runtime.EventLogLine {
					smp.ObserveLog(env.Event.UnitID)
				}
			}
		}
	}()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		smp.Run(runCtx)
	}()
}

// launchEngine starts eng's Run loop once, scoped to the subgraph of
// units it owns (every unit whose effective kind is kind), and records
// its command channel under kind for routing.
func (o *Orchestrator) launchEngine(ctx context.Context, eng engine.Engine, kind model.UnitKind) {
	kindUnits := make(map[model.UnitID]model.Unit)
	for id, u := range o.units {
		if effectiveKind(u.Kind) == kind {
			kindUnits[id] = u
		}
	}
	graph := subgraph(o.state.Graph, kindUnits)
	ch := make(chan engine.EngineCommand, commandQueueCapacity)
	o.cmdChans[kind] = ch

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		eng.Run(ctx, ch, o.bus, graph, &o.idGen)
	}()
}

func effectiveKind(k model.UnitKind) model.UnitKind {
	if k == model.UnitKindDocker {
		return model.UnitKindDocker
	}
	return model.UnitKindProcess
}

func (o *Orchestrator) pidFor(id model.UnitID) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	node, ok := o.state.Graph.Nodes[id]
	if !ok || !node.Observed.Status.IsRunning() {
		return 0
	}
	return node.Observed.Metrics.PID
}

func (o *Orchestrator) runReducerLoop(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-sub.Events():
			o.mu.Lock()
			e := env
			runtime.Reduce(o.state, &e)
			o.mu.Unlock()
		}
	}
}

func subgraph(full *model.RuntimeGraph, units map[model.UnitID]model.Unit) *model.RuntimeGraph {
	g := model.NewRuntimeGraph()
	for id := range units {
		if n, ok := full.Nodes[id]; ok {
			g.Nodes[id] = n
		}
	}
	for _, e := range full.Edges {
		if _, okFrom := units[e.From]; okFrom {
			if _, okTo := units[e.To]; okTo {
				g.Edges = append(g.Edges, e)
			}
		}
	}
	return g
}

// Stop cancels every engine, the health supervisor, and the sampler,
// and waits for them to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) send(id model.UnitID, kind engine.CommandKind, argv []string) error {
	o.mu.RLock()
	uk, ok := o.unitKind[id]
	o.mu.RUnlock()
	if !ok {
		return &engine.Error{Kind: engine.ErrUnitNotFound, UnitID: id}
	}
	ch, ok := o.cmdChans[effectiveKind(uk)]
	if !ok {
		return &engine.Error{Kind: engine.ErrNotSupported, UnitID: id, Reason: string(uk)}
	}
	o.setDesired(id, kind)
	ch <- engine.EngineCommand{Kind: kind, UnitID: id, Argv: argv}
	return nil
}

// setDesired updates a node's operator-intent Desired state in response
// to an explicit user command. It is the only place Desired is written;
// engine-driven status transitions (crash, exit, health) never touch it.
func (o *Orchestrator) setDesired(id model.UnitID, kind engine.CommandKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	node, ok := o.state.Graph.Nodes[id]
	if !ok {
		return
	}
	switch kind {
	case engine.CmdStart, engine.CmdRestart:
		node.Desired = model.DesiredRunning
	case engine.CmdStop, engine.CmdKill:
		node.Desired = model.DesiredStopped
	case engine.CmdToggle:
		if node.Desired == model.DesiredRunning {
			node.Desired = model.DesiredStopped
		} else {
			node.Desired = model.DesiredRunning
		}
	}
}

// Start requests a unit start.
func (o *Orchestrator) StartUnit(id model.UnitID) error { return o.send(id, engine.CmdStart, nil) }

// StopUnit requests a graceful unit stop.
func (o *Orchestrator) StopUnit(id model.UnitID) error { return o.send(id, engine.CmdStop, nil) }

// RestartUnit requests a unit restart.
func (o *Orchestrator) RestartUnit(id model.UnitID) error { return o.send(id, engine.CmdRestart, nil) }

// KillUnit requests an immediate, non-graceful stop.
func (o *Orchestrator) KillUnit(id model.UnitID) error { return o.send(id, engine.CmdKill, nil) }

// ToggleUnit starts a stopped unit or stops a running one.
func (o *Orchestrator) ToggleUnit(id model.UnitID) error { return o.send(id, engine.CmdToggle, nil) }

// ClearUnitLogs drops a unit's log buffer.
func (o *Orchestrator) ClearUnitLogs(id model.UnitID) error { return o.send(id, engine.CmdClearLogs, nil) }

// Exec runs argv in the context of a unit's engine.
func (o *Orchestrator) Exec(id model.UnitID, argv []string) error { return o.send(id, engine.CmdExec, argv) }

// InstallUnit runs a unit's install steps independently of starting it.
func (o *Orchestrator) InstallUnit(id model.UnitID) error { return o.send(id, engine.CmdInstall, nil) }

// KillRun terminates an in-flight exec run by id.
func (o *Orchestrator) KillRun(id model.UnitID, runID string) error {
	o.mu.RLock()
	uk, ok := o.unitKind[id]
	o.mu.RUnlock()
	if !ok {
		return &engine.Error{Kind: engine.ErrUnitNotFound, UnitID: id}
	}
	ch, ok := o.cmdChans[effectiveKind(uk)]
	if !ok {
		return &engine.Error{Kind: engine.ErrNotSupported, UnitID: id, Reason: string(uk)}
	}
	ch <- engine.EngineCommand{Kind: engine.CmdKillRun, UnitID: id, RunID: runID}
	return nil
}

// StartAll explicitly (re-)starts every unit flagged autostart, in the
// manifest's topological start order. Engines already autostart these
// units themselves when Start brings them up; this is for a caller
// that wants to force a fresh start pass afterward (e.g. after a
// config reload) without touching units the operator left stopped.
func (o *Orchestrator) StartAll() error {
	o.mu.RLock()
	units := o.units
	o.mu.RUnlock()
	for _, name := range o.manifest.StartOrder() {
		id := model.UnitID(name)
		u, ok := units[id]
		if !ok || !u.Autostart {
			continue
		}
		if err := o.StartUnit(id); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a point-in-time copy of the runtime graph, safe to
// read without holding any lock afterward.
func (o *Orchestrator) Snapshot() *model.RuntimeGraph {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Graph.Clone()
}

// Logs returns the merged log buffer, or a single unit's buffer if id is non-empty.
func (o *Orchestrator) Logs(id model.UnitID) []runtime.LogLine {
	return o.LogsFiltered(id, logfilter.ModeAll)
}

// LogsFiltered is Logs narrowed to lines at or above mode's severity floor.
func (o *Orchestrator) LogsFiltered(id model.UnitID, mode logfilter.Mode) []runtime.LogLine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if id == "" {
		return append([]runtime.LogLine(nil), o.state.Logs.MergedFiltered(mode)...)
	}
	return append([]runtime.LogLine(nil), o.state.Logs.ForUnitFiltered(id, mode)...)
}

// Registry exposes the command palette for search-driven UIs/CLIs.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// LastEventID returns the most recently reduced envelope id, useful for
// callers polling for "has anything changed since I last looked".
func (o *Orchestrator) LastEventID() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.LastEventID
}

