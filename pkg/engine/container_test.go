package engine

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkesy/orkesy/pkg/bus"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/runtime"
)

// fakeRuntime is an in-memory ContainerRuntime double for engine tests,
// standing in for a Docker daemon the way orkesy-cli's fake engine
// stands in for a real one.
type fakeRuntime struct {
	mu       sync.Mutex
	created  map[string]model.Unit
	started  map[string]bool
	stopped  map[string]bool
	removed  map[string]bool
	waitExit map[string]chan int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		created:  make(map[string]model.Unit),
		started:  make(map[string]bool),
		stopped:  make(map[string]bool),
		removed:  make(map[string]bool),
		waitExit: make(map[string]chan int),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, name string, unit model.Unit) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[name] = unit
	f.waitExit[name] = make(chan int, 1)
	return name, nil
}

func (f *fakeRuntime) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[containerID] = true
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[containerID] = true
	select {
	case f.waitExit[containerID] <- 0:
	default:
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[containerID] = true
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("container booted\n")), nil
}

func (f *fakeRuntime) Wait(ctx context.Context, containerID string) (int, error) {
	f.mu.Lock()
	ch := f.waitExit[containerID]
	f.mu.Unlock()
	code := <-ch
	return code, nil
}

func TestContainerEngineNamesContainerWithOrkesyPrefix(t *testing.T) {
	units := map[model.UnitID]model.Unit{
		"db": {ID: "db", Start: "postgres:16", Kind: model.UnitKindDocker, Autostart: true},
	}
	rt := newFakeRuntime()
	eng := NewContainerEngine(units, rt, nil)
	b := bus.New(100)
	sub := b.Subscribe()
	var idGen runtime.IDGenerator

	graph := model.NewRuntimeGraph()
	graph.Nodes["db"] = &model.Node{Unit: units["db"]}

	ctx, cancel := context.WithCancel(context.Background())
	cmdCh := make(chan EngineCommand)
	go eng.Run(ctx, cmdCh, b, graph, &idGen)

	drainUntil(t, sub, time.Second, func(e runtime.Event) bool {
		return e.Kind == runtime.EventStatusChanged && e.Status == model.StatusRunning
	})

	rt.mu.Lock()
	_, ok := rt.created["orkesy-db"]
	rt.mu.Unlock()
	assert.True(t, ok)

	cancel()
}

func TestContainerEngineStopRemovesContainer(t *testing.T) {
	units := map[model.UnitID]model.Unit{
		"db": {ID: "db", Start: "postgres:16", Kind: model.UnitKindDocker, Autostart: true},
	}
	rt := newFakeRuntime()
	eng := NewContainerEngine(units, rt, nil)
	b := bus.New(100)
	sub := b.Subscribe()
	var idGen runtime.IDGenerator

	graph := model.NewRuntimeGraph()
	graph.Nodes["db"] = &model.Node{Unit: units["db"]}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmdCh := make(chan EngineCommand)
	go eng.Run(ctx, cmdCh, b, graph, &idGen)

	drainUntil(t, sub, time.Second, func(e runtime.Event) bool {
		return e.Kind == runtime.EventStatusChanged && e.Status == model.StatusRunning
	})

	cmdCh <- EngineCommand{Kind: CmdStop, UnitID: "db"}

	drainUntil(t, sub, time.Second, func(e runtime.Event) bool {
		return e.Kind == runtime.EventStatusChanged && e.Status == model.StatusStopped
	})

	rt.mu.Lock()
	stopped := rt.stopped["orkesy-db"]
	removed := rt.removed["orkesy-db"]
	rt.mu.Unlock()
	require.True(t, stopped)
	require.True(t, removed)
}
