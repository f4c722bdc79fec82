// Package config loads an orkesy manifest (orkesy.yaml) from disk,
// validates its dependency graph, and converts it into the runtime
// model consumed by the rest of the module.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/orkesy/orkesy/pkg/model"
)

// manifestCandidates lists the file names searched for at each directory
// level during discovery, in priority order.
var manifestCandidates = []string{
	"orkesy.yaml",
	"orkesy.yml",
	".orkesy.yaml",
	".orkesy.yml",
}

// configEnvVar, when set, short-circuits discovery and names the manifest directly.
const configEnvVar = "ORKESY_CONFIG"

// ErrorKind classifies a config-loading failure for callers that branch on it.
type ErrorKind string

const (
	ErrIO                ErrorKind = "io"
	ErrYAML              ErrorKind = "yaml"
	ErrInvalidDependency ErrorKind = "invalid_dependency"
	ErrMissingCommand    ErrorKind = "missing_command"
	ErrCyclicDependency  ErrorKind = "cyclic_dependency"
	ErrNotFound          ErrorKind = "not_found"
)

// ConfigError is the error type returned by every function in this package.
type ConfigError struct {
	Kind    ErrorKind
	Service string
	Detail  string
	Cycle   []string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case ErrIO:
		return fmt.Sprintf("reading manifest: %v", e.Cause)
	case ErrYAML:
		return fmt.Sprintf("parsing manifest: %v", e.Cause)
	case ErrInvalidDependency:
		return fmt.Sprintf("service %q depends on undefined service %q", e.Service, e.Detail)
	case ErrMissingCommand:
		return fmt.Sprintf("service %q has no start command", e.Service)
	case ErrCyclicDependency:
		return fmt.Sprintf("cyclic dependency: %v", e.Cycle)
	case ErrNotFound:
		return fmt.Sprintf("no orkesy manifest found (searched: %s)", e.Detail)
	default:
		return e.Cause.Error()
	}
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// HealthCheckConfig is the YAML shape of a unit's health probe.
type HealthCheckConfig struct {
	Type       string `yaml:"type"`
	Port       int    `yaml:"port,omitempty"`
	URL        string `yaml:"url,omitempty"`
	Command    string `yaml:"command,omitempty"`
	IntervalMs uint64 `yaml:"interval_ms,omitempty"`
	TimeoutMs  uint64 `yaml:"timeout_ms,omitempty"`
}

// ServiceConfig is the YAML shape of a single manifest entry.
type ServiceConfig struct {
	Name           string            `yaml:"name,omitempty"`
	Command        []string          `yaml:"command"`
	Cwd            string            `yaml:"cwd,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Port           int               `yaml:"port,omitempty"`
	Kind           string            `yaml:"kind,omitempty"`
	Autostart      *bool             `yaml:"autostart,omitempty"`
	HealthCheck    *HealthCheckConfig `yaml:"health_check,omitempty"`
	DependsOn      []string          `yaml:"depends_on,omitempty"`
	Description    string            `yaml:"description,omitempty"`
	Stop           string            `yaml:"stop,omitempty"`
	RestartPolicy  string            `yaml:"restart,omitempty"`
	RestartDelayMs uint64            `yaml:"restart_delay_ms,omitempty"`
}

// Manifest is the top-level YAML document.
type Manifest struct {
	Name     string                   `yaml:"name,omitempty"`
	Services map[string]ServiceConfig `yaml:"services"`
}

// Parse unmarshals YAML bytes into a Manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ConfigError{Kind: ErrYAML, Cause: err}
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Kind: ErrIO, Cause: err}
	}
	return Parse(data)
}

// Discover locates a manifest: ORKESY_CONFIG wins outright if set, otherwise
// the directory tree starting at startDir is walked upward to the
// filesystem root checking each of manifestCandidates at every level.
func Discover(startDir string) (string, error) {
	if override := os.Getenv(configEnvVar); override != "" {
		return override, nil
	}

	dir := startDir
	for {
		for _, name := range manifestCandidates {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", &ConfigError{Kind: ErrNotFound, Detail: startDir}
}

// Validate checks that every depends_on reference resolves to a defined
// service, every service has a start command, and the dependency graph is
// acyclic.
func (m *Manifest) Validate() error {
	for name, svc := range m.Services {
		if len(svc.Command) == 0 {
			return &ConfigError{Kind: ErrMissingCommand, Service: name}
		}
		for _, dep := range svc.DependsOn {
			if _, ok := m.Services[dep]; !ok {
				return &ConfigError{Kind: ErrInvalidDependency, Service: name, Detail: dep}
			}
		}
	}
	return m.checkCycles()
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// checkCycles runs DFS three-coloring over the dependency graph and
// returns the closed cycle path (e.g. [a b c a]) if one is found.
func (m *Manifest) checkCycles() error {
	state := make(map[string]visitState, len(m.Services))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			cycle := append(append([]string(nil), path...), name)
			start := 0
			for i, n := range cycle {
				if n == name && i < len(cycle)-1 {
					start = i
					break
				}
			}
			return &ConfigError{Kind: ErrCyclicDependency, Cycle: cycle[start:]}
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range m.Services[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = visited
		return nil
	}

	for _, name := range sortedNames(m.Services) {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func sortedNames(services map[string]ServiceConfig) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartOrder returns service names in dependency order: every service
// appears after all of its transitive dependencies. Services are visited
// in ascending name order and each is placed right after its not yet
// placed dependencies (depth-first), so the result is deterministic but
// independent services are not ordered by name: with a depending on c
// and b independent, the order is c, a, b.
func (m *Manifest) StartOrder() []string {
	seen := make(map[string]bool, len(m.Services))
	var order []string

	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		for _, dep := range m.Services[name].DependsOn {
			visit(dep)
		}
		order = append(order, name)
	}

	for _, name := range sortedNames(m.Services) {
		visit(name)
	}
	return order
}

func mapKind(kind string) model.UnitKind {
	switch kind {
	case "docker", "container":
		return model.UnitKindDocker
	case "generic":
		return model.UnitKindGeneric
	default:
		return model.UnitKindProcess
	}
}

func mapStopBehavior(raw string) model.StopBehavior {
	switch raw {
	case "", "SIGINT", "sigint", "INT":
		return model.StopBehavior{Signal: model.StopSignalINT}
	case "SIGTERM", "sigterm", "TERM":
		return model.StopBehavior{Signal: model.StopSignalTERM}
	case "SIGKILL", "sigkill", "KILL":
		return model.StopBehavior{Signal: model.StopSignalKILL}
	default:
		return model.StopBehavior{Command: raw}
	}
}

func mapHealthCheck(raw *HealthCheckConfig) *model.HealthCheckSpec {
	if raw == nil {
		return nil
	}
	interval := raw.IntervalMs
	if interval == 0 {
		interval = 5000
	}
	spec := &model.HealthCheckSpec{
		Port:       raw.Port,
		URL:        raw.URL,
		Command:    raw.Command,
		IntervalMs: interval,
		TimeoutMs:  raw.TimeoutMs,
	}
	switch raw.Type {
	case "http":
		spec.Kind = model.HealthCheckHTTP
		if spec.TimeoutMs == 0 {
			spec.TimeoutMs = 2000
		}
	case "exec":
		spec.Kind = model.HealthCheckExec
	default:
		spec.Kind = model.HealthCheckTCP
		if spec.Port == 0 {
			spec.Port = 8000
		}
	}
	return spec
}

// ToUnits converts every service in the manifest into a runtime Unit,
// keyed by its manifest name.
func (m *Manifest) ToUnits() map[model.UnitID]model.Unit {
	units := make(map[model.UnitID]model.Unit, len(m.Services))
	for name, svc := range m.Services {
		autostart := true
		if svc.Autostart != nil {
			autostart = *svc.Autostart
		}
		units[model.UnitID(name)] = model.Unit{
			ID:          model.UnitID(name),
			Name:        svc.Name,
			Kind:        mapKind(svc.Kind),
			Cwd:         svc.Cwd,
			Env:         svc.Env,
			Start:       joinCommand(svc.Command),
			Stop:        mapStopBehavior(svc.Stop),
			Health:      mapHealthCheck(svc.HealthCheck),
			Description: svc.Description,
			Port:        svc.Port,
			Autostart:   autostart,
		}
	}
	return units
}

func joinCommand(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

// ToEdges produces the depends_on edge list for the manifest.
func (m *Manifest) ToEdges() []model.Edge {
	var edges []model.Edge
	for _, name := range sortedNames(m.Services) {
		for _, dep := range m.Services[name].DependsOn {
			edges = append(edges, model.Edge{From: model.UnitID(dep), To: model.UnitID(name), Kind: model.EdgeDependsOn})
		}
	}
	return edges
}

// ToGraph builds a RuntimeGraph from a validated manifest. Every node
// starts with ObservedState zero-valued (Status/Health Unknown) and its
// Desired state derived from the unit's Autostart flag; from then on
// Desired changes only in response to an explicit user command.
func (m *Manifest) ToGraph() *model.RuntimeGraph {
	g := model.NewRuntimeGraph()
	for id, u := range m.ToUnits() {
		desired := model.DesiredStopped
		if u.Autostart {
			desired = model.DesiredRunning
		}
		g.Nodes[id] = &model.Node{Unit: u, Desired: desired}
	}
	g.Edges = m.ToEdges()
	return g
}
