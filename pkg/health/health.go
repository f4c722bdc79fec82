// Package health runs periodic TCP, HTTP, and exec probes against units
// that declare a health check, translating each result into a
// HealthChanged event. Unlike a readiness gate, each tick runs exactly
// one probe attempt; a single failed attempt is reported as-is rather
// than retried until a deadline.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/orkesy/orkesy/pkg/bus"
	"github.com/orkesy/orkesy/pkg/engine"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/runtime"
)

// probeTimeout bounds a single check attempt regardless of the unit's
// configured interval, so one hung probe can't starve the others.
const probeTimeout = 2 * time.Second

// Checker runs one probe attempt and reports the resulting health
// value directly, along with a reason used for Degraded/Unhealthy
// messages. Unlike a plain pass/fail boolean, each Checker decides for
// itself whether a given failure is Degraded or Unhealthy, since that
// distinction is probe-kind-specific (a bad HTTP status is a lesser
// failure than a TCP connect refusal).
type Checker interface {
	Check(ctx context.Context) (health model.Health, reason string)
}

// TCPChecker succeeds if it can open a connection to the given port.
// There is no Degraded state for TCP: a connection either succeeds or
// the unit is Unhealthy.
type TCPChecker struct {
	Addr string
}

func (c TCPChecker) Check(ctx context.Context) (model.Health, string) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return model.HealthUnhealthy, "connection timeout"
		}
		return model.HealthUnhealthy, err.Error()
	}
	_ = conn.Close()
	return model.HealthHealthy, ""
}

// HTTPChecker succeeds on any 2xx response from URL. A non-2xx status
// is Degraded (the server answered, just not happily); a transport
// error or timeout is Unhealthy (the server didn't answer at all).
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

func (c HTTPChecker) Check(ctx context.Context) (model.Health, string) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return model.HealthUnhealthy, err.Error()
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return model.HealthUnhealthy, "timeout"
		}
		return model.HealthUnhealthy, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.HealthDegraded, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return model.HealthHealthy, ""
}

// ExecChecker succeeds if command exits zero. Any nonzero exit or
// spawn failure is Unhealthy; there is no Degraded state for exec
// probes.
type ExecChecker struct {
	Command string
}

func (c ExecChecker) Check(ctx context.Context) (model.Health, string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	err := cmd.Run()
	if err == nil {
		return model.HealthHealthy, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return model.HealthUnhealthy, fmt.Sprintf("exit code: %d", exitErr.ExitCode())
	}
	return model.HealthUnhealthy, err.Error()
}

// NewChecker builds the Checker described by a unit's health spec.
func NewChecker(spec model.HealthCheckSpec) Checker {
	switch spec.Kind {
	case model.HealthCheckHTTP:
		timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = probeTimeout
		}
		return HTTPChecker{URL: spec.URL, Client: &http.Client{Timeout: timeout}}
	case model.HealthCheckExec:
		return ExecChecker{Command: spec.Command}
	default:
		return TCPChecker{Addr: fmt.Sprintf("127.0.0.1:%d", spec.Port)}
	}
}

// Supervisor publishes HealthChanged events for the units passed to
// Watch. The caller runs one Watch per health-checked unit, each in its
// own goroutine ticking at that unit's configured interval and
// returning when its context is canceled.
type Supervisor struct {
	events *bus.Bus
	idGen  engine.IDGenerator
}

// NewSupervisor returns a Supervisor publishing HealthChanged events onto events.
func NewSupervisor(events *bus.Bus, idGen engine.IDGenerator) *Supervisor {
	return &Supervisor{events: events, idGen: idGen}
}

// Watch starts probing unit at its configured interval until ctx is
// canceled. Every tick's outcome is published as HealthChanged,
// whether or not it differs from the previous tick — a steadily
// unhealthy unit re-reports unhealthy on every interval, since the
// reducer treats health as an idempotent snapshot, not an edge.
func (s *Supervisor) Watch(ctx context.Context, id model.UnitID, spec model.HealthCheckSpec) {
	interval := time.Duration(spec.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	checker := NewChecker(spec)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			health, reason := checker.Check(probeCtx)
			cancel()

			s.events.Publish(runtime.EventEnvelope{
				ID: s.idGen.Next(), At: time.Now(),
				Event: runtime.Event{Kind: runtime.EventHealthChanged, UnitID: id, Health: health, Message: reason},
			})
		}
	}
}
