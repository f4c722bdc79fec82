package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkesy/orkesy/pkg/bus"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/runtime"
)

func TestTCPCheckerSucceedsAgainstOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	health, _ := TCPChecker{Addr: ln.Addr().String()}.Check(context.Background())
	assert.Equal(t, model.HealthHealthy, health)
}

func TestTCPCheckerFailsUnhealthyNotDegraded(t *testing.T) {
	health, reason := TCPChecker{Addr: "127.0.0.1:1"}.Check(context.Background())
	assert.Equal(t, model.HealthUnhealthy, health)
	assert.NotEmpty(t, reason)
}

func TestHTTPCheckerBadStatusIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	health, reason := HTTPChecker{URL: srv.URL}.Check(context.Background())
	assert.Equal(t, model.HealthDegraded, health)
	assert.Contains(t, reason, "503")
}

func TestHTTPCheckerTransportErrorIsUnhealthy(t *testing.T) {
	health, reason := HTTPChecker{URL: "http://127.0.0.1:1"}.Check(context.Background())
	assert.Equal(t, model.HealthUnhealthy, health)
	assert.NotEmpty(t, reason)
}

func TestExecCheckerUsesExitCode(t *testing.T) {
	health, _ := ExecChecker{Command: "true"}.Check(context.Background())
	assert.Equal(t, model.HealthHealthy, health)

	health, reason := ExecChecker{Command: "false"}.Check(context.Background())
	assert.Equal(t, model.HealthUnhealthy, health)
	assert.Contains(t, reason, "exit code")
}

// TestSupervisorEmitsEveryTickNotOnlyOnChange locks in scenario S6: a
// probe that stays degraded for three consecutive ticks must produce
// three HealthChanged{degraded} events, not one.
func TestSupervisorEmitsEveryTickNotOnlyOnChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := bus.New(100)
	sub := b.Subscribe()
	var idGen runtime.IDGenerator

	spec := model.HealthCheckSpec{Kind: model.HealthCheckHTTP, URL: srv.URL, IntervalMs: 20}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSupervisor(b, &idGen).Watch(ctx, "api", spec)

	degradedSeen := 0
	deadline := time.After(2 * time.Second)
	for degradedSeen < 3 {
		select {
		case env := <-sub.Events():
			if env.Event.Kind != runtime.EventHealthChanged {
				continue
			}
			require.Equal(t, model.HealthDegraded, env.Event.Health)
			degradedSeen++
		case <-deadline:
			t.Fatalf("timed out waiting for 3 degraded ticks, saw %d", degradedSeen)
		}
	}
}

func TestSupervisorTCPHasNoDegradedState(t *testing.T) {
	b := bus.New(100)
	sub := b.Subscribe()
	var idGen runtime.IDGenerator

	spec := model.HealthCheckSpec{Kind: model.HealthCheckTCP, Port: 1, IntervalMs: 20}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSupervisor(b, &idGen).Watch(ctx, "api", spec)

	deadline := time.After(2 * time.Second)
	select {
	case env := <-sub.Events():
		require.Equal(t, runtime.EventHealthChanged, env.Event.Kind)
		assert.Equal(t, model.HealthUnhealthy, env.Event.Health)
	case <-deadline:
		t.Fatal("timed out waiting for health tick")
	}
}
