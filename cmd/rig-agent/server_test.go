package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/powerhive/rig-agent/internal/flightsheet"
	"github.com/powerhive/rig-agent/internal/journal"
	"github.com/powerhive/rig-agent/internal/probe"
	"github.com/powerhive/rig-agent/internal/supervisor"
	"github.com/powerhive/rig-agent/internal/telemetry"
	"github.com/powerhive/rig-agent/pkg/cache"
	"github.com/powerhive/rig-agent/pkg/minerapi"
)

type fakeProcess struct {
	pid   int
	alive bool
}

func (p *fakeProcess) PID() int         { return p.pid }
func (p *fakeProcess) Alive() bool      { return p.alive }
func (p *fakeProcess) Terminate() error { p.alive = false; return nil }
func (p *fakeProcess) Kill() error      { p.alive = false; return nil }

type fakeLauncher struct {
	launches int
}

func (l *fakeLauncher) Launch(cmd supervisor.Command) (supervisor.Process, error) {
	l.launches++
	return &fakeProcess{pid: 1000 + l.launches, alive: true}, nil
}

type errRunner struct{}

func (errRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return "", fmt.Errorf("%s: unavailable", name)
}

type testAgent struct {
	server   *Server
	sup      *supervisor.Supervisor
	journal  *journal.Journal
	launcher *fakeLauncher
}

func newTestAgent(t *testing.T, reconcileNow func(ctx context.Context) (flightsheet.Result, error)) *testAgent {
	t.Helper()

	logger := zaptest.NewLogger(t)

	jrnl, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	launcher := &fakeLauncher{}
	sup := supervisor.New(logger, launcher)
	sup.SetCommand(supervisor.Command{Path: "/fake/miner"})

	store, err := telemetry.OpenStore(t.TempDir(), logger)
	require.NoError(t, err)

	system := probe.NewSystem(errRunner{},
		probe.WithReadFile(func(string) ([]byte, error) { return nil, fmt.Errorf("unreadable") }),
		probe.WithGlob(func(string) ([]string, error) { return nil, nil }),
		probe.WithGetenv(func(string) string { return "" }),
	)
	network := probe.NewNetwork(errRunner{},
		cache.New[string, float64](8),
		cache.New[string, probe.TrafficSample](8),
		cache.New[string, string](1),
		probe.WithNetworkReadFile(func(string) ([]byte, error) { return nil, fmt.Errorf("unreadable") }),
	)
	detector := minerapi.NewDetector(
		[]minerapi.Endpoint{{Protocol: minerapi.ProtocolTCP, Host: "127.0.0.1", Port: 1}},
		minerapi.WithDetectTimeout(100*time.Millisecond),
	)
	collector := telemetry.NewCollector(logger, system, network, sup, detector, store)

	return &testAgent{
		server:   NewServer(logger, sup, collector, jrnl, reconcileNow),
		sup:      sup,
		journal:  jrnl,
		launcher: launcher,
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	agent := newTestAgent(t, nil)

	rec := doRequest(t, agent.server.Router(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestTelemetryNullBeforeFirstCycle(t *testing.T) {
	agent := newTestAgent(t, nil)

	rec := doRequest(t, agent.server.Router(), http.MethodGet, "/api/telemetry")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestEventsEmpty(t *testing.T) {
	agent := newTestAgent(t, nil)

	rec := doRequest(t, agent.server.Router(), http.MethodGet, "/api/events")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestEventsReturnsRecorded(t *testing.T) {
	agent := newTestAgent(t, nil)
	require.NoError(t, agent.journal.Record(context.Background(), journal.EventStart, "api start"))
	require.NoError(t, agent.journal.Record(context.Background(), journal.EventStop, "manual stop"))

	rec := doRequest(t, agent.server.Router(), http.MethodGet, "/api/events?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []journal.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, journal.EventStop, events[0].Kind, "newest first")
}

func TestMinerLifecycleOverHTTP(t *testing.T) {
	agent := newTestAgent(t, nil)
	router := agent.server.Router()

	rec := doRequest(t, router, http.MethodPost, "/miner/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StateRunning, agent.sup.Status().State)

	rec = doRequest(t, router, http.MethodGet, "/miner/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Status         supervisor.State `json:"status"`
		ShouldBeMining bool             `json:"should_be_mining"`
		PID            int              `json:"pid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, supervisor.StateRunning, status.Status)
	assert.True(t, status.ShouldBeMining)
	assert.NotZero(t, status.PID)

	rec = doRequest(t, router, http.MethodPost, "/miner/restart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, agent.launcher.launches)

	rec = doRequest(t, router, http.MethodPost, "/miner/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StateManuallyStopped, agent.sup.Status().State)
}

func TestStartWithoutCommandFails(t *testing.T) {
	agent := newTestAgent(t, nil)
	agent.sup.SetCommand(supervisor.Command{})

	rec := doRequest(t, agent.server.Router(), http.MethodPost, "/miner/start")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "no miner command")
}

func TestFlightsheetUpdateWithoutControlPlane(t *testing.T) {
	agent := newTestAgent(t, nil)

	rec := doRequest(t, agent.server.Router(), http.MethodPost, "/flightsheet/update")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFlightsheetUpdateTriggersReconcile(t *testing.T) {
	called := 0
	reconcile := func(ctx context.Context) (flightsheet.Result, error) {
		called++
		return flightsheet.Result{MinerSoftware: "xrig", Written: true, RestartRequired: true}, nil
	}
	agent := newTestAgent(t, reconcile)

	rec := doRequest(t, agent.server.Router(), http.MethodPost, "/flightsheet/update")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, called)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "xrig", body["miner_software"])
	assert.Equal(t, true, body["restart_required"])
}

func TestFlightsheetUpdateFetchFailure(t *testing.T) {
	reconcile := func(ctx context.Context) (flightsheet.Result, error) {
		return flightsheet.Result{}, fmt.Errorf("control plane unreachable")
	}
	agent := newTestAgent(t, reconcile)

	rec := doRequest(t, agent.server.Router(), http.MethodPost, "/flightsheet/update")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
