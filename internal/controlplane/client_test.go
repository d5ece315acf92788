package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/powerhive/rig-agent/internal/telemetry"
)

func TestFetchFlightsheet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/rig-01/flightsheet", r.URL.Path)
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"miner_software": "xrig",
			"config": {"autosave": true, "cpu": {"threads": 4}},
			"schedules": {"enabled": true, "windows": [], "restarts": []}
		}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token-123", zaptest.NewLogger(t))

	sheet, err := client.FetchFlightsheet(context.Background(), "rig-01")
	require.NoError(t, err)
	assert.Equal(t, "xrig", sheet.MinerSoftware)
	assert.True(t, sheet.Schedule.Enabled)
	assert.Contains(t, string(sheet.Config), `"threads": 4`)
}

func TestFetchFlightsheetNotProvisioned(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown device", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t", zaptest.NewLogger(t))

	_, err := client.FetchFlightsheet(context.Background(), "rig-01")
	require.Error(t, err)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)

	// 4xx is a deliberate answer, never retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchFlightsheetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"miner_software": "xrig", "config": {}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t", zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sheet, err := client.FetchFlightsheet(ctx, "rig-01")
	require.NoError(t, err)
	assert.Equal(t, "xrig", sheet.MinerSoftware)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPushTelemetry(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/devices/rig-01/telemetry", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t", zaptest.NewLogger(t))
	pusher := client.ForDevice("rig-01")

	snap := &telemetry.External{
		Miner: telemetry.MinerSoftware{Name: "xrig", HashrateHS: 1200},
	}
	require.NoError(t, pusher.PushTelemetry(context.Background(), snap))
	assert.Contains(t, gotBody.Load().(string), `"hashrate_hs":1200`)
}

func TestPushTelemetryUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "t", zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := client.PushTelemetry(ctx, "rig-01", &telemetry.External{})
	assert.Error(t, err)
}
