package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEvaluateReadyWhenAllHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(CheckFunc{ComponentName: "redis", IsCritical: true, Probe: func(ctx context.Context) error { return nil }})
	m.Register(CheckFunc{ComponentName: "postgres", IsCritical: false, Probe: func(ctx context.Context) error { return nil }})

	report := m.Evaluate(context.Background())

	assert.True(t, report.Ready)
	require.Len(t, report.Checks, 2)
	assert.True(t, report.Checks[0].Healthy)
}

func TestEvaluateCriticalFailureBlocksReadiness(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(CheckFunc{ComponentName: "redis", IsCritical: true, Probe: func(ctx context.Context) error {
		return errors.New("connection refused")
	}})

	report := m.Evaluate(context.Background())

	assert.False(t, report.Ready)
	assert.Equal(t, "connection refused", report.Checks[0].Error)
}

func TestEvaluateNonCriticalFailureKeepsReady(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(CheckFunc{ComponentName: "postgres", IsCritical: false, Probe: func(ctx context.Context) error {
		return errors.New("down")
	}})

	report := m.Evaluate(context.Background())

	assert.True(t, report.Ready)
	assert.False(t, report.Checks[0].Healthy)
}

func TestHandlerEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	failing := errors.New("redis down")
	var fail bool
	m.Register(CheckFunc{ComponentName: "redis", IsCritical: true, Probe: func(ctx context.Context) error {
		if fail {
			return failing
		}
		return nil
	}})
	mux := http.NewServeMux()
	NewHandler(m).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	fail = true
	resp, err = srv.Client().Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.False(t, report.Ready)
}
