package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name       string
		checks     []*HealthCheck
		wantStatus HealthStatus
	}{
		{
			name:       "no checks",
			wantStatus: HealthStatusHealthy,
		},
		{
			name:       "store up",
			checks:     []*HealthCheck{StoreCheck(func(context.Context) error { return nil })},
			wantStatus: HealthStatusHealthy,
		},
		{
			name: "backend down degrades",
			checks: []*HealthCheck{
				StoreCheck(func(context.Context) error { return nil }),
				BackendCheck(func(context.Context) error { return errors.New("refused") }),
			},
			wantStatus: HealthStatusDegraded,
		},
		{
			name:       "store down is unhealthy",
			checks:     []*HealthCheck{StoreCheck(func(context.Context) error { return errors.New("closed") })},
			wantStatus: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Timeout:  10 * time.Millisecond,
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestServer_Routes(t *testing.T) {
	InitMetrics()
	RecordTurn("success", time.Second)
	RecordStreamEvent("text")
	RecordStoreWrite("create", nil, time.Millisecond)

	hc := NewHealthChecker()
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return errors.New("closed") }))
	srv := httptest.NewServer(NewServer(0, hc).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, HealthStatusUnhealthy, body.Status)
	assert.Equal(t, "closed", body.Checks["chatlog"].Message)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "quantchat_turns_total")
	assert.Contains(t, buf.String(), "quantchat_stream_events_total")
}

func TestHealthChecker_Session(t *testing.T) {
	last := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	hc := NewHealthChecker()
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return nil }))
	hc.SetSession(func(context.Context) (SessionReport, error) {
		return SessionReport{
			Store:        "sqlite",
			Session:      "s1",
			Messages:     3,
			LastTurn:     TurnFailed,
			LastActivity: &last,
		}, nil
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "sqlite", resp.Session.Store)
	assert.Equal(t, TurnFailed, resp.Session.LastTurn)
	assert.NotContains(t, resp.Checks, "session")

	srv := httptest.NewServer(NewServer(0, hc).Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ready", "session": "s1", "last_turn": "failed"}, body)
}

func TestHealthChecker_SessionUnreadable(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetSession(func(context.Context) (SessionReport, error) {
		return SessionReport{}, errors.New("list failed")
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Nil(t, resp.Session)
	assert.Equal(t, "list failed", resp.Checks["session"].Message)
}

func TestHealthChecker_RegisterReplaces(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return errors.New("closed") }))
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}
