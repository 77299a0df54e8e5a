package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/artpar/bothive/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
}

func TestCreateWorkload(t *testing.T) {
	var gotPayload createWorkloadPayload
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/applications", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(map[string]string{"uuid": "wl-abc"})
	})

	id, err := c.CreateWorkload(context.Background(), CreateWorkloadRequest{
		Name:          "my-bot",
		Runtime:       domain.RuntimePython311,
		GitHubRepo:    "acme/my-bot",
		GitHubBranch:  "main",
		MemoryLimitMB: 256,
		CPULimit:      0.25,
	})
	require.NoError(t, err)
	assert.Equal(t, "wl-abc", id)
	assert.Equal(t, "256M", gotPayload.MemoryLimit)
	assert.Equal(t, "0.25", gotPayload.CPULimit)
	assert.Contains(t, gotPayload.Dockerfile, "FROM python:3.11-slim")
}

func TestCreateWorkload_NoID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := c.CreateWorkload(context.Background(), CreateWorkloadRequest{Name: "b"})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "CreateWorkload", gwErr.Op)
}

func TestLifecycleActions(t *testing.T) {
	var gotPaths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	require.NoError(t, c.Deploy(ctx, "wl-1"))
	require.NoError(t, c.Start(ctx, "wl-1"))
	require.NoError(t, c.Stop(ctx, "wl-1"))
	require.NoError(t, c.Restart(ctx, "wl-1"))
	require.NoError(t, c.Delete(ctx, "wl-1"))

	assert.Equal(t, []string{
		"POST /applications/wl-1/deploy",
		"POST /applications/wl-1/start",
		"POST /applications/wl-1/stop",
		"POST /applications/wl-1/restart",
		"DELETE /applications/wl-1",
	}, gotPaths)
}

func TestGatewayError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workload not found", http.StatusNotFound)
	})

	err := c.Start(context.Background(), "wl-missing")
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusNotFound, gwErr.StatusCode)
	assert.Contains(t, gwErr.Body, "workload not found")
}

func TestGetStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(WorkloadStatus{ID: "wl-1", Status: "running:healthy"})
	})

	st, err := c.GetStatus(context.Background(), "wl-1")
	require.NoError(t, err)
	assert.Equal(t, "running:healthy", st.Status)
}

func TestGetLogs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "200", r.URL.Query().Get("lines"))
		json.NewEncoder(w).Encode(map[string]string{"logs": "bot online\n"})
	})

	logs, err := c.GetLogs(context.Background(), "wl-1", 200)
	require.NoError(t, err)
	assert.Equal(t, "bot online\n", logs)
}

func TestBotStatusFromWorkload(t *testing.T) {
	tests := []struct {
		raw     string
		current domain.BotStatus
		want    domain.BotStatus
	}{
		{"running:healthy", domain.BotStatusDeploying, domain.BotStatusRunning},
		{"exited", domain.BotStatusRunning, domain.BotStatusStopped},
		{"building", domain.BotStatusDeploying, domain.BotStatusBuilding},
		{"restarting", domain.BotStatusRunning, domain.BotStatusDeploying},
		{"weird-status", domain.BotStatusRunning, domain.BotStatusRunning},
		{"", domain.BotStatusStopped, domain.BotStatusStopped},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BotStatusFromWorkload(tt.raw, tt.current), "raw=%q", tt.raw)
	}
}

func TestDockerfileForRuntime(t *testing.T) {
	assert.Contains(t, DockerfileForRuntime(domain.RuntimeNodeJS20), "node:20-alpine")
	assert.Contains(t, DockerfileForRuntime(domain.RuntimeNodeJS18), "node:18-alpine")
	assert.Contains(t, DockerfileForRuntime(domain.RuntimePython310), "python:3.10-slim")
}
