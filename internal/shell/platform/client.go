// Package platform provides a client for the external container hosting
// platform that runs bot workloads. Bothive never touches containers
// directly; everything goes through this API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Client is the hosting platform gateway used by the orchestrator.
type Client interface {
	CreateWorkload(ctx context.Context, req CreateWorkloadRequest) (string, error)
	Deploy(ctx context.Context, workloadID string) error
	Start(ctx context.Context, workloadID string) error
	Stop(ctx context.Context, workloadID string) error
	Restart(ctx context.Context, workloadID string) error
	Delete(ctx context.Context, workloadID string) error
	SetEnvVars(ctx context.Context, workloadID string, vars []EnvVar) error
	SetResourceLimits(ctx context.Context, workloadID string, memoryMB int, cpuCores float64) error
	UpdateGitSettings(ctx context.Context, workloadID, repo, branch string) error
	GetStatus(ctx context.Context, workloadID string) (*WorkloadStatus, error)
	GetLogs(ctx context.Context, workloadID string, lines int) (string, error)
}

// =============================================================================
// HTTP Client
// =============================================================================

// HTTPClient implements Client against the platform's HTTP API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds platform client configuration.
type Config struct {
	BaseURL string // Platform API base URL, e.g. "http://localhost:8000/api/v1"
	APIKey  string // Bearer token for authentication
	Timeout time.Duration
}

// NewHTTPClient creates a new platform client.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

var _ Client = (*HTTPClient)(nil)

// =============================================================================
// Workload Operations
// =============================================================================

type createWorkloadPayload struct {
	Name          string   `json:"name"`
	GitRepository string   `json:"git_repository,omitempty"`
	GitBranch     string   `json:"git_branch,omitempty"`
	Dockerfile    string   `json:"dockerfile"`
	MemoryLimit   string   `json:"limits_memory"`
	CPULimit      string   `json:"limits_cpus"`
	EnvVars       []EnvVar `json:"env_vars,omitempty"`
}

type createWorkloadResponse struct {
	UUID string `json:"uuid"`
}

// CreateWorkload provisions a workload and returns its platform ID. The
// workload is created stopped; a separate Deploy call builds and starts it.
func (c *HTTPClient) CreateWorkload(ctx context.Context, req CreateWorkloadRequest) (string, error) {
	payload := createWorkloadPayload{
		Name:          req.Name,
		GitRepository: req.GitHubRepo,
		GitBranch:     req.GitHubBranch,
		Dockerfile:    DockerfileForRuntime(req.Runtime),
		MemoryLimit:   fmt.Sprintf("%dM", req.MemoryLimitMB),
		CPULimit:      strconv.FormatFloat(req.CPULimit, 'f', -1, 64),
		EnvVars:       req.EnvVars,
	}

	var result createWorkloadResponse
	if err := c.do(ctx, "CreateWorkload", http.MethodPost, "/applications", payload, &result); err != nil {
		return "", err
	}
	if result.UUID == "" {
		return "", &GatewayError{Op: "CreateWorkload", Body: "platform returned no workload id"}
	}

	c.logger.Info("workload created", "workload_id", result.UUID, "name", req.Name)
	return result.UUID, nil
}

// Deploy triggers a build-and-deploy of the workload's current source.
func (c *HTTPClient) Deploy(ctx context.Context, workloadID string) error {
	return c.do(ctx, "Deploy", http.MethodPost, "/applications/"+workloadID+"/deploy", nil, nil)
}

// Start starts a stopped workload.
func (c *HTTPClient) Start(ctx context.Context, workloadID string) error {
	return c.do(ctx, "Start", http.MethodPost, "/applications/"+workloadID+"/start", nil, nil)
}

// Stop stops a running workload.
func (c *HTTPClient) Stop(ctx context.Context, workloadID string) error {
	return c.do(ctx, "Stop", http.MethodPost, "/applications/"+workloadID+"/stop", nil, nil)
}

// Restart restarts a workload.
func (c *HTTPClient) Restart(ctx context.Context, workloadID string) error {
	return c.do(ctx, "Restart", http.MethodPost, "/applications/"+workloadID+"/restart", nil, nil)
}

// Delete removes the workload and its resources from the platform.
func (c *HTTPClient) Delete(ctx context.Context, workloadID string) error {
	return c.do(ctx, "Delete", http.MethodDelete, "/applications/"+workloadID, nil, nil)
}

// SetEnvVars replaces the workload's environment. Takes effect on the next
// deploy or restart.
func (c *HTTPClient) SetEnvVars(ctx context.Context, workloadID string, vars []EnvVar) error {
	payload := map[string]any{"env_vars": vars}
	return c.do(ctx, "SetEnvVars", http.MethodPatch, "/applications/"+workloadID+"/envs", payload, nil)
}

// SetResourceLimits pushes memory and CPU limits to the workload.
func (c *HTTPClient) SetResourceLimits(ctx context.Context, workloadID string, memoryMB int, cpuCores float64) error {
	payload := map[string]any{
		"limits_memory": fmt.Sprintf("%dM", memoryMB),
		"limits_cpus":   strconv.FormatFloat(cpuCores, 'f', -1, 64),
	}
	return c.do(ctx, "SetResourceLimits", http.MethodPatch, "/applications/"+workloadID, payload, nil)
}

// UpdateGitSettings points the workload at a different repository or branch.
func (c *HTTPClient) UpdateGitSettings(ctx context.Context, workloadID, repo, branch string) error {
	payload := map[string]any{
		"git_repository": repo,
		"git_branch":     branch,
	}
	return c.do(ctx, "UpdateGitSettings", http.MethodPatch, "/applications/"+workloadID, payload, nil)
}

// GetStatus fetches the workload's current status.
func (c *HTTPClient) GetStatus(ctx context.Context, workloadID string) (*WorkloadStatus, error) {
	var result WorkloadStatus
	if err := c.do(ctx, "GetStatus", http.MethodGet, "/applications/"+workloadID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type logsResponse struct {
	Logs string `json:"logs"`
}

// GetLogs fetches the last lines of workload output.
func (c *HTTPClient) GetLogs(ctx context.Context, workloadID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	var result logsResponse
	path := fmt.Sprintf("/applications/%s/logs?lines=%d", workloadID, lines)
	if err := c.do(ctx, "GetLogs", http.MethodGet, path, nil, &result); err != nil {
		return "", err
	}
	return result.Logs, nil
}

// =============================================================================
// Helper Methods
// =============================================================================

func (c *HTTPClient) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Op: op, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}
