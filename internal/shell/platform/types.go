package platform

import (
	"fmt"

	"github.com/artpar/bothive/internal/core/domain"
)

// =============================================================================
// Gateway Error
// =============================================================================

// GatewayError is returned when the hosting platform rejects or fails a call.
// It preserves the HTTP status and response body for diagnosis.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("platform %s: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("platform %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// =============================================================================
// Workload Types
// =============================================================================

// EnvVar is a key/value pair pushed to the workload environment.
type EnvVar struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"is_secret"`
}

// CreateWorkloadRequest describes a new workload on the hosting platform.
type CreateWorkloadRequest struct {
	Name          string
	Runtime       domain.BotRuntime
	GitHubRepo    string // owner/repo, empty for non-git sources
	GitHubBranch  string
	MemoryLimitMB int
	CPULimit      float64
	EnvVars       []EnvVar
}

// WorkloadStatus is the raw status reported by the platform for a workload.
type WorkloadStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"` // e.g. "running:healthy", "exited", "building"
}

// =============================================================================
// Status Mapping
// =============================================================================

// BotStatusFromWorkload maps a raw platform status onto the bot status enum.
// Unrecognized statuses leave the current status unchanged; the sync loop
// must never invent a state the platform did not report.
func BotStatusFromWorkload(raw string, current domain.BotStatus) domain.BotStatus {
	switch {
	case hasPrefix(raw, "running"):
		return domain.BotStatusRunning
	case hasPrefix(raw, "exited"), hasPrefix(raw, "stopped"):
		return domain.BotStatusStopped
	case hasPrefix(raw, "building"):
		return domain.BotStatusBuilding
	case hasPrefix(raw, "deploying"), hasPrefix(raw, "restarting"):
		return domain.BotStatusDeploying
	default:
		return current
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// =============================================================================
// Dockerfile Generation
// =============================================================================

// DockerfileForRuntime returns the build recipe pushed to the platform for a
// runtime. Bots bring their own code; the platform builds the image.
func DockerfileForRuntime(runtime domain.BotRuntime) string {
	switch runtime {
	case domain.RuntimeNodeJS20:
		return nodeDockerfile("20")
	case domain.RuntimeNodeJS18:
		return nodeDockerfile("18")
	case domain.RuntimePython311:
		return pythonDockerfile("3.11")
	case domain.RuntimePython310:
		return pythonDockerfile("3.10")
	default:
		return nodeDockerfile("20")
	}
}

func nodeDockerfile(version string) string {
	return fmt.Sprintf(`FROM node:%s-alpine
WORKDIR /app
COPY package*.json ./
RUN npm install --omit=dev
COPY . .
CMD ["npm", "start"]
`, version)
}

func pythonDockerfile(version string) string {
	return fmt.Sprintf(`FROM python:%s-slim
WORKDIR /app
COPY requirements.txt ./
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
CMD ["python", "main.py"]
`, version)
}
