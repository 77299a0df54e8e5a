package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "PENDING"
	DeploymentBuilding  DeploymentStatus = "BUILDING"
	DeploymentDeploying DeploymentStatus = "DEPLOYING"
	DeploymentSuccess   DeploymentStatus = "SUCCESS"
	DeploymentFailed    DeploymentStatus = "FAILED"
	DeploymentCanceled  DeploymentStatus = "CANCELED"
)

// =============================================================================
// Deployment
// =============================================================================

// Deployment is one deploy attempt for a bot. Deployments are append-only
// history; a row is only touched by the attempt that created it or by its
// terminal transition.
type Deployment struct {
	ID            string           `json:"id"`
	BotID         string           `json:"bot_id"`
	Status        DeploymentStatus `json:"status"`
	CommitSHA     string           `json:"commit_sha,omitempty"`
	CommitMessage string           `json:"commit_message,omitempty"`
	Logs          string           `json:"logs,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
}

// NewDeployment creates a pending deployment for a bot.
func NewDeployment(botID, commitSHA, commitMessage string) *Deployment {
	return &Deployment{
		ID:            "dep_" + uuid.New().String()[:8],
		BotID:         botID,
		Status:        DeploymentPending,
		CommitSHA:     commitSHA,
		CommitMessage: commitMessage,
		StartedAt:     time.Now().UTC(),
	}
}

// MarkDeploying advances the deployment once the platform accepted the
// trigger. Completion is observed later via status sync.
func (d *Deployment) MarkDeploying() {
	d.Status = DeploymentDeploying
}

// MarkSucceeded finishes the deployment successfully.
func (d *Deployment) MarkSucceeded() {
	now := time.Now().UTC()
	d.Status = DeploymentSuccess
	d.FinishedAt = &now
}

// MarkFailed finishes the deployment with the failure recorded as its log.
func (d *Deployment) MarkFailed(reason string) {
	now := time.Now().UTC()
	d.Status = DeploymentFailed
	d.Logs = reason
	d.FinishedAt = &now
}
