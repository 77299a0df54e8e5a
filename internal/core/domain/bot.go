package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Bot Status
// =============================================================================

type BotStatus string

const (
	BotStatusStopped   BotStatus = "STOPPED"
	BotStatusDeploying BotStatus = "DEPLOYING"
	BotStatusBuilding  BotStatus = "BUILDING"
	BotStatusRunning   BotStatus = "RUNNING"
	BotStatusFailed    BotStatus = "FAILED"
)

// validBotTransitions defines the allowed status transitions. There is no
// terminal state; a bot is live until deleted.
var validBotTransitions = map[BotStatus][]BotStatus{
	BotStatusStopped:   {BotStatusDeploying, BotStatusRunning},
	BotStatusDeploying: {BotStatusBuilding, BotStatusRunning, BotStatusFailed, BotStatusStopped},
	BotStatusBuilding:  {BotStatusDeploying, BotStatusRunning, BotStatusFailed, BotStatusStopped},
	BotStatusRunning:   {BotStatusStopped, BotStatusDeploying, BotStatusRunning, BotStatusFailed},
	BotStatusFailed:    {BotStatusDeploying, BotStatusStopped, BotStatusRunning},
}

// ValidateBotTransition checks if a bot status transition is valid.
func ValidateBotTransition(from, to BotStatus) error {
	allowed, exists := validBotTransitions[from]
	if !exists {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Platform / Runtime / Source
// =============================================================================

type BotPlatform string

const (
	PlatformDiscord  BotPlatform = "DISCORD"
	PlatformTelegram BotPlatform = "TELEGRAM"
)

// ParseBotPlatform validates a platform string.
func ParseBotPlatform(s string) (BotPlatform, error) {
	switch BotPlatform(s) {
	case PlatformDiscord, PlatformTelegram:
		return BotPlatform(s), nil
	}
	return "", fmt.Errorf("%w: unknown bot platform %q", ErrInvalidInput, s)
}

type BotRuntime string

const (
	RuntimeNodeJS20  BotRuntime = "NODEJS_20"
	RuntimeNodeJS18  BotRuntime = "NODEJS_18"
	RuntimePython311 BotRuntime = "PYTHON_311"
	RuntimePython310 BotRuntime = "PYTHON_310"
)

// ParseBotRuntime validates a runtime string.
func ParseBotRuntime(s string) (BotRuntime, error) {
	switch BotRuntime(s) {
	case RuntimeNodeJS20, RuntimeNodeJS18, RuntimePython311, RuntimePython310:
		return BotRuntime(s), nil
	}
	return "", fmt.Errorf("%w: unknown bot runtime %q", ErrInvalidInput, s)
}

type BotSource string

const (
	SourceGitHub   BotSource = "GITHUB"
	SourceUpload   BotSource = "UPLOAD"
	SourceTemplate BotSource = "TEMPLATE"
)

// ParseBotSource validates a source string.
func ParseBotSource(s string) (BotSource, error) {
	switch BotSource(s) {
	case SourceGitHub, SourceUpload, SourceTemplate:
		return BotSource(s), nil
	}
	return "", fmt.Errorf("%w: unknown bot source %q", ErrInvalidInput, s)
}

// =============================================================================
// Bot
// =============================================================================

// Bot represents a hosted bot and its workload on the external platform.
// WorkloadID is empty until the remote workload has been created; a bot must
// never be RUNNING without one.
type Bot struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Platform       BotPlatform `json:"platform"`
	Runtime        BotRuntime  `json:"runtime"`
	Source         BotSource   `json:"source"`
	GitHubRepo     string      `json:"github_repo,omitempty"` // owner/repo
	GitHubBranch   string      `json:"github_branch,omitempty"`
	WorkloadID     string      `json:"workload_id,omitempty"`
	MemoryLimitMB  int         `json:"memory_limit_mb"`
	CPULimit       float64     `json:"cpu_limit"`
	Status         BotStatus   `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastStartedAt  *time.Time  `json:"last_started_at,omitempty"`
	LastDeployedAt *time.Time  `json:"last_deployed_at,omitempty"`
}

// BotSpec describes a bot to be created.
type BotSpec struct {
	UserID       string
	Name         string
	Description  string
	Platform     BotPlatform
	Runtime      BotRuntime
	Source       BotSource
	GitHubRepo   string
	GitHubBranch string
	EnvVars      []EnvEntry
}

// Validate checks the spec fields that the orchestrator relies on.
func (s BotSpec) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: bot name is required", ErrInvalidInput)
	}
	if _, err := ParseBotPlatform(string(s.Platform)); err != nil {
		return err
	}
	if _, err := ParseBotRuntime(string(s.Runtime)); err != nil {
		return err
	}
	if _, err := ParseBotSource(string(s.Source)); err != nil {
		return err
	}
	if s.Source == SourceGitHub && s.GitHubRepo == "" {
		return fmt.Errorf("%w: github source requires a repository", ErrInvalidInput)
	}
	return nil
}

// NewBot creates a bot record in STOPPED with no workload attached.
// Resource limits come from the owner's subscription tier.
func NewBot(spec BotSpec, limits TierLimits) (*Bot, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	branch := spec.GitHubBranch
	if spec.Source == SourceGitHub && branch == "" {
		branch = "main"
	}

	now := time.Now().UTC()
	return &Bot{
		ID:            "bot_" + uuid.New().String()[:8],
		UserID:        spec.UserID,
		Name:          strings.TrimSpace(spec.Name),
		Description:   spec.Description,
		Platform:      spec.Platform,
		Runtime:       spec.Runtime,
		Source:        spec.Source,
		GitHubRepo:    spec.GitHubRepo,
		GitHubBranch:  branch,
		MemoryLimitMB: limits.MemoryMB,
		CPULimit:      limits.CPUCores,
		Status:        BotStatusStopped,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Transition moves the bot to a new status, refreshing timestamps.
func (b *Bot) Transition(to BotStatus) error {
	if err := ValidateBotTransition(b.Status, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	b.Status = to
	b.UpdatedAt = now
	if to == BotStatusRunning {
		b.LastStartedAt = &now
	}
	if to == BotStatusDeploying {
		b.LastDeployedAt = &now
	}
	return nil
}
