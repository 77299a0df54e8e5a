package api

import "time"

// =============================================================================
// Request Types
// =============================================================================

// CreateBotRequest is the request body for creating a bot.
type CreateBotRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Platform     string          `json:"platform"`
	Runtime      string          `json:"runtime"`
	Source       string          `json:"source"`
	GitHubRepo   string          `json:"github_repo,omitempty"`
	GitHubBranch string          `json:"github_branch,omitempty"`
	EnvVars      []EnvVarRequest `json:"env_vars,omitempty"`
}

// EnvVarRequest represents an env var in a request. Secret is an explicit
// override; when absent the key heuristic decides.
type EnvVarRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret *bool  `json:"secret,omitempty"`
}

// UpdateEnvVarsRequest is the request body for updating env vars.
type UpdateEnvVarsRequest struct {
	EnvVars []EnvVarRequest `json:"env_vars"`
}

// UpdateGitSettingsRequest is the request body for repointing a bot's source.
type UpdateGitSettingsRequest struct {
	GitHubRepo   string `json:"github_repo"`
	GitHubBranch string `json:"github_branch,omitempty"`
}

// CheckoutRequest is the request body for opening a checkout session.
type CheckoutRequest struct {
	Tier string `json:"tier"`
}

// =============================================================================
// Response Types
// =============================================================================

// BotResponse is the response for bot operations.
type BotResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Platform       string     `json:"platform"`
	Runtime        string     `json:"runtime"`
	Source         string     `json:"source"`
	GitHubRepo     string     `json:"github_repo,omitempty"`
	GitHubBranch   string     `json:"github_branch,omitempty"`
	MemoryLimitMB  int        `json:"memory_limit_mb"`
	CPULimit       float64    `json:"cpu_limit"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastDeployedAt *time.Time `json:"last_deployed_at,omitempty"`
}

// ListBotsResponse is the response for listing bots.
type ListBotsResponse struct {
	Bots   []BotResponse `json:"bots"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// DeploymentResponse is the response for deployment operations.
type DeploymentResponse struct {
	ID            string     `json:"id"`
	BotID         string     `json:"bot_id"`
	Status        string     `json:"status"`
	CommitSHA     string     `json:"commit_sha,omitempty"`
	CommitMessage string     `json:"commit_message,omitempty"`
	Logs          string     `json:"logs,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ListDeploymentsResponse is the response for listing deployments.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
}

// EnvVarResponse represents an env var in a response. Secret values are
// always masked.
type EnvVarResponse struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsSecret bool   `json:"is_secret"`
}

// ListEnvVarsResponse is the response for listing env vars.
type ListEnvVarsResponse struct {
	EnvVars []EnvVarResponse `json:"env_vars"`
}

// LogsResponse is the response for fetching bot logs.
type LogsResponse struct {
	Logs string `json:"logs"`
}

// SubscriptionResponse is the response for subscription reads.
type SubscriptionResponse struct {
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	BotLimit          int        `json:"bot_limit"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	HasBillingAccount bool       `json:"has_billing_account"`
}

// SessionResponse carries a hosted billing page URL.
type SessionResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}
