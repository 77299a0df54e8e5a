package store

import (
	"context"

	"github.com/artpar/bothive/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for Bothive entities.
type Store interface {
	// Bot operations
	CreateBot(ctx context.Context, bot *domain.Bot) error
	GetBot(ctx context.Context, id string) (*domain.Bot, error)
	GetBotByOwner(ctx context.Context, id, userID string) (*domain.Bot, error)
	GetBotByRepo(ctx context.Context, repo, branch string) (*domain.Bot, error)
	UpdateBot(ctx context.Context, bot *domain.Bot) error
	DeleteBot(ctx context.Context, id string) error
	ListBotsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Bot, error)
	ListBotsWithWorkload(ctx context.Context, opts ListOptions) ([]domain.Bot, error)
	CountBotsByUser(ctx context.Context, userID string) (int, error)

	// Deployment operations (append-only history per bot)
	CreateDeployment(ctx context.Context, dep *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, dep *domain.Deployment) error
	ListDeploymentsByBot(ctx context.Context, botID string, opts ListOptions) ([]domain.Deployment, error)

	// Env var operations ((bot_id, key) unique)
	UpsertEnvVar(ctx context.Context, v *domain.BotEnvVar) error
	ListEnvVarsByBot(ctx context.Context, botID string) ([]domain.BotEnvVar, error)

	// Subscription operations (one per user)
	EnsureSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	GetSubscriptionByUser(ctx context.Context, userID string) (*domain.Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 100, Offset: 0}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
