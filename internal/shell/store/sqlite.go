package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/bothive/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Time Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// =============================================================================
// Bot Operations
// =============================================================================

// botRow represents a bot row in the database.
type botRow struct {
	ID             string  `db:"id"`
	UserID         string  `db:"user_id"`
	Name           string  `db:"name"`
	Description    string  `db:"description"`
	Platform       string  `db:"platform"`
	Runtime        string  `db:"runtime"`
	Source         string  `db:"source"`
	GitHubRepo     string  `db:"github_repo"`
	GitHubBranch   string  `db:"github_branch"`
	WorkloadID     string  `db:"workload_id"`
	MemoryLimitMB  int     `db:"memory_limit_mb"`
	CPULimit       float64 `db:"cpu_limit"`
	Status         string  `db:"status"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	LastStartedAt  *string `db:"last_started_at"`
	LastDeployedAt *string `db:"last_deployed_at"`
}

func rowToBot(r *botRow) *domain.Bot {
	return &domain.Bot{
		ID:             r.ID,
		UserID:         r.UserID,
		Name:           r.Name,
		Description:    r.Description,
		Platform:       domain.BotPlatform(r.Platform),
		Runtime:        domain.BotRuntime(r.Runtime),
		Source:         domain.BotSource(r.Source),
		GitHubRepo:     r.GitHubRepo,
		GitHubBranch:   r.GitHubBranch,
		WorkloadID:     r.WorkloadID,
		MemoryLimitMB:  r.MemoryLimitMB,
		CPULimit:       r.CPULimit,
		Status:         domain.BotStatus(r.Status),
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
		LastStartedAt:  parseTimePtr(r.LastStartedAt),
		LastDeployedAt: parseTimePtr(r.LastDeployedAt),
	}
}

func botToArgs(b *domain.Bot) map[string]any {
	return map[string]any{
		"id":               b.ID,
		"user_id":          b.UserID,
		"name":             b.Name,
		"description":      b.Description,
		"platform":         string(b.Platform),
		"runtime":          string(b.Runtime),
		"source":           string(b.Source),
		"github_repo":      b.GitHubRepo,
		"github_branch":    b.GitHubBranch,
		"workload_id":      b.WorkloadID,
		"memory_limit_mb":  b.MemoryLimitMB,
		"cpu_limit":        b.CPULimit,
		"status":           string(b.Status),
		"created_at":       formatTime(b.CreatedAt),
		"updated_at":       formatTime(b.UpdatedAt),
		"last_started_at":  formatTimePtr(b.LastStartedAt),
		"last_deployed_at": formatTimePtr(b.LastDeployedAt),
	}
}

func (s *SQLiteStore) CreateBot(ctx context.Context, bot *domain.Bot) error {
	return createBot(ctx, s.db, bot)
}

func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*domain.Bot, error) {
	return getBot(ctx, s.db, id)
}

func (s *SQLiteStore) GetBotByOwner(ctx context.Context, id, userID string) (*domain.Bot, error) {
	return getBotByOwner(ctx, s.db, id, userID)
}

func (s *SQLiteStore) GetBotByRepo(ctx context.Context, repo, branch string) (*domain.Bot, error) {
	return getBotByRepo(ctx, s.db, repo, branch)
}

func (s *SQLiteStore) UpdateBot(ctx context.Context, bot *domain.Bot) error {
	return updateBot(ctx, s.db, bot)
}

func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	return deleteBot(ctx, s.db, id)
}

func (s *SQLiteStore) ListBotsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Bot, error) {
	return listBotsByUser(ctx, s.db, userID, opts)
}

func (s *SQLiteStore) ListBotsWithWorkload(ctx context.Context, opts ListOptions) ([]domain.Bot, error) {
	return listBotsWithWorkload(ctx, s.db, opts)
}

func (s *SQLiteStore) CountBotsByUser(ctx context.Context, userID string) (int, error) {
	return countBotsByUser(ctx, s.db, userID)
}

func createBot(ctx context.Context, exec executor, bot *domain.Bot) error {
	query := `
		INSERT INTO bots (
			id, user_id, name, description, platform, runtime, source,
			github_repo, github_branch, workload_id, memory_limit_mb, cpu_limit,
			status, created_at, updated_at, last_started_at, last_deployed_at
		) VALUES (
			:id, :user_id, :name, :description, :platform, :runtime, :source,
			:github_repo, :github_branch, :workload_id, :memory_limit_mb, :cpu_limit,
			:status, :created_at, :updated_at, :last_started_at, :last_deployed_at
		)`

	_, err := exec.NamedExecContext(ctx, query, botToArgs(bot))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: bots.id") {
			return NewStoreError("CreateBot", "bot", bot.ID, "bot with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateBot", "bot", bot.ID, err.Error(), err)
	}
	return nil
}

func getBot(ctx context.Context, exec executor, id string) (*domain.Bot, error) {
	var row botRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM bots WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetBot", "bot", id, "bot not found", ErrNotFound)
		}
		return nil, NewStoreError("GetBot", "bot", id, err.Error(), err)
	}
	return rowToBot(&row), nil
}

func getBotByOwner(ctx context.Context, exec executor, id, userID string) (*domain.Bot, error) {
	var row botRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM bots WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetBotByOwner", "bot", id, "bot not found", ErrNotFound)
		}
		return nil, NewStoreError("GetBotByOwner", "bot", id, err.Error(), err)
	}
	return rowToBot(&row), nil
}

func getBotByRepo(ctx context.Context, exec executor, repo, branch string) (*domain.Bot, error) {
	var row botRow
	err := exec.GetContext(ctx, &row,
		`SELECT * FROM bots WHERE github_repo = ? AND github_branch = ? LIMIT 1`, repo, branch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetBotByRepo", "bot", repo, "bot not found", ErrNotFound)
		}
		return nil, NewStoreError("GetBotByRepo", "bot", repo, err.Error(), err)
	}
	return rowToBot(&row), nil
}

func updateBot(ctx context.Context, exec executor, bot *domain.Bot) error {
	query := `
		UPDATE bots SET
			name = :name,
			description = :description,
			github_repo = :github_repo,
			github_branch = :github_branch,
			workload_id = :workload_id,
			memory_limit_mb = :memory_limit_mb,
			cpu_limit = :cpu_limit,
			status = :status,
			updated_at = :updated_at,
			last_started_at = :last_started_at,
			last_deployed_at = :last_deployed_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, botToArgs(bot))
	if err != nil {
		return NewStoreError("UpdateBot", "bot", bot.ID, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateBot", "bot", bot.ID, "bot not found", ErrNotFound)
	}
	return nil
}

func deleteBot(ctx context.Context, exec executor, id string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return NewStoreError("DeleteBot", "bot", id, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteBot", "bot", id, "bot not found", ErrNotFound)
	}
	return nil
}

func listBotsByUser(ctx context.Context, exec executor, userID string, opts ListOptions) ([]domain.Bot, error) {
	opts = opts.Normalize()
	var rows []botRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM bots WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListBotsByUser", "bot", "", err.Error(), err)
	}
	bots := make([]domain.Bot, 0, len(rows))
	for i := range rows {
		bots = append(bots, *rowToBot(&rows[i]))
	}
	return bots, nil
}

func listBotsWithWorkload(ctx context.Context, exec executor, opts ListOptions) ([]domain.Bot, error) {
	opts = opts.Normalize()
	var rows []botRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM bots WHERE workload_id != '' ORDER BY created_at LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListBotsWithWorkload", "bot", "", err.Error(), err)
	}
	bots := make([]domain.Bot, 0, len(rows))
	for i := range rows {
		bots = append(bots, *rowToBot(&rows[i]))
	}
	return bots, nil
}

func countBotsByUser(ctx context.Context, exec executor, userID string) (int, error) {
	var count int
	err := exec.GetContext(ctx, &count, `SELECT COUNT(*) FROM bots WHERE user_id = ?`, userID)
	if err != nil {
		return 0, NewStoreError("CountBotsByUser", "bot", "", err.Error(), err)
	}
	return count, nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID            string  `db:"id"`
	BotID         string  `db:"bot_id"`
	Status        string  `db:"status"`
	CommitSHA     string  `db:"commit_sha"`
	CommitMessage string  `db:"commit_message"`
	Logs          string  `db:"logs"`
	StartedAt     string  `db:"started_at"`
	FinishedAt    *string `db:"finished_at"`
}

func rowToDeployment(r *deploymentRow) *domain.Deployment {
	return &domain.Deployment{
		ID:            r.ID,
		BotID:         r.BotID,
		Status:        domain.DeploymentStatus(r.Status),
		CommitSHA:     r.CommitSHA,
		CommitMessage: r.CommitMessage,
		Logs:          r.Logs,
		StartedAt:     parseTime(r.StartedAt),
		FinishedAt:    parseTimePtr(r.FinishedAt),
	}
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, dep *domain.Deployment) error {
	return createDeployment(ctx, s.db, dep)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, dep *domain.Deployment) error {
	return updateDeployment(ctx, s.db, dep)
}

func (s *SQLiteStore) ListDeploymentsByBot(ctx context.Context, botID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByBot(ctx, s.db, botID, opts)
}

func createDeployment(ctx context.Context, exec executor, dep *domain.Deployment) error {
	query := `
		INSERT INTO deployments (
			id, bot_id, status, commit_sha, commit_message, logs, started_at, finished_at
		) VALUES (
			:id, :bot_id, :status, :commit_sha, :commit_message, :logs, :started_at, :finished_at
		)`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":             dep.ID,
		"bot_id":         dep.BotID,
		"status":         string(dep.Status),
		"commit_sha":     dep.CommitSHA,
		"commit_message": dep.CommitMessage,
		"logs":           dep.Logs,
		"started_at":     formatTime(dep.StartedAt),
		"finished_at":    formatTimePtr(dep.FinishedAt),
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", dep.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateDeployment", "deployment", dep.ID, "bot does not exist", ErrForeignKey)
		}
		return NewStoreError("CreateDeployment", "deployment", dep.ID, err.Error(), err)
	}
	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	var row deploymentRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}
	return rowToDeployment(&row), nil
}

func updateDeployment(ctx context.Context, exec executor, dep *domain.Deployment) error {
	query := `
		UPDATE deployments SET
			status = :status,
			logs = :logs,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":          dep.ID,
		"status":      string(dep.Status),
		"logs":        dep.Logs,
		"finished_at": formatTimePtr(dep.FinishedAt),
	})
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", dep.ID, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", dep.ID, "deployment not found", ErrNotFound)
	}
	return nil
}

func listDeploymentsByBot(ctx context.Context, exec executor, botID string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM deployments WHERE bot_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		botID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByBot", "deployment", botID, err.Error(), err)
	}
	deps := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		deps = append(deps, *rowToDeployment(&rows[i]))
	}
	return deps, nil
}

// =============================================================================
// Env Var Operations
// =============================================================================

// envVarRow represents a bot_env_vars row in the database.
type envVarRow struct {
	ID        string `db:"id"`
	BotID     string `db:"bot_id"`
	Key       string `db:"key"`
	Value     string `db:"value"`
	IsSecret  bool   `db:"is_secret"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (s *SQLiteStore) UpsertEnvVar(ctx context.Context, v *domain.BotEnvVar) error {
	return upsertEnvVar(ctx, s.db, v)
}

func (s *SQLiteStore) ListEnvVarsByBot(ctx context.Context, botID string) ([]domain.BotEnvVar, error) {
	return listEnvVarsByBot(ctx, s.db, botID)
}

func upsertEnvVar(ctx context.Context, exec executor, v *domain.BotEnvVar) error {
	// On key conflict only the value and timestamp change; the secret flag
	// set at creation time sticks.
	query := `
		INSERT INTO bot_env_vars (id, bot_id, key, value, is_secret, created_at, updated_at)
		VALUES (:id, :bot_id, :key, :value, :is_secret, :created_at, :updated_at)
		ON CONFLICT (bot_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":         v.ID,
		"bot_id":     v.BotID,
		"key":        v.Key,
		"value":      v.Value,
		"is_secret":  v.IsSecret,
		"created_at": formatTime(v.CreatedAt),
		"updated_at": formatTime(v.UpdatedAt),
	})
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("UpsertEnvVar", "env_var", v.Key, "bot does not exist", ErrForeignKey)
		}
		return NewStoreError("UpsertEnvVar", "env_var", v.Key, err.Error(), err)
	}
	return nil
}

func listEnvVarsByBot(ctx context.Context, exec executor, botID string) ([]domain.BotEnvVar, error) {
	var rows []envVarRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM bot_env_vars WHERE bot_id = ? ORDER BY key`, botID)
	if err != nil {
		return nil, NewStoreError("ListEnvVarsByBot", "env_var", botID, err.Error(), err)
	}
	vars := make([]domain.BotEnvVar, 0, len(rows))
	for _, r := range rows {
		vars = append(vars, domain.BotEnvVar{
			ID:        r.ID,
			BotID:     r.BotID,
			Key:       r.Key,
			Value:     r.Value,
			IsSecret:  r.IsSecret,
			CreatedAt: parseTime(r.CreatedAt),
			UpdatedAt: parseTime(r.UpdatedAt),
		})
	}
	return vars, nil
}

// =============================================================================
// Subscription Operations
// =============================================================================

// subscriptionRow represents a subscription row in the database.
type subscriptionRow struct {
	ID                 string  `db:"id"`
	UserID             string  `db:"user_id"`
	Tier               string  `db:"tier"`
	Status             string  `db:"status"`
	CustomerID         string  `db:"customer_id"`
	SubscriptionID     string  `db:"subscription_id"`
	PriceID            string  `db:"price_id"`
	CurrentPeriodStart *string `db:"current_period_start"`
	CurrentPeriodEnd   *string `db:"current_period_end"`
	CancelAtPeriodEnd  bool    `db:"cancel_at_period_end"`
	CreatedAt          string  `db:"created_at"`
	UpdatedAt          string  `db:"updated_at"`
}

func rowToSubscription(r *subscriptionRow) *domain.Subscription {
	return &domain.Subscription{
		ID:                 r.ID,
		UserID:             r.UserID,
		Tier:               domain.Tier(r.Tier),
		Status:             domain.SubscriptionStatus(r.Status),
		CustomerID:         r.CustomerID,
		SubscriptionID:     r.SubscriptionID,
		PriceID:            r.PriceID,
		CurrentPeriodStart: parseTimePtr(r.CurrentPeriodStart),
		CurrentPeriodEnd:   parseTimePtr(r.CurrentPeriodEnd),
		CancelAtPeriodEnd:  r.CancelAtPeriodEnd,
		CreatedAt:          parseTime(r.CreatedAt),
		UpdatedAt:          parseTime(r.UpdatedAt),
	}
}

func (s *SQLiteStore) EnsureSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	return ensureSubscription(ctx, s.db, userID)
}

func (s *SQLiteStore) GetSubscriptionByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	return getSubscriptionByUser(ctx, s.db, userID)
}

func (s *SQLiteStore) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	return getSubscriptionByExternalID(ctx, s.db, subscriptionID)
}

func (s *SQLiteStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	return updateSubscription(ctx, s.db, sub)
}

func ensureSubscription(ctx context.Context, exec executor, userID string) (*domain.Subscription, error) {
	sub := domain.NewSubscription(userID)

	// INSERT OR IGNORE keeps this idempotent under concurrent first requests
	// for the same user; the read below returns whichever row won.
	query := `
		INSERT OR IGNORE INTO subscriptions (
			id, user_id, tier, status, customer_id, subscription_id, price_id,
			current_period_start, current_period_end, cancel_at_period_end,
			created_at, updated_at
		) VALUES (
			:id, :user_id, :tier, :status, '', '', '',
			NULL, NULL, 0,
			:created_at, :updated_at
		)`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":         sub.ID,
		"user_id":    sub.UserID,
		"tier":       string(sub.Tier),
		"status":     string(sub.Status),
		"created_at": formatTime(sub.CreatedAt),
		"updated_at": formatTime(sub.UpdatedAt),
	})
	if err != nil {
		return nil, NewStoreError("EnsureSubscription", "subscription", userID, err.Error(), err)
	}

	return getSubscriptionByUser(ctx, exec, userID)
}

func getSubscriptionByUser(ctx context.Context, exec executor, userID string) (*domain.Subscription, error) {
	var row subscriptionRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSubscriptionByUser", "subscription", userID, "subscription not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSubscriptionByUser", "subscription", userID, err.Error(), err)
	}
	return rowToSubscription(&row), nil
}

func getSubscriptionByExternalID(ctx context.Context, exec executor, subscriptionID string) (*domain.Subscription, error) {
	var row subscriptionRow
	err := exec.GetContext(ctx, &row,
		`SELECT * FROM subscriptions WHERE subscription_id = ? AND subscription_id != ''`, subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSubscriptionByExternalID", "subscription", subscriptionID, "subscription not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSubscriptionByExternalID", "subscription", subscriptionID, err.Error(), err)
	}
	return rowToSubscription(&row), nil
}

func updateSubscription(ctx context.Context, exec executor, sub *domain.Subscription) error {
	query := `
		UPDATE subscriptions SET
			tier = :tier,
			status = :status,
			customer_id = :customer_id,
			subscription_id = :subscription_id,
			price_id = :price_id,
			current_period_start = :current_period_start,
			current_period_end = :current_period_end,
			cancel_at_period_end = :cancel_at_period_end,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":                   sub.ID,
		"tier":                 string(sub.Tier),
		"status":               string(sub.Status),
		"customer_id":          sub.CustomerID,
		"subscription_id":      sub.SubscriptionID,
		"price_id":             sub.PriceID,
		"current_period_start": formatTimePtr(sub.CurrentPeriodStart),
		"current_period_end":   formatTimePtr(sub.CurrentPeriodEnd),
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"updated_at":           formatTime(time.Now()),
	})
	if err != nil {
		return NewStoreError("UpdateSubscription", "subscription", sub.ID, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateSubscription", "subscription", sub.ID, "subscription not found", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateBot(ctx context.Context, bot *domain.Bot) error {
	return createBot(ctx, s.tx, bot)
}

func (s *txSQLiteStore) GetBot(ctx context.Context, id string) (*domain.Bot, error) {
	return getBot(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetBotByOwner(ctx context.Context, id, userID string) (*domain.Bot, error) {
	return getBotByOwner(ctx, s.tx, id, userID)
}

func (s *txSQLiteStore) GetBotByRepo(ctx context.Context, repo, branch string) (*domain.Bot, error) {
	return getBotByRepo(ctx, s.tx, repo, branch)
}

func (s *txSQLiteStore) UpdateBot(ctx context.Context, bot *domain.Bot) error {
	return updateBot(ctx, s.tx, bot)
}

func (s *txSQLiteStore) DeleteBot(ctx context.Context, id string) error {
	return deleteBot(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListBotsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Bot, error) {
	return listBotsByUser(ctx, s.tx, userID, opts)
}

func (s *txSQLiteStore) ListBotsWithWorkload(ctx context.Context, opts ListOptions) ([]domain.Bot, error) {
	return listBotsWithWorkload(ctx, s.tx, opts)
}

func (s *txSQLiteStore) CountBotsByUser(ctx context.Context, userID string) (int, error) {
	return countBotsByUser(ctx, s.tx, userID)
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, dep *domain.Deployment) error {
	return createDeployment(ctx, s.tx, dep)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, dep *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, dep)
}

func (s *txSQLiteStore) ListDeploymentsByBot(ctx context.Context, botID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByBot(ctx, s.tx, botID, opts)
}

func (s *txSQLiteStore) UpsertEnvVar(ctx context.Context, v *domain.BotEnvVar) error {
	return upsertEnvVar(ctx, s.tx, v)
}

func (s *txSQLiteStore) ListEnvVarsByBot(ctx context.Context, botID string) ([]domain.BotEnvVar, error) {
	return listEnvVarsByBot(ctx, s.tx, botID)
}

func (s *txSQLiteStore) EnsureSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	return ensureSubscription(ctx, s.tx, userID)
}

func (s *txSQLiteStore) GetSubscriptionByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	return getSubscriptionByUser(ctx, s.tx, userID)
}

func (s *txSQLiteStore) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	return getSubscriptionByExternalID(ctx, s.tx, subscriptionID)
}

func (s *txSQLiteStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	return updateSubscription(ctx, s.tx, sub)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}
