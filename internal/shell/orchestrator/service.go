// Package orchestrator coordinates bot lifecycle between the local store and
// the external hosting platform. The store is the source of truth for what
// bots exist; the platform is the source of truth for whether they run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/bothive/internal/core/domain"
	"github.com/artpar/bothive/internal/shell/platform"
	"github.com/artpar/bothive/internal/shell/store"
)

// DefaultDeployTimeout bounds detached deploy triggers.
const DefaultDeployTimeout = 5 * time.Minute

// CommitInfo carries source metadata into a deployment record.
type CommitInfo struct {
	SHA     string
	Message string
}

// =============================================================================
// Service
// =============================================================================

// Service implements the bot lifecycle operations.
type Service struct {
	store         store.Store
	platform      platform.Client
	logger        *slog.Logger
	locks         *keyMutex
	deployTimeout time.Duration
	wg            sync.WaitGroup
}

// Options configures optional service behavior.
type Options struct {
	// DeployTimeout bounds the platform deploy trigger for detached deploys.
	DeployTimeout time.Duration
}

// NewService creates the orchestrator with its dependencies injected.
func NewService(st store.Store, pf platform.Client, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DeployTimeout
	if timeout == 0 {
		timeout = DefaultDeployTimeout
	}
	return &Service{
		store:         st,
		platform:      pf,
		logger:        logger.With("component", "orchestrator"),
		locks:         newKeyMutex(),
		deployTimeout: timeout,
	}
}

// Wait blocks until all detached deploys have finished. Called on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// =============================================================================
// Bot Creation
// =============================================================================

// CreateBot provisions a new bot: quota check, local record, env vars, then
// the remote workload. If the platform rejects the workload the local record
// is removed so a failed create leaves nothing behind.
func (s *Service) CreateBot(ctx context.Context, spec domain.BotSpec) (*domain.Bot, error) {
	sub, err := s.store.EnsureSubscription(ctx, spec.UserID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	limits := domain.LimitsForTier(sub.Tier)

	bot, err := domain.NewBot(spec, limits)
	if err != nil {
		return nil, err
	}

	// Count and insert in one transaction so concurrent creates cannot both
	// pass the quota check.
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		count, err := tx.CountBotsByUser(ctx, spec.UserID)
		if err != nil {
			return err
		}
		if count >= limits.Bots {
			return fmt.Errorf("%w: tier %s allows %d bot(s)", domain.ErrQuotaExceeded, sub.Tier, limits.Bots)
		}
		if err := tx.CreateBot(ctx, bot); err != nil {
			return err
		}
		for _, entry := range spec.EnvVars {
			if err := tx.UpsertEnvVar(ctx, domain.NewBotEnvVar(bot.ID, entry)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return nil, err
		}
		return nil, mapStoreErr(err)
	}

	workloadID, err := s.platform.CreateWorkload(ctx, platform.CreateWorkloadRequest{
		Name:          bot.ID,
		Runtime:       bot.Runtime,
		GitHubRepo:    bot.GitHubRepo,
		GitHubBranch:  bot.GitHubBranch,
		MemoryLimitMB: bot.MemoryLimitMB,
		CPULimit:      bot.CPULimit,
		EnvVars:       envEntriesToPlatform(spec.EnvVars),
	})
	if err != nil {
		// Compensating delete; cascades env vars. Fresh context so the
		// rollback still lands when the workload call failed because the
		// caller's deadline expired.
		delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if delErr := s.store.DeleteBot(delCtx, bot.ID); delErr != nil {
			s.logger.Error("failed to roll back bot after workload creation failure",
				"bot_id", bot.ID, "error", delErr)
		}
		return nil, fmt.Errorf("create workload for bot %s: %w", bot.ID, err)
	}

	bot.WorkloadID = workloadID
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return nil, mapStoreErr(err)
	}

	// Limits ride along on creation, but some platform versions only apply
	// them via an explicit patch. Failure here is not fatal.
	if err := s.platform.SetResourceLimits(ctx, workloadID, bot.MemoryLimitMB, bot.CPULimit); err != nil {
		s.logger.Warn("failed to push resource limits", "bot_id", bot.ID, "error", err)
	}

	s.logger.Info("bot created", "bot_id", bot.ID, "user_id", bot.UserID, "workload_id", workloadID)
	return bot, nil
}

// =============================================================================
// Deployment
// =============================================================================

// DeployBot records a deployment attempt and triggers a platform deploy. The
// deployment finishes asynchronously; completion is observed via status sync.
// A bot without a provisioned workload cannot be deployed and no deployment
// record is written for the attempt.
func (s *Service) DeployBot(ctx context.Context, userID, botID string, commit CommitInfo) (*domain.Deployment, error) {
	s.locks.Lock(botID)
	bot, err := s.store.GetBotByOwner(ctx, botID, userID)
	if err != nil {
		s.locks.Unlock(botID)
		return nil, mapStoreErr(err)
	}
	if bot.WorkloadID == "" {
		s.locks.Unlock(botID)
		return nil, fmt.Errorf("%w: bot %s has no workload to deploy", domain.ErrPrecondition, botID)
	}

	dep := domain.NewDeployment(bot.ID, commit.SHA, commit.Message)
	if err := s.store.CreateDeployment(ctx, dep); err != nil {
		s.locks.Unlock(botID)
		return nil, mapStoreErr(err)
	}

	if err := bot.Transition(domain.BotStatusDeploying); err != nil {
		s.locks.Unlock(botID)
		return nil, err
	}
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		s.locks.Unlock(botID)
		return nil, mapStoreErr(err)
	}
	// Lock released across the remote call; only local transitions are
	// serialized.
	s.locks.Unlock(botID)

	if err := s.platform.Deploy(ctx, bot.WorkloadID); err != nil {
		s.failDeployment(bot.ID, dep, fmt.Sprintf("deploy trigger failed: %v", err))
		return nil, fmt.Errorf("deploy bot %s: %w", botID, err)
	}

	dep.MarkDeploying()
	if err := s.store.UpdateDeployment(ctx, dep); err != nil {
		return nil, mapStoreErr(err)
	}

	s.logger.Info("deploy triggered", "bot_id", bot.ID, "deployment_id", dep.ID, "commit", commit.SHA)
	return dep, nil
}

// DeployBotDetached runs DeployBot on a supervised goroutine with its own
// timeout-bounded context, detached from the caller's request.
func (s *Service) DeployBotDetached(userID, botID string, commit CommitInfo) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.deployTimeout)
		defer cancel()

		if _, err := s.DeployBot(ctx, userID, botID, commit); err != nil {
			s.logger.Error("detached deploy failed", "bot_id", botID, "error", err)
		}
	}()
}

// HandleRepoPush deploys the bot tracking the pushed repository and branch.
// Unknown repositories are ignored.
func (s *Service) HandleRepoPush(ctx context.Context, repo, branch string, commit CommitInfo) error {
	bot, err := s.store.GetBotByRepo(ctx, repo, branch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("push for untracked repository", "repo", repo, "branch", branch)
			return nil
		}
		return mapStoreErr(err)
	}

	s.logger.Info("push received, deploying", "bot_id", bot.ID, "repo", repo, "commit", commit.SHA)
	s.DeployBotDetached(bot.UserID, bot.ID, commit)
	return nil
}

// failDeployment records a failed deploy attempt: the deployment gets the
// failure as its log and the bot lands in FAILED. Uses a fresh context so the
// writes survive the caller's deadline expiring.
func (s *Service) failDeployment(botID string, dep *domain.Deployment, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dep.MarkFailed(reason)
	if err := s.store.UpdateDeployment(ctx, dep); err != nil {
		s.logger.Error("failed to record deployment failure", "deployment_id", dep.ID, "error", err)
	}

	s.locks.Lock(botID)
	defer s.locks.Unlock(botID)

	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		s.logger.Error("failed to load bot after deploy failure", "bot_id", botID, "error", err)
		return
	}
	if err := bot.Transition(domain.BotStatusFailed); err != nil {
		s.logger.Warn("bot moved on before deploy failure landed", "bot_id", botID, "status", bot.Status)
		return
	}
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		s.logger.Error("failed to mark bot failed", "bot_id", botID, "error", err)
	}
}

// =============================================================================
// Lifecycle Actions
// =============================================================================

// StartBot starts the bot's workload.
func (s *Service) StartBot(ctx context.Context, userID, botID string) (*domain.Bot, error) {
	return s.lifecycleAction(ctx, userID, botID, domain.BotStatusRunning, s.platform.Start)
}

// StopBot stops the bot's workload.
func (s *Service) StopBot(ctx context.Context, userID, botID string) (*domain.Bot, error) {
	return s.lifecycleAction(ctx, userID, botID, domain.BotStatusStopped, s.platform.Stop)
}

// RestartBot restarts the bot's workload.
func (s *Service) RestartBot(ctx context.Context, userID, botID string) (*domain.Bot, error) {
	return s.lifecycleAction(ctx, userID, botID, domain.BotStatusRunning, s.platform.Restart)
}

func (s *Service) lifecycleAction(ctx context.Context, userID, botID string, target domain.BotStatus, action func(context.Context, string) error) (*domain.Bot, error) {
	s.locks.Lock(botID)
	bot, err := s.store.GetBotByOwner(ctx, botID, userID)
	if err != nil {
		s.locks.Unlock(botID)
		return nil, mapStoreErr(err)
	}
	if bot.WorkloadID == "" {
		s.locks.Unlock(botID)
		return nil, fmt.Errorf("%w: bot %s has no workload", domain.ErrPrecondition, botID)
	}
	if err := domain.ValidateBotTransition(bot.Status, target); err != nil {
		s.locks.Unlock(botID)
		return nil, err
	}
	s.locks.Unlock(botID)

	if err := action(ctx, bot.WorkloadID); err != nil {
		return nil, fmt.Errorf("bot %s: %w", botID, err)
	}

	s.locks.Lock(botID)
	defer s.locks.Unlock(botID)

	bot, err = s.store.GetBot(ctx, botID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := bot.Transition(target); err != nil {
		// The remote action succeeded; the next status sync reconciles.
		s.logger.Warn("status moved during action", "bot_id", botID, "status", bot.Status, "target", target)
		return bot, nil
	}
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return nil, mapStoreErr(err)
	}
	return bot, nil
}

// =============================================================================
// Deletion
// =============================================================================

// DeleteBot removes the bot. The remote workload delete is best-effort: a
// platform failure is logged but never blocks removing the local record, at
// the cost of a possibly orphaned workload.
func (s *Service) DeleteBot(ctx context.Context, userID, botID string) error {
	bot, err := s.store.GetBotByOwner(ctx, botID, userID)
	if err != nil {
		return mapStoreErr(err)
	}

	if bot.WorkloadID != "" {
		if err := s.platform.Delete(ctx, bot.WorkloadID); err != nil {
			s.logger.Warn("failed to delete workload, removing bot anyway",
				"bot_id", botID, "workload_id", bot.WorkloadID, "error", err)
		}
	}

	if err := s.store.DeleteBot(ctx, botID); err != nil {
		return mapStoreErr(err)
	}

	s.logger.Info("bot deleted", "bot_id", botID, "user_id", userID)
	return nil
}

// =============================================================================
// Environment Variables
// =============================================================================

// UpdateEnvVars applies env var changes gateway-first: the merged environment
// is pushed to the platform before anything is persisted, so a gateway
// failure leaves the stored vars untouched and in sync with the workload.
// A bot without a provisioned workload cannot receive env vars.
func (s *Service) UpdateEnvVars(ctx context.Context, userID, botID string, entries []domain.EnvEntry) ([]domain.BotEnvVar, error) {
	for _, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("%w: env var key must not be empty", domain.ErrInvalidInput)
		}
	}

	bot, err := s.store.GetBotByOwner(ctx, botID, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if bot.WorkloadID == "" {
		return nil, fmt.Errorf("%w: bot %s has no workload to receive env vars", domain.ErrPrecondition, botID)
	}

	existing, err := s.store.ListEnvVarsByBot(ctx, botID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	merged := mergeEnvVars(existing, entries)
	if err := s.platform.SetEnvVars(ctx, bot.WorkloadID, merged); err != nil {
		return nil, fmt.Errorf("push env vars for bot %s: %w", botID, err)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		for _, entry := range entries {
			if err := tx.UpsertEnvVar(ctx, domain.NewBotEnvVar(botID, entry)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	vars, err := s.store.ListEnvVarsByBot(ctx, botID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return vars, nil
}

// mergeEnvVars overlays new entries on the stored environment, preserving
// untouched keys.
func mergeEnvVars(existing []domain.BotEnvVar, entries []domain.EnvEntry) []platform.EnvVar {
	byKey := make(map[string]platform.EnvVar, len(existing)+len(entries))
	order := make([]string, 0, len(existing)+len(entries))

	for _, v := range existing {
		byKey[v.Key] = platform.EnvVar{Key: v.Key, Value: v.Value, Secret: v.IsSecret}
		order = append(order, v.Key)
	}
	for _, e := range entries {
		if _, ok := byKey[e.Key]; !ok {
			order = append(order, e.Key)
		}
		v := domain.NewBotEnvVar("", e)
		byKey[e.Key] = platform.EnvVar{Key: e.Key, Value: e.Value, Secret: v.IsSecret}
	}

	merged := make([]platform.EnvVar, 0, len(order))
	for _, k := range order {
		merged = append(merged, byKey[k])
	}
	return merged
}

func envEntriesToPlatform(entries []domain.EnvEntry) []platform.EnvVar {
	if len(entries) == 0 {
		return nil
	}
	vars := make([]platform.EnvVar, 0, len(entries))
	for _, e := range entries {
		v := domain.NewBotEnvVar("", e)
		vars = append(vars, platform.EnvVar{Key: e.Key, Value: e.Value, Secret: v.IsSecret})
	}
	return vars
}

// =============================================================================
// Git Settings
// =============================================================================

// UpdateGitSettings repoints the bot at a different repository or branch,
// pushing the change to the workload first.
func (s *Service) UpdateGitSettings(ctx context.Context, userID, botID, repo, branch string) (*domain.Bot, error) {
	if repo == "" {
		return nil, fmt.Errorf("%w: repository must not be empty", domain.ErrInvalidInput)
	}
	if branch == "" {
		branch = "main"
	}

	bot, err := s.store.GetBotByOwner(ctx, botID, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if bot.Source != domain.SourceGitHub {
		return nil, fmt.Errorf("%w: bot %s is not backed by a git repository", domain.ErrPrecondition, botID)
	}

	if bot.WorkloadID != "" {
		if err := s.platform.UpdateGitSettings(ctx, bot.WorkloadID, repo, branch); err != nil {
			return nil, fmt.Errorf("update git settings for bot %s: %w", botID, err)
		}
	}

	bot.GitHubRepo = repo
	bot.GitHubBranch = branch
	bot.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return nil, mapStoreErr(err)
	}
	return bot, nil
}

// =============================================================================
// Status Sync
// =============================================================================

// SyncBotStatus reconciles the bot's stored status with the platform's view.
// The sync is advisory: every failure is logged and swallowed, and the call
// returns the freshest status it knows. It must be safe to call from a
// periodic sweep against bots in any state.
func (s *Service) SyncBotStatus(ctx context.Context, botID string) domain.BotStatus {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		s.logger.Warn("status sync: bot not loadable", "bot_id", botID, "error", err)
		return ""
	}
	if bot.WorkloadID == "" {
		return bot.Status
	}

	st, err := s.platform.GetStatus(ctx, bot.WorkloadID)
	if err != nil {
		s.logger.Warn("status sync: platform unreachable", "bot_id", botID, "error", err)
		return bot.Status
	}

	mapped := platform.BotStatusFromWorkload(st.Status, bot.Status)
	if mapped == bot.Status {
		return bot.Status
	}

	s.locks.Lock(botID)
	defer s.locks.Unlock(botID)

	// Re-read under the lock; another operation may have moved the bot.
	bot, err = s.store.GetBot(ctx, botID)
	if err != nil {
		s.logger.Warn("status sync: bot vanished during sync", "bot_id", botID, "error", err)
		return ""
	}

	wasDeploying := bot.Status == domain.BotStatusDeploying || bot.Status == domain.BotStatusBuilding

	if err := bot.Transition(mapped); err != nil {
		s.logger.Warn("status sync: transition rejected", "bot_id", botID, "from", bot.Status, "to", mapped)
		return bot.Status
	}
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		s.logger.Warn("status sync: failed to persist status", "bot_id", botID, "error", err)
		return bot.Status
	}

	if wasDeploying && mapped == domain.BotStatusRunning {
		s.finishLatestDeployment(ctx, botID)
	}

	s.logger.Info("status synced", "bot_id", botID, "status", mapped)
	return bot.Status
}

// finishLatestDeployment marks the newest in-flight deployment as succeeded
// once the workload is observed running.
func (s *Service) finishLatestDeployment(ctx context.Context, botID string) {
	deps, err := s.store.ListDeploymentsByBot(ctx, botID, store.ListOptions{Limit: 1})
	if err != nil || len(deps) == 0 {
		return
	}
	dep := deps[0]
	if dep.Status != domain.DeploymentPending && dep.Status != domain.DeploymentDeploying {
		return
	}
	dep.MarkSucceeded()
	if err := s.store.UpdateDeployment(ctx, &dep); err != nil {
		s.logger.Warn("failed to finish deployment", "deployment_id", dep.ID, "error", err)
	}
}

// =============================================================================
// Logs and Reads
// =============================================================================

// GetBotLogs fetches recent workload output for the bot.
func (s *Service) GetBotLogs(ctx context.Context, userID, botID string, lines int) (string, error) {
	bot, err := s.store.GetBotByOwner(ctx, botID, userID)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if bot.WorkloadID == "" {
		return "", fmt.Errorf("%w: bot %s has no workload", domain.ErrPrecondition, botID)
	}

	logs, err := s.platform.GetLogs(ctx, bot.WorkloadID, lines)
	if err != nil {
		return "", fmt.Errorf("fetch logs for bot %s: %w", botID, err)
	}
	return logs, nil
}

// GetBot returns a bot owned by the user.
func (s *Service) GetBot(ctx context.Context, userID, botID string) (*domain.Bot, error) {
	bot, err := s.store.GetBotByOwner(ctx, botID, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return bot, nil
}

// ListBots returns the user's bots.
func (s *Service) ListBots(ctx context.Context, userID string, opts store.ListOptions) ([]domain.Bot, error) {
	bots, err := s.store.ListBotsByUser(ctx, userID, opts)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return bots, nil
}

// ListDeployments returns the deployment history for a bot owned by the user.
func (s *Service) ListDeployments(ctx context.Context, userID, botID string, opts store.ListOptions) ([]domain.Deployment, error) {
	if _, err := s.store.GetBotByOwner(ctx, botID, userID); err != nil {
		return nil, mapStoreErr(err)
	}
	deps, err := s.store.ListDeploymentsByBot(ctx, botID, opts)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return deps, nil
}

// ListEnvVars returns the env vars for a bot owned by the user. Values are
// returned as stored; masking is the API layer's concern.
func (s *Service) ListEnvVars(ctx context.Context, userID, botID string) ([]domain.BotEnvVar, error) {
	if _, err := s.store.GetBotByOwner(ctx, botID, userID); err != nil {
		return nil, mapStoreErr(err)
	}
	vars, err := s.store.ListEnvVarsByBot(ctx, botID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return vars, nil
}

// =============================================================================
// Helpers
// =============================================================================

// mapStoreErr translates store sentinels into the domain taxonomy.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}
