package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/bothive/internal/core/domain"
	"github.com/artpar/bothive/internal/shell/platform"
	"github.com/artpar/bothive/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake Platform Client
// =============================================================================

// fakePlatform implements platform.Client with overridable behavior. The zero
// value succeeds on everything and hands out sequential workload IDs.
type fakePlatform struct {
	createErr    error
	createBlocks bool
	deployErr    error
	startErr     error
	stopErr      error
	deleteErr    error
	envErr       error
	status       string
	statusErr    error
	logs         string
	logsErr      error
	deployed     []string
	deleted      []string
	pushedEnvs   map[string][]platform.EnvVar
}

func (f *fakePlatform) CreateWorkload(ctx context.Context, req platform.CreateWorkloadRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createBlocks {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "wl-" + req.Name, nil
}

func (f *fakePlatform) Deploy(ctx context.Context, workloadID string) error {
	if f.deployErr != nil {
		return f.deployErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.deployed = append(f.deployed, workloadID)
	return nil
}

func (f *fakePlatform) Start(ctx context.Context, workloadID string) error { return f.startErr }

func (f *fakePlatform) Stop(ctx context.Context, workloadID string) error { return f.stopErr }

func (f *fakePlatform) Restart(ctx context.Context, workloadID string) error { return nil }

func (f *fakePlatform) Delete(ctx context.Context, workloadID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, workloadID)
	return nil
}

func (f *fakePlatform) SetEnvVars(ctx context.Context, workloadID string, vars []platform.EnvVar) error {
	if f.envErr != nil {
		return f.envErr
	}
	if f.pushedEnvs == nil {
		f.pushedEnvs = make(map[string][]platform.EnvVar)
	}
	f.pushedEnvs[workloadID] = vars
	return nil
}

func (f *fakePlatform) SetResourceLimits(ctx context.Context, workloadID string, memoryMB int, cpuCores float64) error {
	return nil
}

func (f *fakePlatform) UpdateGitSettings(ctx context.Context, workloadID, repo, branch string) error {
	return nil
}

func (f *fakePlatform) GetStatus(ctx context.Context, workloadID string) (*platform.WorkloadStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &platform.WorkloadStatus{ID: workloadID, Status: f.status}, nil
}

func (f *fakePlatform) GetLogs(ctx context.Context, workloadID string, lines int) (string, error) {
	if f.logsErr != nil {
		return "", f.logsErr
	}
	return f.logs, nil
}

// =============================================================================
// Test Helpers
// =============================================================================

func setupService(t *testing.T, pf platform.Client) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, pf, nil, Options{}), st
}

func discordSpec(userID, name string) domain.BotSpec {
	return domain.BotSpec{
		UserID:     userID,
		Name:       name,
		Platform:   domain.PlatformDiscord,
		Runtime:    domain.RuntimeNodeJS20,
		Source:     domain.SourceGitHub,
		GitHubRepo: "acme/" + name,
	}
}

func setTier(t *testing.T, st store.Store, userID string, tier domain.Tier) {
	t.Helper()
	ctx := context.Background()
	sub, err := st.EnsureSubscription(ctx, userID)
	require.NoError(t, err)
	sub.Tier = tier
	require.NoError(t, st.UpdateSubscription(ctx, sub))
}

// =============================================================================
// CreateBot
// =============================================================================

func TestCreateBot(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	spec := discordSpec("user-1", "greeter")
	spec.EnvVars = []domain.EnvEntry{
		{Key: "DISCORD_TOKEN", Value: "tok"},
		{Key: "GREETING", Value: "hello"},
	}

	bot, err := svc.CreateBot(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "wl-"+bot.ID, bot.WorkloadID)
	assert.Equal(t, domain.BotStatusStopped, bot.Status)
	assert.Equal(t, 128, bot.MemoryLimitMB, "FREE tier memory")

	vars, err := st.ListEnvVarsByBot(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, vars, 2)
}

func TestCreateBot_QuotaExceeded(t *testing.T) {
	pf := &fakePlatform{}
	svc, _ := setupService(t, pf)
	ctx := context.Background()

	// FREE tier allows exactly one bot.
	_, err := svc.CreateBot(ctx, discordSpec("user-1", "first"))
	require.NoError(t, err)

	_, err = svc.CreateBot(ctx, discordSpec("user-1", "second"))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestCreateBot_HigherTierQuota(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	setTier(t, st, "user-1", domain.TierHobby)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateBot(ctx, discordSpec("user-1", "bot"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	_, err := svc.CreateBot(ctx, discordSpec("user-1", "fourth"))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestCreateBot_CompensatingDelete(t *testing.T) {
	pf := &fakePlatform{createErr: &platform.GatewayError{Op: "CreateWorkload", StatusCode: 500, Body: "boom"}}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	_, err := svc.CreateBot(ctx, discordSpec("user-1", "doomed"))
	require.Error(t, err)
	var gwErr *platform.GatewayError
	assert.ErrorAs(t, err, &gwErr)

	// The failed create must leave no bot behind.
	bots, err := st.ListBotsByUser(ctx, "user-1", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, bots)

	// And the quota slot is free again.
	pf.createErr = nil
	_, err = svc.CreateBot(ctx, discordSpec("user-1", "retry"))
	require.NoError(t, err)
}

func TestCreateBot_CompensatingDeleteSurvivesExpiredContext(t *testing.T) {
	pf := &fakePlatform{createBlocks: true}
	svc, st := setupService(t, pf)

	// The workload call eats the whole deadline, so the rollback runs with a
	// context that is already dead.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.CreateBot(ctx, discordSpec("user-1", "doomed"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	bots, err := st.ListBotsByUser(context.Background(), "user-1", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, bots)

	// The quota slot is free again.
	pf.createBlocks = false
	_, err = svc.CreateBot(context.Background(), discordSpec("user-1", "retry"))
	require.NoError(t, err)
}

func TestCreateBot_InvalidSpec(t *testing.T) {
	svc, _ := setupService(t, &fakePlatform{})

	_, err := svc.CreateBot(context.Background(), domain.BotSpec{UserID: "user-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// =============================================================================
// DeployBot
// =============================================================================

func TestDeployBot(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	dep, err := svc.DeployBot(ctx, "user-1", bot.ID, CommitInfo{SHA: "abc123", Message: "init"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentDeploying, dep.Status)
	assert.Equal(t, "abc123", dep.CommitSHA)
	assert.Equal(t, []string{bot.WorkloadID}, pf.deployed)

	got, err := st.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusDeploying, got.Status)
	require.NotNil(t, got.LastDeployedAt)
}

func TestDeployBot_NoWorkload(t *testing.T) {
	svc, st := setupService(t, &fakePlatform{})
	ctx := context.Background()

	// A bot whose workload never got provisioned.
	bot, err := domain.NewBot(discordSpec("user-1", "bare"), domain.LimitsForTier(domain.TierFree))
	require.NoError(t, err)
	require.NoError(t, st.CreateBot(ctx, bot))

	_, err = svc.DeployBot(ctx, "user-1", bot.ID, CommitInfo{})
	assert.ErrorIs(t, err, domain.ErrPrecondition)

	// No deployment record may exist for the failed precondition.
	deps, err := st.ListDeploymentsByBot(ctx, bot.ID, store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestDeployBot_NotOwner(t *testing.T) {
	svc, _ := setupService(t, &fakePlatform{})
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	_, err = svc.DeployBot(ctx, "user-2", bot.ID, CommitInfo{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeployBot_TriggerFails(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	pf.deployErr = &platform.GatewayError{Op: "Deploy", StatusCode: 502, Body: "bad gateway"}
	_, err = svc.DeployBot(ctx, "user-1", bot.ID, CommitInfo{})
	require.Error(t, err)

	// The attempt is recorded as FAILED and the bot lands in FAILED.
	deps, err := st.ListDeploymentsByBot(ctx, bot.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, domain.DeploymentFailed, deps[0].Status)
	assert.Contains(t, deps[0].Logs, "deploy trigger failed")
	require.NotNil(t, deps[0].FinishedAt)

	got, err := st.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusFailed, got.Status)
}

func TestDeployBot_Timeout(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	// The fake checks ctx.Err before deploying, so an expired context
	// behaves like a platform that never answered in time.
	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	_, err = svc.DeployBot(expired, "user-1", bot.ID, CommitInfo{})
	require.Error(t, err)

	deps, err := st.ListDeploymentsByBot(ctx, bot.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, domain.DeploymentFailed, deps[0].Status)
	assert.Contains(t, deps[0].Logs, "deadline exceeded")

	got, err := st.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusFailed, got.Status)
}

func TestDeployBotDetached(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	svc.DeployBotDetached("user-1", bot.ID, CommitInfo{SHA: "abc"})
	svc.Wait()

	deps, err := st.ListDeploymentsByBot(ctx, bot.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, domain.DeploymentDeploying, deps[0].Status)
}

func TestHandleRepoPush(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	require.NoError(t, svc.HandleRepoPush(ctx, "acme/greeter", "main", CommitInfo{SHA: "def456"}))
	svc.Wait()

	deps, err := st.ListDeploymentsByBot(ctx, bot.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "def456", deps[0].CommitSHA)

	// Pushes to untracked repositories are silently ignored.
	require.NoError(t, svc.HandleRepoPush(ctx, "acme/unknown", "main", CommitInfo{}))
}

// =============================================================================
// Lifecycle Actions
// =============================================================================

func TestStartStopRestart(t *testing.T) {
	pf := &fakePlatform{}
	svc, _ := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	started, err := svc.StartBot(ctx, "user-1", bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusRunning, started.Status)
	require.NotNil(t, started.LastStartedAt)

	restarted, err := svc.RestartBot(ctx, "user-1", bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusRunning, restarted.Status)

	stopped, err := svc.StopBot(ctx, "user-1", bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusStopped, stopped.Status)
}

func TestStopBot_AlreadyStopped(t *testing.T) {
	svc, _ := setupService(t, &fakePlatform{})
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	_, err = svc.StopBot(ctx, "user-1", bot.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStartBot_NoWorkload(t *testing.T) {
	svc, st := setupService(t, &fakePlatform{})
	ctx := context.Background()

	bot, err := domain.NewBot(discordSpec("user-1", "bare"), domain.LimitsForTier(domain.TierFree))
	require.NoError(t, err)
	require.NoError(t, st.CreateBot(ctx, bot))

	_, err = svc.StartBot(ctx, "user-1", bot.ID)
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

// =============================================================================
// DeleteBot
// =============================================================================

func TestDeleteBot(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteBot(ctx, "user-1", bot.ID))
	assert.Equal(t, []string{bot.WorkloadID}, pf.deleted)

	_, err = st.GetBot(ctx, bot.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteBot_PlatformFailureIsBestEffort(t *testing.T) {
	pf := &fakePlatform{deleteErr: &platform.GatewayError{Op: "Delete", StatusCode: 500, Body: "boom"}}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	// Remote delete fails; the local record still goes away.
	require.NoError(t, svc.DeleteBot(ctx, "user-1", bot.ID))

	_, err = st.GetBot(ctx, bot.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// =============================================================================
// Env Vars
// =============================================================================

func TestUpdateEnvVars_GatewayFirst(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	spec := discordSpec("user-1", "greeter")
	spec.EnvVars = []domain.EnvEntry{{Key: "GREETING", Value: "hello"}}
	bot, err := svc.CreateBot(ctx, spec)
	require.NoError(t, err)

	pf.envErr = &platform.GatewayError{Op: "SetEnvVars", StatusCode: 503, Body: "unavailable"}
	_, err = svc.UpdateEnvVars(ctx, "user-1", bot.ID, []domain.EnvEntry{{Key: "GREETING", Value: "hi"}})
	require.Error(t, err)

	// Gateway failure must leave stored vars untouched.
	vars, err := st.ListEnvVarsByBot(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "hello", vars[0].Value)

	pf.envErr = nil
	updated, err := svc.UpdateEnvVars(ctx, "user-1", bot.ID, []domain.EnvEntry{
		{Key: "GREETING", Value: "hi"},
		{Key: "API_TOKEN", Value: "tok"},
	})
	require.NoError(t, err)
	require.Len(t, updated, 2)

	// The merged set pushed to the platform includes the untouched key too.
	pushed := pf.pushedEnvs[bot.WorkloadID]
	require.Len(t, pushed, 2)
}

func TestUpdateEnvVars_SecretHandling(t *testing.T) {
	pf := &fakePlatform{}
	svc, _ := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	// DISCORD_TOKEN trips the heuristic; the explicit override wins for the
	// second key despite "TOKEN" in its name.
	public := false
	vars, err := svc.UpdateEnvVars(ctx, "user-1", bot.ID, []domain.EnvEntry{
		{Key: "DISCORD_TOKEN", Value: "tok"},
		{Key: "PUBLIC_TOKEN_NAME", Value: "x", Secret: &public},
	})
	require.NoError(t, err)

	byKey := make(map[string]domain.BotEnvVar)
	for _, v := range vars {
		byKey[v.Key] = v
	}
	assert.True(t, byKey["DISCORD_TOKEN"].IsSecret)
	assert.False(t, byKey["PUBLIC_TOKEN_NAME"].IsSecret)
}

func TestUpdateEnvVars_EmptyKey(t *testing.T) {
	svc, _ := setupService(t, &fakePlatform{})
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	_, err = svc.UpdateEnvVars(ctx, "user-1", bot.ID, []domain.EnvEntry{{Key: "", Value: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpdateEnvVars_NoWorkload(t *testing.T) {
	svc, st := setupService(t, &fakePlatform{})
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)
	bot.WorkloadID = ""
	require.NoError(t, st.UpdateBot(ctx, bot))

	_, err = svc.UpdateEnvVars(ctx, "user-1", bot.ID, []domain.EnvEntry{{Key: "GREETING", Value: "hi"}})
	assert.ErrorIs(t, err, domain.ErrPrecondition)

	// Nothing was persisted for the rejected update.
	vars, err := st.ListEnvVarsByBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Empty(t, vars)
}

// =============================================================================
// Status Sync
// =============================================================================

func TestSyncBotStatus(t *testing.T) {
	pf := &fakePlatform{status: "running:healthy"}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	status := svc.SyncBotStatus(ctx, bot.ID)
	assert.Equal(t, domain.BotStatusRunning, status)

	got, err := st.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusRunning, got.Status)
}

func TestSyncBotStatus_FinishesDeployment(t *testing.T) {
	pf := &fakePlatform{status: "running:healthy"}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)
	dep, err := svc.DeployBot(ctx, "user-1", bot.ID, CommitInfo{})
	require.NoError(t, err)

	status := svc.SyncBotStatus(ctx, bot.ID)
	assert.Equal(t, domain.BotStatusRunning, status)

	got, err := st.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentSuccess, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestSyncBotStatus_NeverFails(t *testing.T) {
	pf := &fakePlatform{statusErr: errors.New("platform down")}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	// Platform unreachable: sync reports the stored status, no error escapes.
	status := svc.SyncBotStatus(ctx, bot.ID)
	assert.Equal(t, domain.BotStatusStopped, status)

	// Unknown bot: sync stays quiet too.
	status = svc.SyncBotStatus(ctx, "bot_missing")
	assert.Equal(t, domain.BotStatus(""), status)

	// Unrecognized platform status leaves the bot untouched.
	pf.statusErr = nil
	pf.status = "???"
	status = svc.SyncBotStatus(ctx, bot.ID)
	assert.Equal(t, domain.BotStatusStopped, status)

	got, err := st.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusStopped, got.Status)
}

// =============================================================================
// Logs and Git Settings
// =============================================================================

func TestGetBotLogs(t *testing.T) {
	pf := &fakePlatform{logs: "bot online\n"}
	svc, _ := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	logs, err := svc.GetBotLogs(ctx, "user-1", bot.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, "bot online\n", logs)

	_, err = svc.GetBotLogs(ctx, "user-2", bot.ID, 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateGitSettings(t *testing.T) {
	pf := &fakePlatform{}
	svc, st := setupService(t, pf)
	ctx := context.Background()

	bot, err := svc.CreateBot(ctx, discordSpec("user-1", "greeter"))
	require.NoError(t, err)

	updated, err := svc.UpdateGitSettings(ctx, "user-1", bot.ID, "acme/greeter-v2", "develop")
	require.NoError(t, err)
	assert.Equal(t, "acme/greeter-v2", updated.GitHubRepo)
	assert.Equal(t, "develop", updated.GitHubBranch)

	got, err := st.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", got.GitHubBranch)
}
