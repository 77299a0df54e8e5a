package workers

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/bothive/internal/core/domain"
	"github.com/artpar/bothive/internal/shell/orchestrator"
	"github.com/artpar/bothive/internal/shell/platform"
	"github.com/artpar/bothive/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runningPlatform reports every workload as running and succeeds otherwise.
type runningPlatform struct{}

func (runningPlatform) CreateWorkload(ctx context.Context, req platform.CreateWorkloadRequest) (string, error) {
	return "wl-" + req.Name, nil
}
func (runningPlatform) Deploy(ctx context.Context, workloadID string) error { return nil }

func (runningPlatform) Start(ctx context.Context, workloadID string) error { return nil }

func (runningPlatform) Stop(ctx context.Context, workloadID string) error { return nil }

func (runningPlatform) Restart(ctx context.Context, workloadID string) error { return nil }

func (runningPlatform) Delete(ctx context.Context, workloadID string) error { return nil }

func (runningPlatform) SetEnvVars(ctx context.Context, workloadID string, vars []platform.EnvVar) error {
	return nil
}
func (runningPlatform) SetResourceLimits(ctx context.Context, workloadID string, memoryMB int, cpuCores float64) error {
	return nil
}
func (runningPlatform) UpdateGitSettings(ctx context.Context, workloadID, repo, branch string) error {
	return nil
}
func (runningPlatform) GetStatus(ctx context.Context, workloadID string) (*platform.WorkloadStatus, error) {
	return &platform.WorkloadStatus{ID: workloadID, Status: "running:healthy"}, nil
}
func (runningPlatform) GetLogs(ctx context.Context, workloadID string, lines int) (string, error) {
	return "", nil
}

func TestStatusSyncer_Sweep(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orch := orchestrator.NewService(st, runningPlatform{}, nil, orchestrator.Options{})
	ctx := context.Background()

	bot, err := orch.CreateBot(ctx, domain.BotSpec{
		UserID:   "user-1",
		Name:     "greeter",
		Platform: domain.PlatformDiscord,
		Runtime:  domain.RuntimeNodeJS20,
		Source:   domain.SourceTemplate,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusStopped, bot.Status)

	syncer := NewStatusSyncer(st, orch, DefaultStatusSyncerConfig(), nil)
	syncer.SyncAllNow(ctx)

	got, err := st.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusRunning, got.Status)
}

func TestStatusSyncer_StartStop(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orch := orchestrator.NewService(st, runningPlatform{}, nil, orchestrator.Options{})
	syncer := NewStatusSyncer(st, orch, StatusSyncerConfig{Interval: 50 * time.Millisecond}, nil)

	syncer.Start()
	time.Sleep(120 * time.Millisecond)
	syncer.Stop()
}
