// Package workers contains background workers for Bothive.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/bothive/internal/shell/orchestrator"
	"github.com/artpar/bothive/internal/shell/store"
)

// StatusSyncerConfig configures the status syncer worker.
type StatusSyncerConfig struct {
	// Interval is the time between sync sweeps.
	// Default: 30 seconds.
	Interval time.Duration

	// BotTimeout is the timeout for syncing a single bot.
	// Default: 10 seconds.
	BotTimeout time.Duration

	// MaxConcurrent is the maximum number of bots synced concurrently.
	// Default: 5.
	MaxConcurrent int
}

// DefaultStatusSyncerConfig returns the default configuration.
func DefaultStatusSyncerConfig() StatusSyncerConfig {
	return StatusSyncerConfig{
		Interval:      30 * time.Second,
		BotTimeout:    10 * time.Second,
		MaxConcurrent: 5,
	}
}

// StatusSyncer periodically reconciles stored bot statuses with the hosting
// platform. Each bot sync is advisory; a sweep never fails, it just logs.
type StatusSyncer struct {
	store        store.Store
	orchestrator *orchestrator.Service
	config       StatusSyncerConfig
	logger       *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusSyncer creates a new status syncer worker.
func NewStatusSyncer(s store.Store, orch *orchestrator.Service, config StatusSyncerConfig, logger *slog.Logger) *StatusSyncer {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.BotTimeout == 0 {
		config.BotTimeout = 10 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &StatusSyncer{
		store:        s,
		orchestrator: orch,
		config:       config,
		logger:       logger.With("component", "status_syncer"),
	}
}

// Start begins the status syncer background goroutine.
func (w *StatusSyncer) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.run()

	w.logger.Info("status syncer started",
		"interval", w.config.Interval,
		"max_concurrent", w.config.MaxConcurrent,
	)
}

// Stop gracefully stops the status syncer, waiting for the in-progress
// sweep to complete.
func (w *StatusSyncer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("status syncer stopped")
}

// run is the main loop that runs sync sweeps periodically.
func (w *StatusSyncer) run() {
	defer w.wg.Done()

	// Run immediately on start
	w.runCycle()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.runCycle()
		}
	}
}

// runCycle sweeps every bot with a provisioned workload.
func (w *StatusSyncer) runCycle() {
	base := w.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, w.config.Interval)
	defer cancel()

	bots, err := w.store.ListBotsWithWorkload(ctx, store.ListOptions{Limit: 1000})
	if err != nil {
		w.logger.Error("failed to list bots for sync", "error", err)
		return
	}

	if len(bots) == 0 {
		w.logger.Debug("no bots to sync")
		return
	}

	w.logger.Debug("starting sync sweep", "bot_count", len(bots))

	// Semaphore bounds concurrent platform calls
	sem := make(chan struct{}, w.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range bots {
		botID := bots[i].ID

		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			botCtx, botCancel := context.WithTimeout(ctx, w.config.BotTimeout)
			defer botCancel()
			w.orchestrator.SyncBotStatus(botCtx, id)
		}(botID)
	}

	wg.Wait()
	w.logger.Debug("completed sync sweep", "bot_count", len(bots))
}

// SyncAllNow runs an immediate sweep. Useful after configuration changes or
// for manual triggering.
func (w *StatusSyncer) SyncAllNow(ctx context.Context) {
	w.runCycle()
}
