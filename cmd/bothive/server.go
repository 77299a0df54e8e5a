package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/bothive/internal/core/domain"
	"github.com/artpar/bothive/internal/shell/api"
	apimw "github.com/artpar/bothive/internal/shell/api/middleware"
	"github.com/artpar/bothive/internal/shell/billing"
	"github.com/artpar/bothive/internal/shell/orchestrator"
	"github.com/artpar/bothive/internal/shell/payments"
	"github.com/artpar/bothive/internal/shell/platform"
	"github.com/artpar/bothive/internal/shell/store"
	"github.com/artpar/bothive/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitHTTPServerError = 3
)

// =============================================================================
// Server
// =============================================================================

// Server represents the Bothive application server.
type Server struct {
	config       *Config
	httpServer   *http.Server
	store        store.Store
	orchestrator *orchestrator.Service
	statusSyncer *workers.StatusSyncer
	logger       *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Platform gateway client
	pf := platform.NewHTTPClient(platform.Config{
		BaseURL: cfg.Platform.BaseURL,
		APIKey:  cfg.Platform.APIKey,
		Timeout: cfg.Platform.Timeout,
	}, logger)

	// Payments provider client
	pay := payments.NewHTTPClient(payments.Config{
		BaseURL: cfg.Payments.BaseURL,
		APIKey:  cfg.Payments.APIKey,
		Timeout: cfg.Payments.Timeout,
	}, logger)

	// Deployment orchestrator
	orch := orchestrator.NewService(s, pf, logger, orchestrator.Options{
		DeployTimeout: cfg.Deploy.Timeout,
	})

	// Billing reconciler. Price tiers come from config as strings and are
	// validated here so a typo fails startup instead of checkout.
	priceTiers := make(map[string]domain.Tier, len(cfg.Billing.PriceTiers))
	for priceID, tierName := range cfg.Billing.PriceTiers {
		tier, err := domain.ParseTier(tierName)
		if err != nil {
			s.Close()
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitConfigError,
			}
		}
		priceTiers[priceID] = tier
	}
	rec := billing.NewReconciler(s, pay, logger, billing.Config{
		PriceTiers: priceTiers,
		SuccessURL: cfg.Billing.SuccessURL,
		CancelURL:  cfg.Billing.CancelURL,
		ReturnURL:  cfg.Billing.ReturnURL,
	})

	// Auth middleware
	authmw := apimw.NewAuthMiddleware(apimw.AuthConfig{
		SharedSecret:  cfg.Auth.SharedSecret,
		Subscriptions: s,
		Logger:        logger,
	})

	// HTTP handler
	handler := api.NewHandler(orch, rec, authmw, logger, api.Config{
		BillingWebhookSecret: cfg.Billing.WebhookSecret,
		GitHubWebhookSecret:  cfg.GitHub.WebhookSecret,
	})

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Create status syncer if enabled
	var statusSyncer *workers.StatusSyncer
	if cfg.Sync.Enabled {
		statusSyncer = workers.NewStatusSyncer(s, orch, workers.StatusSyncerConfig{
			Interval:      cfg.Sync.Interval,
			BotTimeout:    cfg.Sync.BotTimeout,
			MaxConcurrent: cfg.Sync.MaxConcurrent,
		}, logger)
		logger.Info("status sync enabled",
			"interval", cfg.Sync.Interval,
		)
	} else {
		logger.Info("status sync disabled")
	}

	return &Server{
		config:       cfg,
		httpServer:   httpServer,
		store:        s,
		orchestrator: orch,
		statusSyncer: statusSyncer,
		logger:       logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start status syncer in background
	if s.statusSyncer != nil {
		s.statusSyncer.Start()
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop status syncer
	if s.statusSyncer != nil {
		s.statusSyncer.Stop()
	}

	// Drain detached deployments
	s.orchestrator.Wait()

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
