// Package api provides HTTP handlers for the Bothive API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/artpar/bothive/internal/core/auth"
	"github.com/artpar/bothive/internal/core/domain"
	apimw "github.com/artpar/bothive/internal/shell/api/middleware"
	"github.com/artpar/bothive/internal/shell/billing"
	"github.com/artpar/bothive/internal/shell/orchestrator"
	"github.com/artpar/bothive/internal/shell/payments"
	"github.com/artpar/bothive/internal/shell/platform"
	"github.com/artpar/bothive/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Handler
// =============================================================================

// Config holds API handler configuration.
type Config struct {
	// BillingWebhookSecret validates the billing provider's webhook calls.
	// If empty, validation is skipped.
	BillingWebhookSecret string

	// GitHubWebhookSecret validates GitHub push webhook calls.
	// If empty, validation is skipped.
	GitHubWebhookSecret string
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	orchestrator *orchestrator.Service
	billing      *billing.Reconciler
	authmw       *apimw.AuthMiddleware
	logger       *slog.Logger
	config       Config
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Service, rec *billing.Reconciler, authmw *apimw.AuthMiddleware, logger *slog.Logger, cfg Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orchestrator: orch,
		billing:      rec,
		authmw:       authmw,
		logger:       logger.With("component", "api"),
		config:       cfg,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoint
	r.Get("/health", h.handleHealth)

	// Webhooks carry their own authentication, not user identity
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/billing", h.handleBillingWebhook)
		r.Post("/github", h.handleGitHubWebhook)
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authmw.Handler)
		r.Use(apimw.RequireAuth(h.logger))

		r.Route("/bots", func(r chi.Router) {
			r.Post("/", h.handleCreateBot)
			r.Get("/", h.handleListBots)
			r.Get("/{id}", h.handleGetBot)
			r.Delete("/{id}", h.handleDeleteBot)
			r.Post("/{id}/deploy", h.handleDeployBot)
			r.Post("/{id}/start", h.handleStartBot)
			r.Post("/{id}/stop", h.handleStopBot)
			r.Post("/{id}/restart", h.handleRestartBot)
			r.Get("/{id}/logs", h.handleGetBotLogs)
			r.Get("/{id}/deployments", h.handleListDeployments)
			r.Get("/{id}/env", h.handleListEnvVars)
			r.Put("/{id}/env", h.handleUpdateEnvVars)
			r.Put("/{id}/git", h.handleUpdateGitSettings)
		})

		r.Route("/billing", func(r chi.Router) {
			r.Get("/subscription", h.handleGetSubscription)
			r.Post("/checkout", h.handleCheckout)
			r.Post("/portal", h.handlePortal)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handler
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Bot Handlers
// =============================================================================

func (h *Handler) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	var req CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	spec := domain.BotSpec{
		UserID:       user.UserID,
		Name:         req.Name,
		Description:  req.Description,
		Platform:     domain.BotPlatform(req.Platform),
		Runtime:      domain.BotRuntime(req.Runtime),
		Source:       domain.BotSource(req.Source),
		GitHubRepo:   req.GitHubRepo,
		GitHubBranch: req.GitHubBranch,
	}
	for _, v := range req.EnvVars {
		spec.EnvVars = append(spec.EnvVars, domain.EnvEntry{Key: v.Key, Value: v.Value, Secret: v.Secret})
	}

	bot, err := h.orchestrator.CreateBot(r.Context(), spec)
	if err != nil {
		h.writeDomainError(w, r, err, "create bot")
		return
	}

	h.writeJSON(w, http.StatusCreated, botToResponse(bot))
}

func (h *Handler) handleListBots(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())
	opts := listOptionsFromQuery(r)

	bots, err := h.orchestrator.ListBots(r.Context(), user.UserID, opts)
	if err != nil {
		h.writeDomainError(w, r, err, "list bots")
		return
	}

	resp := ListBotsResponse{Bots: make([]BotResponse, 0, len(bots)), Limit: opts.Limit, Offset: opts.Offset}
	for i := range bots {
		resp.Bots = append(resp.Bots, botToResponse(&bots[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetBot(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	bot, err := h.orchestrator.GetBot(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, "get bot")
		return
	}

	h.writeJSON(w, http.StatusOK, botToResponse(bot))
}

func (h *Handler) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	if err := h.orchestrator.DeleteBot(r.Context(), user.UserID, chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err, "delete bot")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeployBot(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	dep, err := h.orchestrator.DeployBot(r.Context(), user.UserID, chi.URLParam(r, "id"), orchestrator.CommitInfo{})
	if err != nil {
		h.writeDomainError(w, r, err, "deploy bot")
		return
	}

	h.writeJSON(w, http.StatusAccepted, deploymentToResponse(dep))
}

func (h *Handler) handleStartBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycleHandler(w, r, h.orchestrator.StartBot, "start bot")
}

func (h *Handler) handleStopBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycleHandler(w, r, h.orchestrator.StopBot, "stop bot")
}

func (h *Handler) handleRestartBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycleHandler(w, r, h.orchestrator.RestartBot, "restart bot")
}

func (h *Handler) lifecycleHandler(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, userID, botID string) (*domain.Bot, error), op string) {
	user := auth.FromContext(r.Context())

	bot, err := action(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, op)
		return
	}

	h.writeJSON(w, http.StatusOK, botToResponse(bot))
}

func (h *Handler) handleGetBotLogs(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	logs, err := h.orchestrator.GetBotLogs(r.Context(), user.UserID, chi.URLParam(r, "id"), lines)
	if err != nil {
		h.writeDomainError(w, r, err, "get bot logs")
		return
	}

	h.writeJSON(w, http.StatusOK, LogsResponse{Logs: logs})
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	deps, err := h.orchestrator.ListDeployments(r.Context(), user.UserID, chi.URLParam(r, "id"), listOptionsFromQuery(r))
	if err != nil {
		h.writeDomainError(w, r, err, "list deployments")
		return
	}

	resp := ListDeploymentsResponse{Deployments: make([]DeploymentResponse, 0, len(deps))}
	for i := range deps {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(&deps[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListEnvVars(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	vars, err := h.orchestrator.ListEnvVars(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err, "list env vars")
		return
	}

	h.writeJSON(w, http.StatusOK, envVarsToResponse(vars))
}

func (h *Handler) handleUpdateEnvVars(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	var req UpdateEnvVarsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	entries := make([]domain.EnvEntry, 0, len(req.EnvVars))
	for _, v := range req.EnvVars {
		entries = append(entries, domain.EnvEntry{Key: v.Key, Value: v.Value, Secret: v.Secret})
	}

	vars, err := h.orchestrator.UpdateEnvVars(r.Context(), user.UserID, chi.URLParam(r, "id"), entries)
	if err != nil {
		h.writeDomainError(w, r, err, "update env vars")
		return
	}

	h.writeJSON(w, http.StatusOK, envVarsToResponse(vars))
}

func (h *Handler) handleUpdateGitSettings(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	var req UpdateGitSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	bot, err := h.orchestrator.UpdateGitSettings(r.Context(), user.UserID, chi.URLParam(r, "id"), req.GitHubRepo, req.GitHubBranch)
	if err != nil {
		h.writeDomainError(w, r, err, "update git settings")
		return
	}

	h.writeJSON(w, http.StatusOK, botToResponse(bot))
}

// =============================================================================
// Billing Handlers
// =============================================================================

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	sub, err := h.billing.GetSubscription(r.Context(), user.UserID)
	if err != nil {
		h.writeDomainError(w, r, err, "get subscription")
		return
	}

	limits := domain.LimitsForTier(sub.Tier)
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{
		Tier:              string(sub.Tier),
		Status:            string(sub.Status),
		BotLimit:          limits.Bots,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		HasBillingAccount: sub.CustomerID != "",
	})
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	tier, err := domain.ParseTier(req.Tier)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	sess, err := h.billing.CreateCheckoutSession(r.Context(), user.UserID, user.Email, user.Name, tier)
	if err != nil {
		h.writeDomainError(w, r, err, "create checkout session")
		return
	}

	h.writeJSON(w, http.StatusCreated, SessionResponse{URL: sess.URL})
}

func (h *Handler) handlePortal(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())

	sess, err := h.billing.CreatePortalSession(r.Context(), user.UserID)
	if err != nil {
		h.writeDomainError(w, r, err, "create portal session")
		return
	}

	h.writeJSON(w, http.StatusCreated, SessionResponse{URL: sess.URL})
}

// =============================================================================
// Webhook Handlers
// =============================================================================

func (h *Handler) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.config.BillingWebhookSecret != "" {
		if r.Header.Get("X-Webhook-Secret") != h.config.BillingWebhookSecret {
			h.writeError(w, http.StatusForbidden, "invalid webhook secret", "forbidden")
			return
		}
	}

	var event billing.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	if err := h.billing.HandleWebhook(r.Context(), event); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
		// Transient failures return 5xx so the provider retries delivery.
		h.logger.Error("webhook handling failed", "event_id", event.ID, "type", event.Type, "error", err)
		h.writeError(w, http.StatusInternalServerError, "webhook handling failed", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// githubPushPayload is the subset of GitHub's push event Bothive reads.
type githubPushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}

func (h *Handler) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if h.config.GitHubWebhookSecret != "" {
		if r.Header.Get("X-Webhook-Secret") != h.config.GitHubWebhookSecret {
			h.writeError(w, http.StatusForbidden, "invalid webhook secret", "forbidden")
			return
		}
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "" && event != "push" {
		h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	var payload githubPushPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	err := h.orchestrator.HandleRepoPush(r.Context(), payload.Repository.FullName, branch, orchestrator.CommitInfo{
		SHA:     payload.HeadCommit.ID,
		Message: payload.HeadCommit.Message,
	})
	if err != nil {
		h.logger.Error("push webhook failed", "repo", payload.Repository.FullName, "error", err)
		h.writeError(w, http.StatusInternalServerError, "push handling failed", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]bool{"received": true})
}

// =============================================================================
// Response Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeDomainError maps domain and gateway errors to HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var platformErr *platform.GatewayError
	var paymentsErr *payments.GatewayError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found", "not_found")
	case errors.Is(err, domain.ErrQuotaExceeded):
		h.writeError(w, http.StatusForbidden, err.Error(), "quota_exceeded")
	case errors.Is(err, domain.ErrPrecondition):
		h.writeError(w, http.StatusConflict, err.Error(), "precondition_failed")
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error(), "invalid_transition")
	case errors.Is(err, domain.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	case errors.Is(err, domain.ErrNoBillingAccount):
		h.writeError(w, http.StatusConflict, err.Error(), "no_billing_account")
	case errors.As(err, &platformErr), errors.As(err, &paymentsErr):
		h.logger.Error("gateway error", "op", op, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusBadGateway, "upstream service failed", "gateway_error")
	default:
		h.logger.Error("internal error", "op", op, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to "+op, "internal_error")
	}
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func botToResponse(b *domain.Bot) BotResponse {
	return BotResponse{
		ID:             b.ID,
		Name:           b.Name,
		Description:    b.Description,
		Platform:       string(b.Platform),
		Runtime:        string(b.Runtime),
		Source:         string(b.Source),
		GitHubRepo:     b.GitHubRepo,
		GitHubBranch:   b.GitHubBranch,
		MemoryLimitMB:  b.MemoryLimitMB,
		CPULimit:       b.CPULimit,
		Status:         string(b.Status),
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		LastStartedAt:  b.LastStartedAt,
		LastDeployedAt: b.LastDeployedAt,
	}
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:            d.ID,
		BotID:         d.BotID,
		Status:        string(d.Status),
		CommitSHA:     d.CommitSHA,
		CommitMessage: d.CommitMessage,
		Logs:          d.Logs,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
	}
}

func envVarsToResponse(vars []domain.BotEnvVar) ListEnvVarsResponse {
	resp := ListEnvVarsResponse{EnvVars: make([]EnvVarResponse, 0, len(vars))}
	for _, v := range vars {
		masked := v.Masked()
		resp.EnvVars = append(resp.EnvVars, EnvVarResponse{
			Key:      masked.Key,
			Value:    masked.Value,
			IsSecret: masked.IsSecret,
		})
	}
	return resp
}

func listOptionsFromQuery(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}
