// Package middleware provides HTTP middleware for the Bothive API.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/artpar/bothive/internal/core/auth"
	"github.com/artpar/bothive/internal/core/domain"
)

// =============================================================================
// Subscription Bootstrap Interface
// =============================================================================

// SubscriptionEnsurer guarantees a subscription row exists for a user. The
// store implements this interface. Every authenticated user gets a FREE
// subscription on first sight, so tier checks never face a missing row.
type SubscriptionEnsurer interface {
	EnsureSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
}

// =============================================================================
// Auth Configuration
// =============================================================================

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// SharedSecret is an optional secret to validate X-Gateway-Secret.
	// If empty, secret validation is skipped.
	SharedSecret string

	// Subscriptions bootstraps a subscription for authenticated users.
	// If nil, bootstrap is skipped.
	Subscriptions SubscriptionEnsurer

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware extracts authentication context from gateway headers and
// stores it in the request context.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthMiddleware{config: cfg}
}

// Handler returns the middleware handler function.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Validate shared secret if configured
		if m.config.SharedSecret != "" {
			if r.Header.Get(auth.HeaderGatewaySecret) != m.config.SharedSecret {
				m.config.Logger.Warn("invalid gateway secret",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeJSONError(w, http.StatusForbidden, "invalid gateway secret", "forbidden")
				return
			}
		}

		ctx := auth.ExtractFromRequest(r)

		if ctx.Authenticated && m.config.Subscriptions != nil {
			if _, err := m.config.Subscriptions.EnsureSubscription(r.Context(), ctx.UserID); err != nil {
				m.config.Logger.Error("failed to bootstrap subscription",
					"user_id", ctx.UserID,
					"error", err,
				)
				writeJSONError(w, http.StatusInternalServerError, "failed to resolve user identity", "internal_error")
				return
			}
		}

		r = r.WithContext(auth.WithContext(r.Context(), ctx))
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Require Auth Middleware
// =============================================================================

// RequireAuth rejects requests that carry no user identity. Must be used
// after AuthMiddleware.
func RequireAuth(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.FromContext(r.Context())

			if !ctx.Authenticated {
				logger.Warn("unauthenticated request to protected endpoint",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"method", r.Method,
				)
				writeJSONError(w, http.StatusUnauthorized, "authentication required", "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// JSON Error Response
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
