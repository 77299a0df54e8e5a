// Package auth provides the per-request authentication context.
// Identity is injected by the fronting gateway as headers; this package only
// extracts and carries it.
package auth

import (
	"context"
	"net/http"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const authContextKey contextKey = "auth"

// =============================================================================
// Types
// =============================================================================

// Context represents the authentication context for a request, extracted from
// gateway-injected headers.
type Context struct {
	// UserID is the authenticated user's ID (from X-User-ID).
	UserID string

	// Email is the user's email if forwarded (from X-User-Email).
	Email string

	// Name is the user's display name if forwarded (from X-User-Name).
	Name string

	// Authenticated indicates whether the request carried a user identity.
	Authenticated bool
}

// =============================================================================
// Header Constants
// =============================================================================

const (
	// HeaderUserID is the header containing the authenticated user's ID.
	HeaderUserID = "X-User-ID"

	// HeaderUserEmail is the header containing the user's email.
	HeaderUserEmail = "X-User-Email"

	// HeaderUserName is the header containing the user's display name.
	HeaderUserName = "X-User-Name"

	// HeaderGatewaySecret is the header carrying the shared secret used to
	// verify the request came through the gateway.
	HeaderGatewaySecret = "X-Gateway-Secret"
)

// =============================================================================
// Context Extraction
// =============================================================================

// ExtractFromRequest extracts auth context from HTTP request headers.
// If X-User-ID is not present, the context is unauthenticated.
func ExtractFromRequest(r *http.Request) Context {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		return Context{}
	}
	return Context{
		UserID:        userID,
		Email:         r.Header.Get(HeaderUserEmail),
		Name:          r.Header.Get(HeaderUserName),
		Authenticated: true,
	}
}

// WithContext stores the auth context in a context.Context.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext retrieves the auth context. Returns an unauthenticated context
// if none was stored.
func FromContext(ctx context.Context) Context {
	if ac, ok := ctx.Value(authContextKey).(Context); ok {
		return ac
	}
	return Context{}
}
