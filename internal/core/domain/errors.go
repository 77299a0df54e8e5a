// Package domain contains the core entities for Bothive.
package domain

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrNotFound is returned when an entity does not exist or is not owned
	// by the caller. Ownership failures deliberately look identical to
	// missing entities.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when the caller's subscription tier does
	// not allow another bot.
	ErrQuotaExceeded = errors.New("bot limit reached for subscription tier")

	// ErrPrecondition is returned when an operation requires state the bot
	// has not reached, e.g. no workload has been provisioned yet.
	ErrPrecondition = errors.New("operation precondition not met")

	// ErrInvalidInput is returned for malformed tiers, keys, or specs.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoBillingAccount is returned when a portal session is requested for
	// a user without an external billing customer.
	ErrNoBillingAccount = errors.New("no billing account")

	// ErrInvalidTransition is returned for a disallowed status transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)
