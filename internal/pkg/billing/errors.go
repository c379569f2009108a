package billing

import "errors"

// Error taxonomy for the reconciliation engine. Callers branch with
// errors.Is; everything transient must wrap ErrProviderUnavailable so entry
// points can surface a retry instead of a permanent failure.
var (
	// ErrMalformedNotification marks an undecodable delivery envelope or
	// payload. Logged and acknowledged to the transport, never retried.
	ErrMalformedNotification = errors.New("malformed notification payload")

	// ErrInvalidPurchaseToken is the permanent rejection of a token by the
	// provider. Events for the token are marked failed.
	ErrInvalidPurchaseToken = errors.New("purchase token rejected by provider")

	// ErrProviderUnavailable is a transient provider failure (timeout, 5xx,
	// rate limit). No local state is mutated; the caller may retry.
	ErrProviderUnavailable = errors.New("billing provider temporarily unavailable")

	// ErrIdentityConflict is returned when a purchase token is already bound
	// to a different user. Ownership is never reassigned.
	ErrIdentityConflict = errors.New("purchase token already linked to another account")

	// ErrUnknownProduct is returned when the validated product has no catalog
	// entry, so no entitlement effect can be computed.
	ErrUnknownProduct = errors.New("product not present in catalog")

	// ErrInsufficientCredits is returned by ConsumeCredit when the user has
	// neither an unlimited subscription nor a positive balance.
	ErrInsufficientCredits = errors.New("insufficient credit balance")

	// ErrNoActiveSubscription is returned by cancel when the user has no
	// subscription to cancel.
	ErrNoActiveSubscription = errors.New("no active subscription found")
)
