package billing

import (
	"context"
	"time"
)

// PurchaseKind distinguishes one-time products from subscriptions.
type PurchaseKind string

const (
	KindProduct      PurchaseKind = "inapp"
	KindSubscription PurchaseKind = "subs"
)

// PurchaseStateValue is the normalized, provider-authoritative state of a
// purchase. It is derived from a live validation call and is the only input
// entitlement effects are computed from.
type PurchaseStateValue string

const (
	StateActive    PurchaseStateValue = "active"
	StatePending   PurchaseStateValue = "pending"
	StateCancelled PurchaseStateValue = "cancelled"
	StateRefunded  PurchaseStateValue = "refunded"
	StateExpired   PurchaseStateValue = "expired"
)

// PurchaseState is the normalized result of validating a purchase token
// against the Google Play Developer API.
type PurchaseState struct {
	Kind                PurchaseKind
	ProductID           string
	State               PurchaseStateValue
	OrderID             string
	ExpiryTime          *time.Time
	Acknowledged        bool
	Consumed            bool
	ObfuscatedAccountID string
}

// Revoked reports whether the provider-side state supersedes any earlier
// grant for the token.
func (s *PurchaseState) Revoked() bool {
	switch s.State {
	case StateCancelled, StateRefunded, StateExpired:
		return true
	default:
		return false
	}
}

// ProviderClient is the seam to the billing provider's authoritative purchase
// APIs. Implementations must classify failures as transient
// (ErrProviderUnavailable) or permanent (ErrInvalidPurchaseToken).
type ProviderClient interface {
	// ValidatePurchase returns the provider's current authoritative state for
	// the token. productID may be empty; implementations then probe both the
	// product and subscription endpoints.
	ValidatePurchase(ctx context.Context, productID, purchaseToken string) (*PurchaseState, error)
	// Acknowledge settles the purchase with the provider. Idempotent on the
	// provider side by token.
	Acknowledge(ctx context.Context, kind PurchaseKind, productID, purchaseToken string) error
	// Consume marks a one-time product consumed so it can be repurchased.
	Consume(ctx context.Context, productID, purchaseToken string) error
	// CancelSubscription turns off auto-renew. Access continues until the
	// current period end.
	CancelSubscription(ctx context.Context, subscriptionID, purchaseToken string) error
}

// Outcome is the per-call result of a reconciliation.
type Outcome string

const (
	OutcomeGranted        Outcome = "granted"
	OutcomeAlreadyGranted Outcome = "already-granted"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeRetry          Outcome = "retry"
	// OutcomeDeferred means no account is resolvable yet; stored events stay
	// pending until the verify path supplies an identity.
	OutcomeDeferred Outcome = "deferred"
)

// Snapshot is the post-reconciliation entitlement state returned to callers.
type Snapshot struct {
	CreditBalance         int        `json:"credit_balance"`
	SubscriptionPlan      string     `json:"subscription_plan,omitempty"`
	SubscriptionStatus    string     `json:"subscription_status"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
}

// Result bundles the reconciliation outcome with the resulting entitlements.
type Result struct {
	Outcome  Outcome
	Snapshot Snapshot
}

// Notification is the normalized content of one RTDN delivery: the dedupe
// key, the purchase token, and advisory hints. Hints trigger reconciliation
// but never decide entitlement effects.
type Notification struct {
	MessageID           string
	PurchaseToken       string
	ProductID           string
	EventType           string
	ObfuscatedAccountID string
	RawPayload          string
}
