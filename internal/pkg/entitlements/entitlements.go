package entitlements

import (
	"strings"
	"time"

	"github.com/lunaria-app/lunaria/app/models"
)

type Plan string

const (
	PlanFree      Plan = "free"
	PlanUnlimited Plan = "unlimited"
)

// Cycle is a subscription billing interval.
type Cycle string

const (
	CycleMonth   Cycle = "month"
	CycleYear    Cycle = "year"
	CycleUnknown Cycle = "unknown"
)

// NormalizePlan maps arbitrary input to a known plan, defaulting to free.
func NormalizePlan(plan string) Plan {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case string(PlanUnlimited):
		return PlanUnlimited
	default:
		return PlanFree
	}
}

// NormalizeCycle maps arbitrary input to a known billing interval.
func NormalizeCycle(interval string) Cycle {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "month", "year":
		return Cycle(strings.ToLower(strings.TrimSpace(interval)))
	default:
		return CycleUnknown
	}
}

// Period returns the subscription duration for a billing cycle. Unknown
// cycles default to a month so a grant is never open-ended.
func (c Cycle) Period() time.Duration {
	switch c {
	case CycleYear:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// HasUnlimitedChat reports whether the ledger currently grants unlimited
// chat, i.e. an unexpired unlimited subscription.
func HasUnlimitedChat(l *models.EntitlementLedger, now time.Time) bool {
	if l == nil {
		return false
	}
	return NormalizePlan(l.SubscriptionPlan) == PlanUnlimited && l.HasActiveSubscription(now)
}

// CanAskQuestion reports whether the user may ask a paid question: either an
// active unlimited subscription or at least one credit on the ledger.
func CanAskQuestion(l *models.EntitlementLedger, now time.Time) bool {
	if l == nil {
		return false
	}
	return HasUnlimitedChat(l, now) || l.CreditBalance > 0
}
