package entitlements

import (
	"testing"
	"time"

	"github.com/lunaria-app/lunaria/app/models"
)

func TestNormalizePlan(t *testing.T) {
	if NormalizePlan(" Unlimited ") != PlanUnlimited {
		t.Errorf("expected unlimited")
	}
	if NormalizePlan("free") != PlanFree {
		t.Errorf("expected free")
	}
	if NormalizePlan("something-else") != PlanFree {
		t.Errorf("unknown plans default to free")
	}
}

func TestNormalizeCycle(t *testing.T) {
	if NormalizeCycle("Month") != CycleMonth || NormalizeCycle("year") != CycleYear {
		t.Errorf("known cycles must normalize")
	}
	if NormalizeCycle("weekly") != CycleUnknown {
		t.Errorf("unknown cycles must map to unknown")
	}
}

func TestCyclePeriod(t *testing.T) {
	if CycleYear.Period() != 365*24*time.Hour {
		t.Errorf("unexpected yearly period")
	}
	if CycleMonth.Period() != 30*24*time.Hour {
		t.Errorf("unexpected monthly period")
	}
	if CycleUnknown.Period() != 30*24*time.Hour {
		t.Errorf("unknown cycles must default to a month")
	}
}

func TestHasUnlimitedChat(t *testing.T) {
	now := time.Now()
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	cases := []struct {
		name   string
		ledger *models.EntitlementLedger
		want   bool
	}{
		{"nil ledger", nil, false},
		{"active unlimited", &models.EntitlementLedger{
			SubscriptionPlan:      "unlimited",
			SubscriptionStatus:    models.SubscriptionStatusActive,
			SubscriptionExpiresAt: &future,
		}, true},
		{"cancelled but not yet expired", &models.EntitlementLedger{
			SubscriptionPlan:      "unlimited",
			SubscriptionStatus:    models.SubscriptionStatusCancelled,
			SubscriptionExpiresAt: &future,
		}, true},
		{"expired", &models.EntitlementLedger{
			SubscriptionPlan:      "unlimited",
			SubscriptionStatus:    models.SubscriptionStatusActive,
			SubscriptionExpiresAt: &past,
		}, false},
		{"free plan", &models.EntitlementLedger{
			SubscriptionPlan:      "free",
			SubscriptionStatus:    models.SubscriptionStatusActive,
			SubscriptionExpiresAt: &future,
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasUnlimitedChat(tc.ledger, now); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCanAskQuestion(t *testing.T) {
	now := time.Now()

	if CanAskQuestion(nil, now) {
		t.Errorf("nil ledger cannot ask")
	}
	if !CanAskQuestion(&models.EntitlementLedger{CreditBalance: 1}, now) {
		t.Errorf("positive balance must allow a question")
	}
	if CanAskQuestion(&models.EntitlementLedger{CreditBalance: 0}, now) {
		t.Errorf("empty balance without subscription must deny")
	}
}
