package models

import (
	"testing"
	"time"
)

func TestHasActiveSubscription(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name   string
		ledger EntitlementLedger
		want   bool
	}{
		{"active with future expiry", EntitlementLedger{SubscriptionStatus: SubscriptionStatusActive, SubscriptionExpiresAt: &future}, true},
		{"active without expiry", EntitlementLedger{SubscriptionStatus: SubscriptionStatusActive}, true},
		{"active past expiry", EntitlementLedger{SubscriptionStatus: SubscriptionStatusActive, SubscriptionExpiresAt: &past}, false},
		{"grace period", EntitlementLedger{SubscriptionStatus: SubscriptionStatusGrace, SubscriptionExpiresAt: &future}, true},
		{"cancelled keeps access until period end", EntitlementLedger{SubscriptionStatus: SubscriptionStatusCancelled, SubscriptionExpiresAt: &future}, true},
		{"cancelled past period end", EntitlementLedger{SubscriptionStatus: SubscriptionStatusCancelled, SubscriptionExpiresAt: &past}, false},
		{"cancelled without expiry", EntitlementLedger{SubscriptionStatus: SubscriptionStatusCancelled}, false},
		{"none", EntitlementLedger{SubscriptionStatus: SubscriptionStatusNone}, false},
		{"expired", EntitlementLedger{SubscriptionStatus: SubscriptionStatusExpired, SubscriptionExpiresAt: &future}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ledger.HasActiveSubscription(now); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPurchaseEventIsTerminal(t *testing.T) {
	if (&PurchaseEvent{Status: EventStatusPending}).IsTerminal() {
		t.Errorf("pending is not terminal")
	}
	if !(&PurchaseEvent{Status: EventStatusProcessed}).IsTerminal() {
		t.Errorf("processed is terminal")
	}
	if !(&PurchaseEvent{Status: EventStatusFailed}).IsTerminal() {
		t.Errorf("failed is terminal")
	}
}
