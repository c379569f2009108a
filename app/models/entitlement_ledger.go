package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SubscriptionStatusNone      = "none"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusGrace     = "grace"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

// EntitlementLedger holds the per-user entitlement state: the consumable
// credit balance and the current subscription. It is mutated only through the
// billing reconciler's apply step, inside the same transaction as the
// idempotency record insert, never by request handlers doing arithmetic.
type EntitlementLedger struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                uint       `gorm:"not null;uniqueIndex:ux_entitlement_ledgers_user" json:"user_id"`
	CreditBalance         int        `gorm:"not null;default:0" json:"credit_balance"`
	SubscriptionPlan      string     `gorm:"type:varchar(50);not null;default:''" json:"subscription_plan"`
	SubscriptionStatus    string     `gorm:"type:varchar(20);not null;default:'none';index" json:"subscription_status"`
	SubscriptionExpiresAt *time.Time `gorm:"type:timestamp;default:null" json:"subscription_expires_at,omitempty"`
	QuestionsAsked        int64      `gorm:"not null;default:0" json:"questions_asked"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateEntitlementLedger returns the existing ledger row or creates an
// empty one for the user.
func GetOrCreateEntitlementLedger(db *gorm.DB, userID uint) (*EntitlementLedger, error) {
	var l EntitlementLedger
	if err := db.Where("user_id = ?", userID).First(&l).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			l = EntitlementLedger{UserID: userID, SubscriptionStatus: SubscriptionStatusNone}
			if err := db.Create(&l).Error; err != nil {
				return nil, err
			}
			return &l, nil
		}
		return nil, err
	}
	return &l, nil
}

// HasActiveSubscription reports whether the subscription currently entitles
// the user. Cancelled subscriptions keep access until the period end.
func (l *EntitlementLedger) HasActiveSubscription(now time.Time) bool {
	switch l.SubscriptionStatus {
	case SubscriptionStatusActive, SubscriptionStatusGrace:
		return l.SubscriptionExpiresAt == nil || l.SubscriptionExpiresAt.After(now)
	case SubscriptionStatusCancelled:
		return l.SubscriptionExpiresAt != nil && l.SubscriptionExpiresAt.After(now)
	default:
		return false
	}
}
