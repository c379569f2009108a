package models

import "time"

// EntitlementApplication is the idempotency record guarding entitlement
// mutations. One row exists per (purchase_token, effect_key) whose effect has
// already been applied; the atomic insert-if-not-exists under the unique
// index is what makes replayed notifications and racing reconcilers safe.
// EffectKey is a hash of the provider's validated purchase state, so distinct
// state transitions for one token (purchase, then refund) get distinct keys.
type EntitlementApplication struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	PurchaseToken string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_entitlement_applications_effect,priority:1" json:"purchase_token"`
	EffectKey     string    `gorm:"type:varchar(100);not null;uniqueIndex:ux_entitlement_applications_effect,priority:2" json:"effect_key"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	ProductID     string    `gorm:"type:varchar(191);not null;default:''" json:"product_id"`
	PurchaseState string    `gorm:"type:varchar(20);not null" json:"purchase_state"`
	CreditDelta   int       `gorm:"not null;default:0" json:"credit_delta"`
	PlanApplied   string    `gorm:"type:varchar(50);not null;default:''" json:"plan_applied"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
