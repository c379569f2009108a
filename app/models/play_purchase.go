package models

import "time"

const (
	PurchaseStatePurchased = "purchased"
	PurchaseStatePending   = "pending"
	PurchaseStateCancelled = "cancelled"
	PurchaseStateRefunded  = "refunded"
	PurchaseStateExpired   = "expired"
)

const (
	PurchaseKindProduct      = "inapp"
	PurchaseKindSubscription = "subs"
)

// PlayPurchase maps a Google Play purchase token to the local user that owns
// it. At most one row exists per token and the user binding is immutable once
// written: a re-association attempt with a different user is an identity
// conflict, not an overwrite. The remaining columns mirror the provider's
// last observed state for audit and for the acknowledgment sweep.
type PlayPurchase struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"not null;index" json:"user_id"`
	PurchaseToken  string     `gorm:"type:varchar(255);not null;uniqueIndex:ux_play_purchases_token" json:"purchase_token"`
	OrderID        string     `gorm:"type:varchar(191);not null;default:'';index" json:"order_id"`
	ProductID      string     `gorm:"type:varchar(191);not null;index" json:"product_id"`
	Kind           string     `gorm:"type:varchar(10);not null;default:'inapp'" json:"kind"`
	PurchaseState  string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"purchase_state"`
	IsAcknowledged bool       `gorm:"default:false;index" json:"is_acknowledged"`
	IsConsumed     bool       `gorm:"default:false" json:"is_consumed"`
	ExpiryTime     *time.Time `gorm:"type:timestamp;default:null" json:"expiry_time,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
