package models

import "time"

const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
)

// Event type hints extracted from RTDN payloads. They only trigger
// reconciliation; entitlement effects are derived from the live provider
// state, never from these values.
const (
	EventTypePurchase     = "purchase"
	EventTypeRenewal      = "renewal"
	EventTypeCancellation = "cancellation"
	EventTypeRefund       = "refund"
	EventTypeUnknown      = "unknown"
)

// PurchaseEvent stores one Google Play developer notification with
// deduplication metadata for idempotent processing. The unique message ID is
// the sole determinant of "already seen"; rows are never deleted so the table
// doubles as the audit trail.
type PurchaseEvent struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	MessageID     string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_purchase_events_message_id" json:"message_id"`
	PurchaseToken string     `gorm:"type:varchar(255);not null;index" json:"purchase_token"`
	ProductID     string     `gorm:"type:varchar(191);not null;default:'';index" json:"product_id"`
	EventType     string     `gorm:"type:varchar(50);not null;default:'unknown';index" json:"event_type"`
	Status        string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	RawPayload    string     `gorm:"type:longtext;not null" json:"raw_payload"`
	ProcessedAt   *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the event status can no longer change.
// Status is monotonic: processed and failed never regress to pending.
func (e *PurchaseEvent) IsTerminal() bool {
	return e.Status == EventStatusProcessed || e.Status == EventStatusFailed
}
