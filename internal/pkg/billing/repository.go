package billing

import (
	"time"

	"github.com/lunaria-app/lunaria/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the reconciliation service. All
// writes that decide idempotency go through insert-if-not-exists on a unique
// key; the reported bool is "this call created the row", which is what makes
// racing reconcilers safe.
type Repository interface {
	// InTx runs fn against a repository bound to one database transaction.
	// The reconciler wraps its identity/apply/mark-processed sequence in this
	// so a transient failure leaves no partial state.
	InTx(fn func(Repository) error) error

	CreateEventIfNotExists(event *models.PurchaseEvent) (bool, *models.PurchaseEvent, error)
	// MarkPendingEvents moves all still-pending events for the token to the
	// given terminal status. Processed and failed rows are never touched, so
	// event status stays monotonic.
	MarkPendingEvents(purchaseToken, status string) error

	GetPurchaseByToken(purchaseToken string) (*models.PlayPurchase, error)
	// GetPurchaseByTokenLocked acquires a row lock inside the surrounding
	// transaction to serialize concurrent reconciliations per token.
	GetPurchaseByTokenLocked(purchaseToken string) (*models.PlayPurchase, error)
	CreatePurchaseIfNotExists(purchase *models.PlayPurchase) (bool, *models.PlayPurchase, error)
	SavePurchase(purchase *models.PlayPurchase) error
	MarkPurchaseAcknowledged(purchaseToken string) error
	MarkPurchaseConsumed(purchaseToken string) error
	ListUnacknowledgedPurchases(limit int) ([]models.PlayPurchase, error)
	GetActiveSubscriptionPurchase(userID uint) (*models.PlayPurchase, error)

	CreateApplicationIfNotExists(application *models.EntitlementApplication) (bool, error)
	HasGrantApplication(purchaseToken string) (bool, error)

	GetOrCreateLedger(userID uint) (*models.EntitlementLedger, error)
	// AddCredits applies a signed delta to the user's balance, clamped at
	// zero so revokes never push the ledger negative.
	AddCredits(userID uint, delta int) error
	// SpendCredit deducts a single credit if the balance is positive and
	// reports whether the deduction happened. The guard lives in the UPDATE
	// itself so concurrent spenders cannot overdraw.
	SpendCredit(userID uint) (bool, error)
	SetSubscription(userID uint, plan, status string, expiresAt *time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) InTx(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateEventIfNotExists(event *models.PurchaseEvent) (bool, *models.PurchaseEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PurchaseEvent
	if err := r.db.Where("message_id = ?", event.MessageID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkPendingEvents(purchaseToken, status string) error {
	now := time.Now()
	return r.db.Model(&models.PurchaseEvent{}).
		Where("purchase_token = ? AND status = ?", purchaseToken, models.EventStatusPending).
		Updates(map[string]interface{}{
			"status":       status,
			"processed_at": &now,
		}).Error
}

func (r *gormRepository) GetPurchaseByToken(purchaseToken string) (*models.PlayPurchase, error) {
	var purchase models.PlayPurchase
	if err := r.db.Where("purchase_token = ?", purchaseToken).First(&purchase).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *gormRepository) GetPurchaseByTokenLocked(purchaseToken string) (*models.PlayPurchase, error) {
	var purchase models.PlayPurchase
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("purchase_token = ?", purchaseToken).
		First(&purchase).Error
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *gormRepository) CreatePurchaseIfNotExists(purchase *models.PlayPurchase) (bool, *models.PlayPurchase, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "purchase_token"}},
		DoNothing: true,
	}).Create(purchase)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PlayPurchase
	if err := r.db.Where("purchase_token = ?", purchase.PurchaseToken).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) SavePurchase(purchase *models.PlayPurchase) error {
	return r.db.Save(purchase).Error
}

func (r *gormRepository) MarkPurchaseAcknowledged(purchaseToken string) error {
	return r.db.Model(&models.PlayPurchase{}).
		Where("purchase_token = ?", purchaseToken).
		Update("is_acknowledged", true).Error
}

func (r *gormRepository) MarkPurchaseConsumed(purchaseToken string) error {
	return r.db.Model(&models.PlayPurchase{}).
		Where("purchase_token = ?", purchaseToken).
		Update("is_consumed", true).Error
}

func (r *gormRepository) ListUnacknowledgedPurchases(limit int) ([]models.PlayPurchase, error) {
	var purchases []models.PlayPurchase
	err := r.db.
		Where("is_acknowledged = ? AND purchase_state = ?", false, models.PurchaseStatePurchased).
		Order("updated_at").
		Limit(limit).
		Find(&purchases).Error
	return purchases, err
}

func (r *gormRepository) GetActiveSubscriptionPurchase(userID uint) (*models.PlayPurchase, error) {
	var purchase models.PlayPurchase
	err := r.db.
		Where("user_id = ? AND kind = ? AND purchase_state = ?",
			userID, models.PurchaseKindSubscription, models.PurchaseStatePurchased).
		Order("updated_at DESC").
		First(&purchase).Error
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *gormRepository) CreateApplicationIfNotExists(application *models.EntitlementApplication) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "purchase_token"},
			{Name: "effect_key"},
		},
		DoNothing: true,
	}).Create(application)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) HasGrantApplication(purchaseToken string) (bool, error) {
	var count int64
	err := r.db.Model(&models.EntitlementApplication{}).
		Where("purchase_token = ? AND (credit_delta > 0 OR plan_applied <> '')", purchaseToken).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) GetOrCreateLedger(userID uint) (*models.EntitlementLedger, error) {
	return models.GetOrCreateEntitlementLedger(r.db, userID)
}

func (r *gormRepository) AddCredits(userID uint, delta int) error {
	return r.db.Model(&models.EntitlementLedger{}).
		Where("user_id = ?", userID).
		Update("credit_balance", gorm.Expr("GREATEST(credit_balance + ?, 0)", delta)).Error
}

func (r *gormRepository) SpendCredit(userID uint) (bool, error) {
	tx := r.db.Model(&models.EntitlementLedger{}).
		Where("user_id = ? AND credit_balance > 0", userID).
		Update("credit_balance", gorm.Expr("credit_balance - 1"))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) SetSubscription(userID uint, plan, status string, expiresAt *time.Time) error {
	return r.db.Model(&models.EntitlementLedger{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_plan":       plan,
			"subscription_status":     status,
			"subscription_expires_at": expiresAt,
		}).Error
}
