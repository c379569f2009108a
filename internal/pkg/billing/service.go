package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/lunaria-app/lunaria/app/models"
	"github.com/lunaria-app/lunaria/internal/pkg/entitlements"
	"gorm.io/gorm"
)

// AckScheduler hands a failed provider acknowledgment to a background retry
// mechanism. The grant itself already happened and is never re-run.
type AckScheduler interface {
	ScheduleAck(purchaseToken string)
}

// Service is the purchase-event reconciliation engine. Both entry points
// (webhook ingestion and client verify) funnel into Reconcile, so the
// dedupe, identity, idempotency, and acknowledgment rules live in exactly
// one place.
type Service struct {
	repo     Repository
	provider ProviderClient
	catalog  *Catalog
	acks     AckScheduler
}

// NewService creates a billing service from injected dependencies. acks may
// be nil; acknowledge failures are then left to the periodic sweep.
func NewService(repo Repository, provider ProviderClient, catalog *Catalog, acks AckScheduler) *Service {
	return &Service{repo: repo, provider: provider, catalog: catalog, acks: acks}
}

// NewServiceFromDB creates a billing service from a GORM DB handle with the
// environment-configured provider client and catalog.
func NewServiceFromDB(db *gorm.DB, acks AckScheduler) (*Service, error) {
	catalog, err := NewCatalogFromEnv()
	if err != nil {
		return nil, err
	}
	return NewService(NewRepository(db), NewPlayClientFromEnv(), catalog, acks), nil
}

// IngestResult reports what an RTDN delivery did.
type IngestResult struct {
	Duplicate bool
	Stored    bool
	Outcome   Outcome
}

// Ingest handles one Pub/Sub RTDN delivery: decode, dedupe-store, and
// best-effort reconcile. Only storage failures should make the transport
// retry; every application-level problem is terminal for this delivery.
func (s *Service) Ingest(ctx context.Context, body []byte) (*IngestResult, error) {
	notification, err := DecodeNotification(body)
	if err != nil {
		return nil, err
	}
	if notification.PurchaseToken == "" {
		// Test notification or a shape without a purchase. Nothing to store.
		return &IngestResult{Outcome: OutcomeDeferred}, nil
	}

	event := &models.PurchaseEvent{
		MessageID:     notification.MessageID,
		PurchaseToken: notification.PurchaseToken,
		ProductID:     notification.ProductID,
		EventType:     notification.EventType,
		Status:        models.EventStatusPending,
		RawPayload:    notification.RawPayload,
	}
	created, stored, err := s.repo.CreateEventIfNotExists(event)
	if err != nil {
		return nil, err
	}
	if !created {
		return &IngestResult{Duplicate: true, Outcome: OutcomeDeferred}, nil
	}
	if stored.IsTerminal() {
		// A racing reconciliation settled the token between insert and read.
		return &IngestResult{Stored: true, Outcome: OutcomeAlreadyGranted}, nil
	}

	// Opportunistic reconciliation. A transient failure just leaves the event
	// pending for the next trigger; it must never bounce the delivery.
	result, err := s.Reconcile(ctx, 0, notification.ProductID, notification.PurchaseToken)
	if err != nil {
		log.Infof("[Billing] deferred reconciliation for token %s: %v", notification.PurchaseToken, err)
		return &IngestResult{Stored: true, Outcome: OutcomeDeferred}, nil
	}
	return &IngestResult{Stored: true, Outcome: result.Outcome}, nil
}

// Reconcile drives a purchase token to its settled entitlement state.
// userID is the authenticated caller on the verify path and 0 when invoked
// opportunistically from ingestion. See the package doc for the state
// machine; the transaction spanning identity, idempotency, ledger, and event
// status makes a transient failure all-or-nothing.
func (s *Service) Reconcile(ctx context.Context, userID uint, productID, purchaseToken string) (*Result, error) {
	token := strings.TrimSpace(purchaseToken)
	if token == "" {
		return nil, fmt.Errorf("%w: empty purchase token", ErrInvalidPurchaseToken)
	}

	// Voided-purchase notifications carry no product id. Route validation
	// through the stored purchase then; the row exists whenever a prior
	// grant did. Without either there is nothing to validate against yet,
	// so the trigger stays pending instead of being failed on a
	// wrong-endpoint rejection.
	productID = strings.TrimSpace(productID)
	if productID == "" {
		purchase, err := s.repo.GetPurchaseByToken(token)
		switch {
		case err == nil:
			productID = purchase.ProductID
		case errors.Is(err, gorm.ErrRecordNotFound):
			return &Result{Outcome: OutcomeDeferred}, nil
		default:
			return nil, err
		}
	}

	// Step 1: authoritative validation. Stored event hints never decide
	// effects; the provider's live state does.
	state, err := s.provider.ValidatePurchase(ctx, productID, token)
	if err != nil {
		if errors.Is(err, ErrInvalidPurchaseToken) {
			return s.failToken(token, userID, err)
		}
		return nil, err
	}

	resolved, err := s.resolveAccount(userID, token, state)
	if err != nil {
		return nil, err
	}
	if resolved == 0 {
		// Expected when ingestion runs ahead of verify: keep events pending.
		return &Result{Outcome: OutcomeDeferred}, nil
	}

	effectProduct := state.ProductID
	if effectProduct == "" {
		effectProduct = strings.TrimSpace(productID)
	}
	effect, ok := s.catalog.Effect(effectProduct)
	if !ok {
		return s.failToken(token, resolved, fmt.Errorf("%w: %s", ErrUnknownProduct, effectProduct))
	}

	if state.State == StatePending {
		// Purchase not settled on the provider side yet. Nothing to apply.
		snapshot, err := s.snapshot(resolved)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeRetry, Snapshot: *snapshot}, nil
	}

	var result Result
	err = s.repo.InTx(func(tx Repository) error {
		outcome, err := s.applyLocked(tx, resolved, userID, token, effectProduct, effect, state)
		if err != nil {
			return err
		}
		snapshot, err := s.snapshotIn(tx, resolved)
		if err != nil {
			return err
		}
		result = Result{Outcome: outcome, Snapshot: *snapshot}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Step 7 runs after commit: the grant stands whether or not the provider
	// hears about it right now.
	s.acknowledge(ctx, token, effectProduct, effect, state)

	return &result, nil
}

// applyLocked runs steps 2-6 inside the per-token transaction.
func (s *Service) applyLocked(tx Repository, resolved, supplied uint, token, productID string, effect Effect, state *PurchaseState) (Outcome, error) {
	kind := models.PurchaseKindProduct
	if state.Kind == KindSubscription {
		kind = models.PurchaseKindSubscription
	}

	created, purchase, err := tx.CreatePurchaseIfNotExists(&models.PlayPurchase{
		UserID:        resolved,
		PurchaseToken: token,
		OrderID:       state.OrderID,
		ProductID:     productID,
		Kind:          kind,
		PurchaseState: purchaseStateColumn(state.State),
	})
	if err != nil {
		return "", err
	}
	if !created {
		// The token-identity binding is immutable. A different authenticated
		// caller is a conflict, never a reassignment.
		if supplied != 0 && purchase.UserID != supplied {
			return "", fmt.Errorf("%w: token owned by user %d", ErrIdentityConflict, purchase.UserID)
		}
		resolved = purchase.UserID
	}

	// Serialize racing reconciliations for this token for the rest of the
	// transaction. Correctness does not depend on it; the unique application
	// insert below does.
	if purchase, err = tx.GetPurchaseByTokenLocked(token); err != nil {
		return "", err
	}

	purchase.OrderID = state.OrderID
	purchase.ProductID = productID
	purchase.PurchaseState = purchaseStateColumn(state.State)
	purchase.ExpiryTime = state.ExpiryTime
	if state.Acknowledged {
		purchase.IsAcknowledged = true
	}
	if state.Consumed {
		purchase.IsConsumed = true
	}
	if err := tx.SavePurchase(purchase); err != nil {
		return "", err
	}

	if _, err := tx.GetOrCreateLedger(resolved); err != nil {
		return "", err
	}

	creditDelta, plan, planStatus, err := s.computeEffect(tx, token, effect, state)
	if err != nil {
		return "", err
	}

	applied, err := tx.CreateApplicationIfNotExists(&models.EntitlementApplication{
		PurchaseToken: token,
		EffectKey:     EffectKey(token, state),
		UserID:        resolved,
		ProductID:     productID,
		PurchaseState: string(state.State),
		CreditDelta:   creditDelta,
		PlanApplied:   string(plan),
	})
	if err != nil {
		return "", err
	}

	outcome := OutcomeAlreadyGranted
	if applied {
		if creditDelta != 0 {
			if err := tx.AddCredits(resolved, creditDelta); err != nil {
				return "", err
			}
		}
		if plan != "" || planStatus != "" {
			if err := tx.SetSubscription(resolved, string(plan), planStatus, state.ExpiryTime); err != nil {
				return "", err
			}
		}
		outcome = OutcomeGranted
	}

	if err := tx.MarkPendingEvents(token, models.EventStatusProcessed); err != nil {
		return "", err
	}

	if state.Revoked() {
		// The purchase is no longer entitling; the compensation (if any) was
		// applied above, exactly once.
		return OutcomeInvalid, nil
	}
	return outcome, nil
}

// computeEffect derives the signed ledger change from the catalog effect and
// the provider's live state. Revokes only compensate credits that a prior
// grant actually applied. A storage error aborts the transaction; deciding
// "no compensation" on a failed read would consume the effect key and lose
// the deduction for good.
func (s *Service) computeEffect(tx Repository, token string, effect Effect, state *PurchaseState) (int, entitlements.Plan, string, error) {
	if state.Revoked() {
		if effect.IsSubscription() {
			return 0, entitlements.NormalizePlan(string(effect.Plan)), revokedSubscriptionStatus(state.State), nil
		}
		granted, err := tx.HasGrantApplication(token)
		if err != nil {
			return 0, "", "", err
		}
		if !granted {
			return 0, "", "", nil
		}
		return -effect.Credits, "", "", nil
	}

	if effect.IsSubscription() {
		return 0, entitlements.NormalizePlan(string(effect.Plan)), models.SubscriptionStatusActive, nil
	}
	return effect.Credits, "", "", nil
}

func revokedSubscriptionStatus(state PurchaseStateValue) string {
	switch state {
	case StateExpired:
		return models.SubscriptionStatusExpired
	default:
		// Cancelled keeps access until the stored expiry passes.
		return models.SubscriptionStatusCancelled
	}
}

// resolveAccount implements the identity ladder: the authenticated caller,
// then the stored token mapping, then the obfuscated external account id the
// mobile client attached to the purchase.
func (s *Service) resolveAccount(userID uint, token string, state *PurchaseState) (uint, error) {
	if userID != 0 {
		return userID, nil
	}
	purchase, err := s.repo.GetPurchaseByToken(token)
	if err == nil {
		return purchase.UserID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	if state.ObfuscatedAccountID != "" {
		if id, err := strconv.ParseUint(state.ObfuscatedAccountID, 10, 32); err == nil && id > 0 {
			return uint(id), nil
		}
	}
	return 0, nil
}

// failToken records a permanent validation failure: pending events flip to
// failed (monotonic, never back to pending) and the caller sees invalid.
func (s *Service) failToken(token string, userID uint, cause error) (*Result, error) {
	if err := s.repo.MarkPendingEvents(token, models.EventStatusFailed); err != nil {
		return nil, err
	}
	log.Infof("[Billing] token %s permanently rejected: %v", token, cause)

	result := &Result{Outcome: OutcomeInvalid}
	if userID != 0 {
		snapshot, err := s.snapshot(userID)
		if err != nil {
			return nil, err
		}
		result.Snapshot = *snapshot
	}
	return result, nil
}

// acknowledge performs the post-commit provider settlement: acknowledge, and
// consume one-time credit products so they can be repurchased. Failures are
// queued for the background sweep; they never unwind the grant.
func (s *Service) acknowledge(ctx context.Context, token, productID string, effect Effect, state *PurchaseState) {
	if state.Revoked() || state.State == StatePending {
		return
	}
	if state.Acknowledged && (effect.IsSubscription() || state.Consumed) {
		return
	}

	if !state.Acknowledged {
		if err := s.provider.Acknowledge(ctx, state.Kind, productID, token); err != nil {
			log.Errorf("[Billing] acknowledge failed for token %s: %v", token, err)
			if s.acks != nil {
				s.acks.ScheduleAck(token)
			}
			return
		}
		if err := s.repo.MarkPurchaseAcknowledged(token); err != nil {
			log.Errorf("[Billing] could not record acknowledgment for token %s: %v", token, err)
		}
	}

	if !effect.IsSubscription() && !state.Consumed {
		if err := s.provider.Consume(ctx, productID, token); err != nil {
			log.Errorf("[Billing] consume failed for token %s: %v", token, err)
			if s.acks != nil {
				s.acks.ScheduleAck(token)
			}
			return
		}
		if err := s.repo.MarkPurchaseConsumed(token); err != nil {
			log.Errorf("[Billing] could not record consumption for token %s: %v", token, err)
		}
	}
}

// AcknowledgeToken re-runs the provider settlement for a purchase whose
// acknowledge or consume call failed earlier. Used by the ack retry queue
// and the periodic sweep; the grant is never re-derived.
func (s *Service) AcknowledgeToken(ctx context.Context, purchaseToken string) error {
	purchase, err := s.repo.GetPurchaseByToken(purchaseToken)
	if err != nil {
		return err
	}

	kind := KindProduct
	if purchase.Kind == models.PurchaseKindSubscription {
		kind = KindSubscription
	}

	if !purchase.IsAcknowledged {
		if err := s.provider.Acknowledge(ctx, kind, purchase.ProductID, purchase.PurchaseToken); err != nil {
			return err
		}
		if err := s.repo.MarkPurchaseAcknowledged(purchase.PurchaseToken); err != nil {
			return err
		}
	}
	if kind == KindProduct && !purchase.IsConsumed && s.catalog.IsCreditProduct(purchase.ProductID) {
		if err := s.provider.Consume(ctx, purchase.ProductID, purchase.PurchaseToken); err != nil {
			return err
		}
		if err := s.repo.MarkPurchaseConsumed(purchase.PurchaseToken); err != nil {
			return err
		}
	}
	return nil
}

// SweepUnacknowledged re-acknowledges settled purchases that never got their
// acknowledge confirmed, oldest first.
func (s *Service) SweepUnacknowledged(ctx context.Context, limit int) error {
	purchases, err := s.repo.ListUnacknowledgedPurchases(limit)
	if err != nil {
		return err
	}
	for i := range purchases {
		if err := s.AcknowledgeToken(ctx, purchases[i].PurchaseToken); err != nil {
			log.Errorf("[Billing] ack sweep failed for token %s: %v", purchases[i].PurchaseToken, err)
		}
	}
	return nil
}

// CancelSubscription turns off auto-renew for the user's active subscription.
// Access continues until the current period end.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) (*Snapshot, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	purchase, err := s.repo.GetActiveSubscriptionPurchase(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}

	if err := s.provider.CancelSubscription(ctx, purchase.ProductID, purchase.PurchaseToken); err != nil {
		return nil, err
	}

	err = s.repo.InTx(func(tx Repository) error {
		locked, err := tx.GetPurchaseByTokenLocked(purchase.PurchaseToken)
		if err != nil {
			return err
		}
		locked.PurchaseState = models.PurchaseStateCancelled
		if err := tx.SavePurchase(locked); err != nil {
			return err
		}

		ledger, err := tx.GetOrCreateLedger(userID)
		if err != nil {
			return err
		}
		return tx.SetSubscription(userID, ledger.SubscriptionPlan, models.SubscriptionStatusCancelled, ledger.SubscriptionExpiresAt)
	})
	if err != nil {
		return nil, err
	}
	return s.snapshot(userID)
}

// SnapshotFor returns the user's current entitlement state.
func (s *Service) SnapshotFor(userID uint) (*Snapshot, error) {
	return s.snapshot(userID)
}

// ConsumeCredit spends one credit for a paid question. Users with an active
// unlimited subscription are not charged. Returns ErrInsufficientCredits when
// neither applies; the balance guard sits in the UPDATE, so two concurrent
// spends of the last credit cannot both succeed.
func (s *Service) ConsumeCredit(ctx context.Context, userID uint) (*Snapshot, error) {
	ledger, err := s.repo.GetOrCreateLedger(userID)
	if err != nil {
		return nil, err
	}
	if entitlements.HasUnlimitedChat(ledger, time.Now()) {
		return s.snapshot(userID)
	}
	spent, err := s.repo.SpendCredit(userID)
	if err != nil {
		return nil, err
	}
	if !spent {
		return nil, ErrInsufficientCredits
	}
	return s.snapshot(userID)
}

func (s *Service) snapshot(userID uint) (*Snapshot, error) {
	return s.snapshotIn(s.repo, userID)
}

func (s *Service) snapshotIn(repo Repository, userID uint) (*Snapshot, error) {
	ledger, err := repo.GetOrCreateLedger(userID)
	if err != nil {
		return nil, err
	}
	status := ledger.SubscriptionStatus
	if status == "" {
		status = models.SubscriptionStatusNone
	}
	if !ledger.HasActiveSubscription(time.Now()) &&
		status != models.SubscriptionStatusNone && status != models.SubscriptionStatusExpired {
		status = models.SubscriptionStatusExpired
	}
	return &Snapshot{
		CreditBalance:         ledger.CreditBalance,
		SubscriptionPlan:      ledger.SubscriptionPlan,
		SubscriptionStatus:    status,
		SubscriptionExpiresAt: ledger.SubscriptionExpiresAt,
	}, nil
}

// EffectKey builds the idempotency discriminator for one (token, validated
// provider state) pair. Hashing the state content means a second transition
// for the same token (purchase then refund) applies independently while a
// replay of the same state is a no-op, without relying on any provider
// sequence number.
func EffectKey(purchaseToken string, state *PurchaseState) string {
	expiry := ""
	if state.ExpiryTime != nil {
		expiry = state.ExpiryTime.UTC().Format(time.RFC3339)
	}
	material := strings.Join([]string{purchaseToken, string(state.Kind), string(state.State), state.ProductID, expiry}, "|")
	sum := sha256.Sum256([]byte(material))
	return "hash:" + hex.EncodeToString(sum[:])
}

func purchaseStateColumn(state PurchaseStateValue) string {
	switch state {
	case StateActive:
		return models.PurchaseStatePurchased
	case StateCancelled:
		return models.PurchaseStateCancelled
	case StateRefunded:
		return models.PurchaseStateRefunded
	case StateExpired:
		return models.PurchaseStateExpired
	default:
		return models.PurchaseStatePending
	}
}
