package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lunaria-app/lunaria/app/models"
	"gorm.io/gorm"
)

type fakeRepo struct {
	events       map[string]*models.PurchaseEvent
	purchases    map[string]*models.PlayPurchase
	applications map[string]*models.EntitlementApplication
	ledgers      map[uint]*models.EntitlementLedger
	nextID       uint
	grantAppErr  error // returned once by HasGrantApplication, then cleared
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:       make(map[string]*models.PurchaseEvent),
		purchases:    make(map[string]*models.PlayPurchase),
		applications: make(map[string]*models.EntitlementApplication),
		ledgers:      make(map[uint]*models.EntitlementLedger),
	}
}

func (f *fakeRepo) InTx(fn func(Repository) error) error { return fn(f) }

func (f *fakeRepo) CreateEventIfNotExists(event *models.PurchaseEvent) (bool, *models.PurchaseEvent, error) {
	if existing, ok := f.events[event.MessageID]; ok {
		return false, existing, nil
	}
	f.nextID++
	event.ID = f.nextID
	stored := *event
	f.events[event.MessageID] = &stored
	return true, &stored, nil
}

func (f *fakeRepo) MarkPendingEvents(purchaseToken, status string) error {
	for _, e := range f.events {
		if e.PurchaseToken == purchaseToken && e.Status == models.EventStatusPending {
			e.Status = status
			now := time.Now()
			e.ProcessedAt = &now
		}
	}
	return nil
}

func (f *fakeRepo) GetPurchaseByToken(purchaseToken string) (*models.PlayPurchase, error) {
	if p, ok := f.purchases[purchaseToken]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetPurchaseByTokenLocked(purchaseToken string) (*models.PlayPurchase, error) {
	return f.GetPurchaseByToken(purchaseToken)
}

func (f *fakeRepo) CreatePurchaseIfNotExists(purchase *models.PlayPurchase) (bool, *models.PlayPurchase, error) {
	if existing, ok := f.purchases[purchase.PurchaseToken]; ok {
		copied := *existing
		return false, &copied, nil
	}
	f.nextID++
	purchase.ID = f.nextID
	stored := *purchase
	f.purchases[purchase.PurchaseToken] = &stored
	copied := stored
	return true, &copied, nil
}

func (f *fakeRepo) SavePurchase(purchase *models.PlayPurchase) error {
	stored := *purchase
	f.purchases[purchase.PurchaseToken] = &stored
	return nil
}

func (f *fakeRepo) MarkPurchaseAcknowledged(purchaseToken string) error {
	if p, ok := f.purchases[purchaseToken]; ok {
		p.IsAcknowledged = true
	}
	return nil
}

func (f *fakeRepo) MarkPurchaseConsumed(purchaseToken string) error {
	if p, ok := f.purchases[purchaseToken]; ok {
		p.IsConsumed = true
	}
	return nil
}

func (f *fakeRepo) ListUnacknowledgedPurchases(limit int) ([]models.PlayPurchase, error) {
	var out []models.PlayPurchase
	for _, p := range f.purchases {
		if !p.IsAcknowledged && p.PurchaseState == models.PurchaseStatePurchased {
			out = append(out, *p)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) GetActiveSubscriptionPurchase(userID uint) (*models.PlayPurchase, error) {
	for _, p := range f.purchases {
		if p.UserID == userID && p.Kind == models.PurchaseKindSubscription && p.PurchaseState == models.PurchaseStatePurchased {
			copied := *p
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) CreateApplicationIfNotExists(application *models.EntitlementApplication) (bool, error) {
	key := application.PurchaseToken + "|" + application.EffectKey
	if _, ok := f.applications[key]; ok {
		return false, nil
	}
	stored := *application
	f.applications[key] = &stored
	return true, nil
}

func (f *fakeRepo) HasGrantApplication(purchaseToken string) (bool, error) {
	if f.grantAppErr != nil {
		err := f.grantAppErr
		f.grantAppErr = nil
		return false, err
	}
	for _, a := range f.applications {
		if a.PurchaseToken == purchaseToken && (a.CreditDelta > 0 || a.PlanApplied != "") {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) GetOrCreateLedger(userID uint) (*models.EntitlementLedger, error) {
	if l, ok := f.ledgers[userID]; ok {
		copied := *l
		return &copied, nil
	}
	l := &models.EntitlementLedger{UserID: userID, SubscriptionStatus: models.SubscriptionStatusNone}
	f.ledgers[userID] = l
	copied := *l
	return &copied, nil
}

func (f *fakeRepo) AddCredits(userID uint, delta int) error {
	l, ok := f.ledgers[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	l.CreditBalance += delta
	if l.CreditBalance < 0 {
		l.CreditBalance = 0
	}
	return nil
}

func (f *fakeRepo) SpendCredit(userID uint) (bool, error) {
	l, ok := f.ledgers[userID]
	if !ok || l.CreditBalance <= 0 {
		return false, nil
	}
	l.CreditBalance--
	return true, nil
}

func (f *fakeRepo) SetSubscription(userID uint, plan, status string, expiresAt *time.Time) error {
	l, ok := f.ledgers[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	l.SubscriptionPlan = plan
	l.SubscriptionStatus = status
	l.SubscriptionExpiresAt = expiresAt
	return nil
}

type fakeProvider struct {
	state        *PurchaseState
	validateErr  error
	ackErr       error
	consumeErr   error
	cancelErr    error
	acks         int
	consumes     int
	cancels      int
	validations  int
	lastCancelID string
	lastProduct  string
}

func (f *fakeProvider) ValidatePurchase(ctx context.Context, productID, purchaseToken string) (*PurchaseState, error) {
	f.validations++
	f.lastProduct = productID
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	copied := *f.state
	return &copied, nil
}

func (f *fakeProvider) Acknowledge(ctx context.Context, kind PurchaseKind, productID, purchaseToken string) error {
	f.acks++
	return f.ackErr
}

func (f *fakeProvider) Consume(ctx context.Context, productID, purchaseToken string) error {
	f.consumes++
	return f.consumeErr
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, subscriptionID, purchaseToken string) error {
	f.cancels++
	f.lastCancelID = subscriptionID
	return f.cancelErr
}

type fakeAcks struct {
	tokens []string
}

func (f *fakeAcks) ScheduleAck(purchaseToken string) { f.tokens = append(f.tokens, purchaseToken) }

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := ParseCatalog(`{
		"credits_10": {"credits": 10},
		"credits_50": {"credits": 50},
		"unlimited_monthly": {"plan": "unlimited", "interval": "month"}
	}`)
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	return catalog
}

func creditState(productID string) *PurchaseState {
	return &PurchaseState{Kind: KindProduct, ProductID: productID, State: StateActive, OrderID: "GPA.1234"}
}

func newTestService(t *testing.T, provider *fakeProvider) (*Service, *fakeRepo, *fakeAcks) {
	t.Helper()
	repo := newFakeRepo()
	acks := &fakeAcks{}
	return NewService(repo, provider, testCatalog(t), acks), repo, acks
}

func TestReconcileGrantsCredits(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10")}
	svc, repo, _ := newTestService(t, provider)

	result, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeGranted {
		t.Fatalf("expected granted, got %s", result.Outcome)
	}
	if result.Snapshot.CreditBalance != 10 {
		t.Errorf("expected balance 10, got %d", result.Snapshot.CreditBalance)
	}
	if provider.acks != 1 || provider.consumes != 1 {
		t.Errorf("expected acknowledge and consume, got acks=%d consumes=%d", provider.acks, provider.consumes)
	}
	if p, ok := repo.purchases["tok-1"]; !ok || !p.IsAcknowledged || !p.IsConsumed {
		t.Errorf("purchase not settled: %+v", p)
	}
}

func TestReconcileIsIdempotentPerState(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10")}
	svc, _, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-1"); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	result, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-1")
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if result.Outcome != OutcomeAlreadyGranted {
		t.Fatalf("expected already-granted, got %s", result.Outcome)
	}
	if result.Snapshot.CreditBalance != 10 {
		t.Errorf("duplicate reconcile changed balance: %d", result.Snapshot.CreditBalance)
	}
}

func TestReconcileConcurrentRacersSingleGrant(t *testing.T) {
	// The unique application insert decides the winner; the fake mirrors the
	// database semantics, so two sequential calls over the same state model
	// the race's serialized outcome.
	provider := &fakeProvider{state: creditState("credits_50")}
	svc, repo, _ := newTestService(t, provider)

	first, err := svc.Reconcile(context.Background(), 3, "credits_50", "tok-race")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.Reconcile(context.Background(), 0, "", "tok-race")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Outcome != OutcomeGranted || second.Outcome != OutcomeAlreadyGranted {
		t.Fatalf("outcomes %s / %s", first.Outcome, second.Outcome)
	}
	if repo.ledgers[3].CreditBalance != 50 {
		t.Errorf("expected 50 credits exactly once, got %d", repo.ledgers[3].CreditBalance)
	}
}

func TestReconcileTransientErrorLeavesNoTrace(t *testing.T) {
	provider := &fakeProvider{validateErr: fmt.Errorf("%w: 503", ErrProviderUnavailable)}
	svc, repo, _ := newTestService(t, provider)
	repo.events["m1"] = &models.PurchaseEvent{MessageID: "m1", PurchaseToken: "tok-1", Status: models.EventStatusPending}

	_, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-1")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if repo.events["m1"].Status != models.EventStatusPending {
		t.Errorf("transient failure must keep events pending, got %s", repo.events["m1"].Status)
	}
	if len(repo.applications) != 0 || len(repo.purchases) != 0 {
		t.Errorf("transient failure must not mutate state")
	}
}

func TestReconcilePermanentInvalidToken(t *testing.T) {
	provider := &fakeProvider{validateErr: fmt.Errorf("%w: 400", ErrInvalidPurchaseToken)}
	svc, repo, _ := newTestService(t, provider)
	repo.events["m1"] = &models.PurchaseEvent{MessageID: "m1", PurchaseToken: "tok-bad", Status: models.EventStatusPending}

	result, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-bad")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid, got %s", result.Outcome)
	}
	if repo.events["m1"].Status != models.EventStatusFailed {
		t.Errorf("expected event failed, got %s", repo.events["m1"].Status)
	}
	if repo.ledgers[7].CreditBalance != 0 {
		t.Errorf("invalid token must not grant")
	}
}

func TestReconcileIdentityConflict(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10")}
	svc, repo, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 1, "credits_10", "tok-1"); err != nil {
		t.Fatalf("owner reconcile: %v", err)
	}
	_, err := svc.Reconcile(context.Background(), 2, "credits_10", "tok-1")
	if !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected ErrIdentityConflict, got %v", err)
	}
	if repo.purchases["tok-1"].UserID != 1 {
		t.Errorf("binding must stay with first user, got %d", repo.purchases["tok-1"].UserID)
	}
	if _, ok := repo.ledgers[2]; ok && repo.ledgers[2].CreditBalance != 0 {
		t.Errorf("conflicting user must not be granted")
	}
}

func TestReconcileDefersWithoutIdentity(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10")}
	svc, repo, _ := newTestService(t, provider)
	repo.events["m1"] = &models.PurchaseEvent{MessageID: "m1", PurchaseToken: "tok-1", Status: models.EventStatusPending}

	result, err := svc.Reconcile(context.Background(), 0, "credits_10", "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", result.Outcome)
	}
	if repo.events["m1"].Status != models.EventStatusPending {
		t.Errorf("deferred reconcile must keep events pending")
	}

	// The verify call later supplies the identity and drains the backlog.
	result, err = svc.Reconcile(context.Background(), 9, "credits_10", "tok-1")
	if err != nil {
		t.Fatalf("verify reconcile: %v", err)
	}
	if result.Outcome != OutcomeGranted {
		t.Fatalf("expected granted, got %s", result.Outcome)
	}
	if repo.events["m1"].Status != models.EventStatusProcessed {
		t.Errorf("expected event processed, got %s", repo.events["m1"].Status)
	}
}

func TestReconcileResolvesObfuscatedAccountID(t *testing.T) {
	state := creditState("credits_10")
	state.ObfuscatedAccountID = "42"
	provider := &fakeProvider{state: state}
	svc, repo, _ := newTestService(t, provider)

	result, err := svc.Reconcile(context.Background(), 0, "credits_10", "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeGranted {
		t.Fatalf("expected granted, got %s", result.Outcome)
	}
	if repo.purchases["tok-1"].UserID != 42 {
		t.Errorf("expected binding to user 42, got %d", repo.purchases["tok-1"].UserID)
	}
}

func TestReconcilePendingPurchaseRetries(t *testing.T) {
	state := creditState("credits_10")
	state.State = StatePending
	provider := &fakeProvider{state: state}
	svc, repo, _ := newTestService(t, provider)

	result, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeRetry {
		t.Fatalf("expected retry, got %s", result.Outcome)
	}
	if len(repo.applications) != 0 {
		t.Errorf("pending purchase must not record an application")
	}
	if provider.acks != 0 {
		t.Errorf("pending purchase must not be acknowledged")
	}
}

func TestReconcileRefundDeductsOnlyGrantedCredits(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_50")}
	svc, repo, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 7, "credits_50", "tok-1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	repo.ledgers[7].CreditBalance = 20 // user spent 30 credits

	provider.state = &PurchaseState{Kind: KindProduct, ProductID: "credits_50", State: StateRefunded}
	result, err := svc.Reconcile(context.Background(), 7, "credits_50", "tok-1")
	if err != nil {
		t.Fatalf("refund reconcile: %v", err)
	}
	if result.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid after refund, got %s", result.Outcome)
	}
	if repo.ledgers[7].CreditBalance != 0 {
		t.Errorf("expected balance clamped at 0, got %d", repo.ledgers[7].CreditBalance)
	}
}

func TestReconcileRefundWithoutGrantIsNeutral(t *testing.T) {
	provider := &fakeProvider{state: &PurchaseState{Kind: KindProduct, ProductID: "credits_50", State: StateRefunded}}
	svc, repo, _ := newTestService(t, provider)
	repo.ledgers[7] = &models.EntitlementLedger{UserID: 7, CreditBalance: 5}

	result, err := svc.Reconcile(context.Background(), 7, "credits_50", "tok-never-granted")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid, got %s", result.Outcome)
	}
	if repo.ledgers[7].CreditBalance != 5 {
		t.Errorf("refund of an unapplied grant must not deduct, got %d", repo.ledgers[7].CreditBalance)
	}
}

func TestReconcileRefundLookupFailureAbortsAndRetries(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_50")}
	svc, repo, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 7, "credits_50", "tok-1"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// A failed grant lookup must abort the transaction instead of deciding
	// "no compensation". Settling the refund with a zero delta would consume
	// its effect key and lose the deduction permanently.
	repo.grantAppErr = errors.New("connection reset")
	provider.state = &PurchaseState{Kind: KindProduct, ProductID: "credits_50", State: StateRefunded}
	if _, err := svc.Reconcile(context.Background(), 7, "credits_50", "tok-1"); err == nil {
		t.Fatal("expected the storage error to surface")
	}
	if len(repo.applications) != 1 {
		t.Fatalf("aborted refund must not record an application, got %d", len(repo.applications))
	}
	if repo.ledgers[7].CreditBalance != 50 {
		t.Fatalf("aborted refund must not touch the ledger, got %d", repo.ledgers[7].CreditBalance)
	}

	// Once storage recovers the same trigger deducts exactly once.
	result, err := svc.Reconcile(context.Background(), 7, "credits_50", "tok-1")
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if result.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid after refund, got %s", result.Outcome)
	}
	if repo.ledgers[7].CreditBalance != 0 {
		t.Errorf("expected refund deducted on retry, got %d", repo.ledgers[7].CreditBalance)
	}
	if len(repo.applications) != 2 {
		t.Errorf("expected grant and refund applications, got %d", len(repo.applications))
	}
}

func TestReconcileVoidWithoutProductUsesStoredPurchase(t *testing.T) {
	// voidedPurchaseNotification carries no sku. Validation must run against
	// the product recorded at grant time, not the subscription endpoint.
	provider := &fakeProvider{state: creditState("credits_50")}
	svc, repo, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 7, "credits_50", "tok-1"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	provider.state = &PurchaseState{Kind: KindProduct, ProductID: "credits_50", State: StateRefunded}
	result, err := svc.Reconcile(context.Background(), 0, "", "tok-1")
	if err != nil {
		t.Fatalf("void reconcile: %v", err)
	}
	if provider.lastProduct != "credits_50" {
		t.Fatalf("expected validation with stored product, got %q", provider.lastProduct)
	}
	if result.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid after void, got %s", result.Outcome)
	}
	if repo.ledgers[7].CreditBalance != 0 {
		t.Errorf("expected credits revoked, got %d", repo.ledgers[7].CreditBalance)
	}
}

func TestReconcileWithoutProductOrPurchaseDefers(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10")}
	svc, repo, _ := newTestService(t, provider)
	repo.events["m1"] = &models.PurchaseEvent{MessageID: "m1", PurchaseToken: "tok-unknown", Status: models.EventStatusPending}

	result, err := svc.Reconcile(context.Background(), 0, "", "tok-unknown")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", result.Outcome)
	}
	if provider.validations != 0 {
		t.Errorf("nothing to validate against, provider must not be called")
	}
	if repo.events["m1"].Status != models.EventStatusPending {
		t.Errorf("deferred trigger must keep events pending, got %s", repo.events["m1"].Status)
	}
}

func TestReconcileActivatesSubscription(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour)
	provider := &fakeProvider{state: &PurchaseState{
		Kind: KindSubscription, ProductID: "unlimited_monthly", State: StateActive, ExpiryTime: &expiry,
	}}
	svc, repo, _ := newTestService(t, provider)

	result, err := svc.Reconcile(context.Background(), 7, "unlimited_monthly", "tok-sub")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeGranted {
		t.Fatalf("expected granted, got %s", result.Outcome)
	}
	if result.Snapshot.SubscriptionPlan != "unlimited" || result.Snapshot.SubscriptionStatus != models.SubscriptionStatusActive {
		t.Errorf("unexpected snapshot %+v", result.Snapshot)
	}
	if provider.consumes != 0 {
		t.Errorf("subscriptions must not be consumed")
	}
	if !repo.ledgers[7].HasActiveSubscription(time.Now()) {
		t.Errorf("ledger should report active subscription")
	}
}

func TestReconcileRenewalAppliesNewPeriod(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour)
	state := &PurchaseState{Kind: KindSubscription, ProductID: "unlimited_monthly", State: StateActive, ExpiryTime: &expiry, Acknowledged: true}
	provider := &fakeProvider{state: state}
	svc, repo, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 7, "unlimited_monthly", "tok-sub"); err != nil {
		t.Fatalf("initial: %v", err)
	}
	renewed := expiry.Add(30 * 24 * time.Hour)
	provider.state = &PurchaseState{Kind: KindSubscription, ProductID: "unlimited_monthly", State: StateActive, ExpiryTime: &renewed, Acknowledged: true}

	result, err := svc.Reconcile(context.Background(), 7, "unlimited_monthly", "tok-sub")
	if err != nil {
		t.Fatalf("renewal: %v", err)
	}
	if result.Outcome != OutcomeGranted {
		t.Fatalf("a new expiry is a new effect, got %s", result.Outcome)
	}
	if !repo.ledgers[7].SubscriptionExpiresAt.Equal(renewed) {
		t.Errorf("expected renewed expiry, got %v", repo.ledgers[7].SubscriptionExpiresAt)
	}
}

func TestReconcileExpiredSubscription(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	provider := &fakeProvider{state: &PurchaseState{
		Kind: KindSubscription, ProductID: "unlimited_monthly", State: StateExpired, ExpiryTime: &past, Acknowledged: true,
	}}
	svc, repo, _ := newTestService(t, provider)

	result, err := svc.Reconcile(context.Background(), 7, "unlimited_monthly", "tok-sub")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeInvalid {
		t.Fatalf("expected invalid, got %s", result.Outcome)
	}
	if repo.ledgers[7].SubscriptionStatus != models.SubscriptionStatusExpired {
		t.Errorf("expected expired status, got %s", repo.ledgers[7].SubscriptionStatus)
	}
	if repo.ledgers[7].HasActiveSubscription(time.Now()) {
		t.Errorf("expired subscription must not entitle")
	}
}

func TestReconcileAckFailureKeepsGrant(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10"), ackErr: fmt.Errorf("%w: 503", ErrProviderUnavailable)}
	svc, repo, acks := newTestService(t, provider)

	result, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != OutcomeGranted {
		t.Fatalf("ack failure must not unwind the grant, got %s", result.Outcome)
	}
	if repo.ledgers[7].CreditBalance != 10 {
		t.Errorf("expected credits kept, got %d", repo.ledgers[7].CreditBalance)
	}
	if len(acks.tokens) != 1 || acks.tokens[0] != "tok-1" {
		t.Errorf("expected ack retry scheduled, got %v", acks.tokens)
	}
}

func TestAcknowledgeTokenRetriesSettlement(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10"), ackErr: errors.New("boom")}
	svc, repo, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 7, "credits_10", "tok-1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	provider.ackErr = nil

	if err := svc.AcknowledgeToken(context.Background(), "tok-1"); err != nil {
		t.Fatalf("AcknowledgeToken: %v", err)
	}
	p := repo.purchases["tok-1"]
	if !p.IsAcknowledged || !p.IsConsumed {
		t.Errorf("expected settled purchase, got %+v", p)
	}
}

func TestCancelSubscription(t *testing.T) {
	expiry := time.Now().Add(20 * 24 * time.Hour)
	provider := &fakeProvider{state: &PurchaseState{
		Kind: KindSubscription, ProductID: "unlimited_monthly", State: StateActive, ExpiryTime: &expiry, Acknowledged: true,
	}}
	svc, repo, _ := newTestService(t, provider)

	if _, err := svc.Reconcile(context.Background(), 7, "unlimited_monthly", "tok-sub"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	snapshot, err := svc.CancelSubscription(context.Background(), 7)
	if err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if provider.cancels != 1 || provider.lastCancelID != "unlimited_monthly" {
		t.Errorf("expected one provider cancel for unlimited_monthly, got %d/%s", provider.cancels, provider.lastCancelID)
	}
	if snapshot.SubscriptionStatus != models.SubscriptionStatusCancelled {
		t.Errorf("expected cancelled, got %s", snapshot.SubscriptionStatus)
	}
	// Access runs until the paid period ends.
	if !repo.ledgers[7].HasActiveSubscription(time.Now()) {
		t.Errorf("cancelled subscription should keep access until expiry")
	}
}

func TestCancelSubscriptionWithoutActive(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, _ := newTestService(t, provider)

	_, err := svc.CancelSubscription(context.Background(), 7)
	if !errors.Is(err, ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
	if provider.cancels != 0 {
		t.Errorf("provider must not be called without an active subscription")
	}
}

func pubsubBody(t *testing.T, messageID string, payload map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"messageId": messageID,
			"data":      base64.StdEncoding.EncodeToString(data),
		},
		"subscription": "projects/lunaria/subscriptions/play-rtdn",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestIngestStoresAndReconciles(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10")}
	svc, repo, _ := newTestService(t, provider)
	repo.purchases["tok-1"] = &models.PlayPurchase{UserID: 7, PurchaseToken: "tok-1", ProductID: "credits_10", Kind: models.PurchaseKindProduct}
	repo.ledgers[7] = &models.EntitlementLedger{UserID: 7}

	body := pubsubBody(t, "msg-1", map[string]any{
		"version":     "1.0",
		"packageName": "app.lunaria.android",
		"oneTimeProductNotification": map[string]any{
			"version":          "1.0",
			"notificationType": 1,
			"purchaseToken":    "tok-1",
			"sku":              "credits_10",
		},
	})

	result, err := svc.Ingest(context.Background(), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !result.Stored || result.Duplicate {
		t.Fatalf("expected stored first delivery, got %+v", result)
	}
	if result.Outcome != OutcomeGranted {
		t.Errorf("expected granted, got %s", result.Outcome)
	}
	if repo.ledgers[7].CreditBalance != 10 {
		t.Errorf("expected 10 credits, got %d", repo.ledgers[7].CreditBalance)
	}
}

func TestIngestDuplicateDelivery(t *testing.T) {
	provider := &fakeProvider{state: creditState("credits_10")}
	svc, repo, _ := newTestService(t, provider)
	repo.purchases["tok-1"] = &models.PlayPurchase{UserID: 7, PurchaseToken: "tok-1", ProductID: "credits_10", Kind: models.PurchaseKindProduct}
	repo.ledgers[7] = &models.EntitlementLedger{UserID: 7}

	body := pubsubBody(t, "msg-dup", map[string]any{
		"version":     "1.0",
		"packageName": "app.lunaria.android",
		"oneTimeProductNotification": map[string]any{
			"version":          "1.0",
			"notificationType": 1,
			"purchaseToken":    "tok-1",
			"sku":              "credits_10",
		},
	})

	if _, err := svc.Ingest(context.Background(), body); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	result, err := svc.Ingest(context.Background(), body)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if !result.Duplicate {
		t.Fatalf("expected duplicate, got %+v", result)
	}
	if repo.ledgers[7].CreditBalance != 10 {
		t.Errorf("duplicate delivery changed balance: %d", repo.ledgers[7].CreditBalance)
	}
	if len(repo.events) != 1 {
		t.Errorf("expected one stored event, got %d", len(repo.events))
	}
}

func TestIngestMalformedBody(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, _ := newTestService(t, provider)

	_, err := svc.Ingest(context.Background(), []byte(`{"message":{}}`))
	if !errors.Is(err, ErrMalformedNotification) {
		t.Fatalf("expected ErrMalformedNotification, got %v", err)
	}
}

func TestIngestTransientValidationKeepsEventPending(t *testing.T) {
	provider := &fakeProvider{validateErr: fmt.Errorf("%w: timeout", ErrProviderUnavailable)}
	svc, repo, _ := newTestService(t, provider)

	body := pubsubBody(t, "msg-1", map[string]any{
		"version":     "1.0",
		"packageName": "app.lunaria.android",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": 2,
			"purchaseToken":    "tok-sub",
			"subscriptionId":   "unlimited_monthly",
		},
	})

	result, err := svc.Ingest(context.Background(), body)
	if err != nil {
		t.Fatalf("Ingest must swallow reconcile errors: %v", err)
	}
	if result.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", result.Outcome)
	}
	event, ok := repo.events["msg-1"]
	if !ok || event.Status != models.EventStatusPending {
		t.Errorf("expected pending stored event, got %+v", event)
	}
}

func TestEffectKeyDistinguishesStates(t *testing.T) {
	active := creditState("credits_10")
	refunded := &PurchaseState{Kind: KindProduct, ProductID: "credits_10", State: StateRefunded}

	if EffectKey("tok", active) == EffectKey("tok", refunded) {
		t.Errorf("different provider states must produce different keys")
	}
	if EffectKey("tok", active) != EffectKey("tok", creditState("credits_10")) {
		t.Errorf("identical states must produce identical keys")
	}
	if EffectKey("tok-a", active) == EffectKey("tok-b", active) {
		t.Errorf("keys must be scoped per token")
	}
}

func TestConsumeCreditDeductsBalance(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeProvider{})
	repo.ledgers[7] = &models.EntitlementLedger{UserID: 7, CreditBalance: 2, SubscriptionStatus: models.SubscriptionStatusNone}

	snap, err := svc.ConsumeCredit(context.Background(), 7)
	if err != nil {
		t.Fatalf("ConsumeCredit: %v", err)
	}
	if snap.CreditBalance != 1 {
		t.Errorf("expected balance 1, got %d", snap.CreditBalance)
	}
}

func TestConsumeCreditInsufficientBalance(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeProvider{})
	repo.ledgers[7] = &models.EntitlementLedger{UserID: 7, SubscriptionStatus: models.SubscriptionStatusNone}

	if _, err := svc.ConsumeCredit(context.Background(), 7); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestConsumeCreditUnlimitedSubscriptionIsFree(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeProvider{})
	expiry := time.Now().Add(24 * time.Hour)
	repo.ledgers[7] = &models.EntitlementLedger{
		UserID:                7,
		CreditBalance:         3,
		SubscriptionPlan:      "unlimited",
		SubscriptionStatus:    models.SubscriptionStatusActive,
		SubscriptionExpiresAt: &expiry,
	}

	snap, err := svc.ConsumeCredit(context.Background(), 7)
	if err != nil {
		t.Fatalf("ConsumeCredit: %v", err)
	}
	if snap.CreditBalance != 3 {
		t.Errorf("unlimited subscribers must not be charged, balance=%d", snap.CreditBalance)
	}
}
