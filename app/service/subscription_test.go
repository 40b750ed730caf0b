package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
	"github.com/vibast-solutions/ms-go-entitlements/app/gateway"
	"github.com/vibast-solutions/ms-go-entitlements/app/repository"
	"github.com/vibast-solutions/ms-go-entitlements/app/storefront"
	"github.com/vibast-solutions/ms-go-entitlements/config"
)

type fakeReceiptRepo struct {
	receipts map[int64]*entity.Receipt
	nextID   uint64

	conflictsLeft int
	updateCalls   int
}

func newFakeReceiptRepo() *fakeReceiptRepo {
	return &fakeReceiptRepo{
		receipts: map[int64]*entity.Receipt{},
		nextID:   1,
	}
}

func (r *fakeReceiptRepo) Create(_ context.Context, receipt *entity.Receipt) error {
	if _, ok := r.receipts[receipt.CustomerID]; ok {
		return repository.ErrReceiptAlreadyExists
	}
	receipt.ID = r.nextID
	r.nextID++
	copyItem := *receipt
	r.receipts[receipt.CustomerID] = &copyItem
	return nil
}

func (r *fakeReceiptRepo) Update(_ context.Context, receipt *entity.Receipt, fromVersion int64) error {
	r.updateCalls++
	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		return repository.ErrReceiptConflict
	}
	current, ok := r.receipts[receipt.CustomerID]
	if !ok || current.Version != fromVersion {
		return repository.ErrReceiptConflict
	}
	copyItem := *receipt
	r.receipts[receipt.CustomerID] = &copyItem
	return nil
}

func (r *fakeReceiptRepo) FindByCustomerID(_ context.Context, customerID int64) (*entity.Receipt, error) {
	item, ok := r.receipts[customerID]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *fakeReceiptRepo) ListStale(_ context.Context, before time.Time, limit int32) ([]*entity.Receipt, error) {
	items := make([]*entity.Receipt, 0)
	for _, item := range r.receipts {
		if item.GivesAccess && !item.UpdatedAt.After(before) && int32(len(items)) < limit {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return items, nil
}

type fakeEventRepo struct {
	events []*entity.WebhookEvent
	nextID uint64

	updateErr error
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{nextID: 1}
}

func (r *fakeEventRepo) Create(_ context.Context, event *entity.WebhookEvent) error {
	event.ID = r.nextID
	r.nextID++
	copyItem := *event
	r.events = append(r.events, &copyItem)
	return nil
}

func (r *fakeEventRepo) Update(_ context.Context, event *entity.WebhookEvent) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	for i, item := range r.events {
		if item.ID == event.ID && item.DeletedAt == nil {
			copyItem := *event
			r.events[i] = &copyItem
			return nil
		}
	}
	return repository.ErrWebhookEventNotFound
}

func (r *fakeEventRepo) FindProcessedByDedupeKey(_ context.Context, dedupeKey string) (*entity.WebhookEvent, error) {
	for i := len(r.events) - 1; i >= 0; i-- {
		item := r.events[i]
		if item.DedupeKey == dedupeKey && item.Status == entity.WebhookEventProcessed && item.DeletedAt == nil {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *fakeEventRepo) ListUnprocessed(_ context.Context, before time.Time, limit int32) ([]*entity.WebhookEvent, error) {
	items := make([]*entity.WebhookEvent, 0)
	for _, item := range r.events {
		if item.Status == entity.WebhookEventReceived && !item.ReceivedAt.After(before) && item.DeletedAt == nil && int32(len(items)) < limit {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return items, nil
}

func (r *fakeEventRepo) ListProcessedBefore(_ context.Context, before time.Time, limit int32) ([]*entity.WebhookEvent, error) {
	items := make([]*entity.WebhookEvent, 0)
	for _, item := range r.events {
		if item.Status == entity.WebhookEventProcessed && item.ProcessedAt != nil && !item.ProcessedAt.After(before) && item.DeletedAt == nil && int32(len(items)) < limit {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return items, nil
}

func (r *fakeEventRepo) SoftDelete(_ context.Context, id uint64, now time.Time) error {
	for _, item := range r.events {
		if item.ID == id && item.DeletedAt == nil {
			deletedAt := now
			item.DeletedAt = &deletedAt
			return nil
		}
	}
	return repository.ErrWebhookEventNotFound
}

type fakeGateway struct {
	environment   gateway.Environment
	subscriptions []gateway.Subscription
	products      map[string]*gateway.Product
	listErr       error

	listedExternalIDs []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		environment: gateway.EnvironmentProduction,
		products:    map[string]*gateway.Product{},
	}
}

func (g *fakeGateway) ListCustomerSubscriptions(_ context.Context, internalID int64, _ ...string) ([]gateway.Subscription, error) {
	g.listedExternalIDs = append(g.listedExternalIDs, g.environment.NamespaceCustomerID(internalID))
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.subscriptions, nil
}

func (g *fakeGateway) GetProduct(_ context.Context, productID string, _ ...string) (*gateway.Product, error) {
	product, ok := g.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s not found", productID)
	}
	return product, nil
}

func (g *fakeGateway) DenamespaceCustomerID(externalID string) (int64, error) {
	return g.environment.DenamespaceCustomerID(externalID)
}

type fakeVerifier struct {
	platform string
	result   *storefront.VerifyResult
	err      error

	inputs []*storefront.VerifyInput
}

func (v *fakeVerifier) Platform() string {
	return v.platform
}

func (v *fakeVerifier) VerifyPurchase(_ context.Context, input *storefront.VerifyInput) (*storefront.VerifyResult, error) {
	v.inputs = append(v.inputs, input)
	if v.err != nil {
		return nil, v.err
	}
	return v.result, nil
}

func newTestService(receiptRepo *fakeReceiptRepo, eventRepo *fakeEventRepo, gw *fakeGateway, verifiers ...storefront.Verifier) *SubscriptionService {
	return NewSubscriptionService(
		receiptRepo,
		eventRepo,
		storefront.NewRegistry(verifiers...),
		gw,
		config.EntitlementsConfig{JobBatchSize: 100},
	)
}

func productionSubscription() gateway.Subscription {
	return gateway.Subscription{
		ID:                          "rcsub_1",
		Status:                      "active",
		StoreSubscriptionIdentifier: "sub_abc",
		GivesAccess:                 true,
		Store:                       "app_store",
		ProductID:                   "prod_1",
		CurrentPeriodStartsAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		CurrentPeriodEndsAt:         time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Revenue:                     gateway.Revenue{Gross: 59.99, Currency: "usd"},
		Product:                     &gateway.Product{ID: "prod_1", StoreIdentifier: "com.app.annual:v2"},
	}
}

func TestVerifySubscriptionBuildsCanonicalReceipt(t *testing.T) {
	receiptRepo := newFakeReceiptRepo()
	gw := newFakeGateway()
	gw.subscriptions = []gateway.Subscription{productionSubscription()}
	verifier := &fakeVerifier{
		platform: entity.PlatformAppStore,
		result:   &storefront.VerifyResult{TransactionID: "1000000123", SignedTransactions: []string{"jws1"}},
	}
	svc := newTestService(receiptRepo, newFakeEventRepo(), gw, verifier)

	receipt, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 42,
		Platform:   entity.PlatformAppStore,
		Receipt:    "1000000123",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if receipt.ProductID != "com.app.annual" {
		t.Fatalf("expected canonical product id com.app.annual, got %s", receipt.ProductID)
	}
	if receipt.Reference != "sub_abc" || receipt.OriginalReference != "sub_abc" {
		t.Fatalf("expected reference sub_abc, got %s / %s", receipt.Reference, receipt.OriginalReference)
	}
	if receipt.Amount != 59.99 || receipt.Currency != "USD" {
		t.Fatalf("unexpected revenue mapping: %v %s", receipt.Amount, receipt.Currency)
	}
	if !receipt.GivesAccess || receipt.Status != "active" {
		t.Fatalf("unexpected access state: %v %s", receipt.GivesAccess, receipt.Status)
	}
	if !receipt.ExpireDate.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expire date: %v", receipt.ExpireDate)
	}
	if !receipt.PurchaseDate.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected purchase date: %v", receipt.PurchaseDate)
	}

	if len(gw.listedExternalIDs) != 1 || gw.listedExternalIDs[0] != "prd42" {
		t.Fatalf("expected gateway lookup for prd42, got %v", gw.listedExternalIDs)
	}

	stored, _ := receiptRepo.FindByCustomerID(context.Background(), 42)
	if stored == nil || stored.Version != 1 {
		t.Fatalf("expected stored receipt at version 1, got %+v", stored)
	}
}

func TestVerifySubscriptionPlatformFollowsSubscriptionStore(t *testing.T) {
	receiptRepo := newFakeReceiptRepo()
	gw := newFakeGateway()
	subscription := productionSubscription()
	subscription.Store = "play_store"
	gw.subscriptions = []gateway.Subscription{subscription}
	verifier := &fakeVerifier{
		platform: entity.PlatformAppStore,
		result:   &storefront.VerifyResult{TransactionID: "1"},
	}
	svc := newTestService(receiptRepo, newFakeEventRepo(), gw, verifier)

	receipt, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 42,
		Platform:   entity.PlatformAppStore,
		Receipt:    "1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if receipt.Platform != entity.PlatformPlayStore {
		t.Fatalf("expected platform from the subscription store tag, got %s", receipt.Platform)
	}

	// Without a store tag the caller's platform fills in.
	subscription.Store = ""
	gw.subscriptions = []gateway.Subscription{subscription}
	receipt, err = svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 43,
		Platform:   entity.PlatformAppStore,
		Receipt:    "1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if receipt.Platform != entity.PlatformAppStore {
		t.Fatalf("expected caller platform fallback, got %s", receipt.Platform)
	}
}

func TestVerifySubscriptionRejectsWhenAccessNotGranted(t *testing.T) {
	gw := newFakeGateway()
	subscription := productionSubscription()
	subscription.GivesAccess = false
	subscription.Status = "active"
	gw.subscriptions = []gateway.Subscription{subscription}
	verifier := &fakeVerifier{
		platform: entity.PlatformAppStore,
		result:   &storefront.VerifyResult{TransactionID: "1"},
	}
	svc := newTestService(newFakeReceiptRepo(), newFakeEventRepo(), gw, verifier)

	_, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 42,
		Platform:   entity.PlatformAppStore,
		Receipt:    "1",
	})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if !errors.Is(err, ErrAccessNotGranted) {
		t.Fatalf("expected cause to be access-not-granted, got %v", err)
	}
}

func TestVerifySubscriptionNoTransactionIsNotAFailure(t *testing.T) {
	verifier := &fakeVerifier{platform: entity.PlatformAppStore, result: nil}
	svc := newTestService(newFakeReceiptRepo(), newFakeEventRepo(), newFakeGateway(), verifier)

	_, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 42,
		Platform:   entity.PlatformAppStore,
		Receipt:    "not-a-receipt",
	})
	if !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("expected no-transaction result, got %v", err)
	}
	if errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("no-transaction must stay distinct from verification failure")
	}
}

func TestVerifySubscriptionPreservesStorefrontRejectionCause(t *testing.T) {
	rejection := &storefront.RejectionError{Reason: storefront.ReasonAlreadyConsumed}
	verifier := &fakeVerifier{platform: entity.PlatformPlayStore, err: rejection}
	svc := newTestService(newFakeReceiptRepo(), newFakeEventRepo(), newFakeGateway(), verifier)

	_, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID:    42,
		Platform:      entity.PlatformPlayStore,
		PackageName:   "com.app",
		ProductID:     "sku",
		PurchaseToken: "token",
		OrderID:       "GPA.1",
	})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	var rejected *storefront.RejectionError
	if !errors.As(err, &rejected) || rejected.Reason != storefront.ReasonAlreadyConsumed {
		t.Fatalf("expected rejection cause on the chain, got %v", err)
	}
}

func TestVerifySubscriptionUnknownPlatform(t *testing.T) {
	svc := newTestService(newFakeReceiptRepo(), newFakeEventRepo(), newFakeGateway())

	_, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 42,
		Platform:   "windows_store",
	})
	if !errors.Is(err, ErrStorefrontUnsupported) {
		t.Fatalf("expected unsupported storefront, got %v", err)
	}
}

func TestSaveReceiptRetriesOnceOnConflict(t *testing.T) {
	receiptRepo := newFakeReceiptRepo()
	gw := newFakeGateway()
	gw.subscriptions = []gateway.Subscription{productionSubscription()}
	verifier := &fakeVerifier{
		platform: entity.PlatformAppStore,
		result:   &storefront.VerifyResult{TransactionID: "1"},
	}
	svc := newTestService(receiptRepo, newFakeEventRepo(), gw, verifier)

	seed := &entity.Receipt{CustomerID: 42, Version: 3, Status: "active", GivesAccess: true}
	receiptRepo.receipts[42] = seed
	receiptRepo.conflictsLeft = 1

	receipt, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 42,
		Platform:   entity.PlatformAppStore,
		Receipt:    "1",
	})
	if err != nil {
		t.Fatalf("expected conflict to be retried, got %v", err)
	}
	if receipt.Version != 4 {
		t.Fatalf("expected version 4 after retry, got %d", receipt.Version)
	}
	if receiptRepo.updateCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d update calls", receiptRepo.updateCalls)
	}
}

func TestSaveReceiptSurfacesRepeatedConflict(t *testing.T) {
	receiptRepo := newFakeReceiptRepo()
	gw := newFakeGateway()
	gw.subscriptions = []gateway.Subscription{productionSubscription()}
	verifier := &fakeVerifier{
		platform: entity.PlatformAppStore,
		result:   &storefront.VerifyResult{TransactionID: "1"},
	}
	svc := newTestService(receiptRepo, newFakeEventRepo(), gw, verifier)

	receiptRepo.receipts[42] = &entity.Receipt{CustomerID: 42, Version: 3}
	receiptRepo.conflictsLeft = 2

	_, err := svc.VerifySubscription(context.Background(), &VerifyPurchaseInput{
		CustomerID: 42,
		Platform:   entity.PlatformAppStore,
		Receipt:    "1",
	})
	if !errors.Is(err, ErrReconcileConflict) {
		t.Fatalf("expected reconcile conflict, got %v", err)
	}
}

func TestGetReceiptNotFound(t *testing.T) {
	svc := newTestService(newFakeReceiptRepo(), newFakeEventRepo(), newFakeGateway())

	_, err := svc.GetReceipt(context.Background(), 7)
	if !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunReconcileBatchRevokesLostAccess(t *testing.T) {
	receiptRepo := newFakeReceiptRepo()
	gw := newFakeGateway()
	subscription := productionSubscription()
	subscription.GivesAccess = false
	gw.subscriptions = []gateway.Subscription{subscription}
	svc := newTestService(receiptRepo, newFakeEventRepo(), gw)

	stale := time.Now().UTC().Add(-48 * time.Hour)
	receiptRepo.receipts[42] = &entity.Receipt{
		CustomerID:  42,
		Platform:    entity.PlatformAppStore,
		Status:      "active",
		GivesAccess: true,
		Version:     1,
		UpdatedAt:   stale,
	}

	if err := svc.RunReconcileBatch(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	stored, _ := receiptRepo.FindByCustomerID(context.Background(), 42)
	if stored.GivesAccess {
		t.Fatal("expected access to be revoked for non-granting subscription")
	}
	if stored.Status != "expired" {
		t.Fatalf("expected expired status, got %s", stored.Status)
	}
}
