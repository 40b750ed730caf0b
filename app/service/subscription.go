package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
	"github.com/vibast-solutions/ms-go-entitlements/app/gateway"
	"github.com/vibast-solutions/ms-go-entitlements/app/repository"
	"github.com/vibast-solutions/ms-go-entitlements/app/storefront"
	"github.com/vibast-solutions/ms-go-entitlements/config"
)

const defaultBatchSize = int32(100)

type receiptRepository interface {
	Create(ctx context.Context, receipt *entity.Receipt) error
	Update(ctx context.Context, receipt *entity.Receipt, fromVersion int64) error
	FindByCustomerID(ctx context.Context, customerID int64) (*entity.Receipt, error)
	ListStale(ctx context.Context, before time.Time, limit int32) ([]*entity.Receipt, error)
}

type webhookEventRepository interface {
	Create(ctx context.Context, event *entity.WebhookEvent) error
	Update(ctx context.Context, event *entity.WebhookEvent) error
	FindProcessedByDedupeKey(ctx context.Context, dedupeKey string) (*entity.WebhookEvent, error)
	ListUnprocessed(ctx context.Context, before time.Time, limit int32) ([]*entity.WebhookEvent, error)
	ListProcessedBefore(ctx context.Context, before time.Time, limit int32) ([]*entity.WebhookEvent, error)
	SoftDelete(ctx context.Context, id uint64, now time.Time) error
}

type subscriptionGateway interface {
	ListCustomerSubscriptions(ctx context.Context, internalID int64, expand ...string) ([]gateway.Subscription, error)
	GetProduct(ctx context.Context, productID string, expand ...string) (*gateway.Product, error)
	DenamespaceCustomerID(externalID string) (int64, error)
}

type SubscriptionService struct {
	receiptRepo receiptRepository
	eventRepo   webhookEventRepository
	verifiers   *storefront.Registry
	gateway     subscriptionGateway
	cfg         config.EntitlementsConfig
	locks       *keyedMutex
}

func NewSubscriptionService(
	receiptRepo receiptRepository,
	eventRepo webhookEventRepository,
	verifiers *storefront.Registry,
	subscriptionGateway subscriptionGateway,
	cfg config.EntitlementsConfig,
) *SubscriptionService {
	return &SubscriptionService{
		receiptRepo: receiptRepo,
		eventRepo:   eventRepo,
		verifiers:   verifiers,
		gateway:     subscriptionGateway,
		cfg:         cfg,
		locks:       newKeyedMutex(),
	}
}

type VerifyPurchaseInput struct {
	CustomerID int64
	Platform   string

	Receipt string

	PackageName   string
	ProductID     string
	PurchaseToken string
	OrderID       string
}

// VerifySubscription is the purchase-time reconciliation path: confirm the
// storefront transaction is genuine, fetch the authoritative subscription
// and product, and persist the canonical receipt. Every failure surfaces as
// ErrVerificationFailed with the originating cause still on the chain.
func (s *SubscriptionService) VerifySubscription(ctx context.Context, input *VerifyPurchaseInput) (*entity.Receipt, error) {
	if input == nil || input.CustomerID <= 0 {
		return nil, ErrInvalidRequest
	}

	verifier, err := s.verifiers.Get(input.Platform)
	if err != nil {
		if errors.Is(err, storefront.ErrStorefrontNotSupported) {
			return nil, ErrStorefrontUnsupported
		}
		return nil, err
	}

	result, err := verifier.VerifyPurchase(ctx, &storefront.VerifyInput{
		Receipt:       input.Receipt,
		PackageName:   input.PackageName,
		ProductID:     input.ProductID,
		PurchaseToken: input.PurchaseToken,
		OrderID:       input.OrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if result == nil {
		// Not a failure: the receipt simply carries no transaction.
		return nil, ErrNoTransaction
	}

	receipt, err := s.reconcile(ctx, input.CustomerID, input.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	return receipt, nil
}

// reconcile fetches the customer's authoritative subscription from the
// subscription API and maps it onto the canonical receipt shape.
func (s *SubscriptionService) reconcile(ctx context.Context, customerID int64, platform string) (*entity.Receipt, error) {
	subscriptions, err := s.gateway.ListCustomerSubscriptions(ctx, customerID, "product")
	if err != nil {
		return nil, err
	}
	if len(subscriptions) == 0 {
		return nil, ErrNoSubscription
	}

	// This integration tracks at most one active subscription per customer;
	// the first entry is authoritative.
	subscription := subscriptions[0]

	product := subscription.Product
	if product == nil {
		product, err = s.gateway.GetProduct(ctx, subscription.ProductID, "app")
		if err != nil {
			return nil, err
		}
	}

	if !subscription.GivesAccess {
		return nil, ErrAccessNotGranted
	}

	// The subscription's store tag is authoritative for the platform; the
	// caller's value only fills in when the API omits it.
	if subscription.Store != "" {
		platform = platformFromStore(subscription.Store)
	}

	receipt := &entity.Receipt{
		CustomerID:        customerID,
		ExpireDate:        time.UnixMilli(subscription.CurrentPeriodEndsAt).UTC(),
		PurchaseDate:      time.UnixMilli(subscription.CurrentPeriodStartsAt).UTC(),
		Amount:            subscription.Revenue.Gross,
		Currency:          strings.ToUpper(subscription.Revenue.Currency),
		Status:            subscription.Status,
		Reference:         subscription.StoreSubscriptionIdentifier,
		OriginalReference: subscription.StoreSubscriptionIdentifier,
		Platform:          platform,
		ProductID:         product.CanonicalStoreIdentifier(),
		GivesAccess:       subscription.GivesAccess,
	}

	unlock := s.locks.Lock(customerID)
	defer unlock()

	return s.saveReceipt(ctx, receipt)
}

// saveReceipt upserts under optimistic versioning. A conflicting writer
// causes one re-read and retry; a second conflict surfaces. Callers must
// hold the customer lock.
func (s *SubscriptionService) saveReceipt(ctx context.Context, receipt *entity.Receipt) (*entity.Receipt, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.receiptRepo.FindByCustomerID(ctx, receipt.CustomerID)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		if current == nil {
			receipt.Version = 1
			receipt.CreatedAt = now
			receipt.UpdatedAt = now
			if err := s.receiptRepo.Create(ctx, receipt); err != nil {
				if errors.Is(err, repository.ErrReceiptAlreadyExists) {
					continue
				}
				return nil, err
			}
			return receipt, nil
		}

		receipt.ID = current.ID
		receipt.CreatedAt = current.CreatedAt
		receipt.Version = current.Version + 1
		receipt.UpdatedAt = now
		if err := s.receiptRepo.Update(ctx, receipt, current.Version); err != nil {
			if errors.Is(err, repository.ErrReceiptConflict) {
				continue
			}
			return nil, err
		}
		return receipt, nil
	}

	return nil, ErrReconcileConflict
}

func (s *SubscriptionService) GetReceipt(ctx context.Context, customerID int64) (*entity.Receipt, error) {
	if customerID <= 0 {
		return nil, ErrInvalidRequest
	}

	receipt, err := s.receiptRepo.FindByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}

func (s *SubscriptionService) batchSize() int32 {
	if s.cfg.JobBatchSize > 0 {
		return s.cfg.JobBatchSize
	}
	return defaultBatchSize
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
