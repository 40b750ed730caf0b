package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
	"github.com/vibast-solutions/ms-go-entitlements/app/gateway"
)

const (
	EventTypeInitialPurchase = "INITIAL_PURCHASE"
	EventTypeRenewal         = "RENEWAL"
	EventTypeUncancellation  = "UNCANCELLATION"
	EventTypeCancellation    = "CANCELLATION"
	EventTypeExpiration      = "EXPIRATION"
	EventTypeProductChange   = "PRODUCT_CHANGE"
)

type webhookPayload struct {
	Event struct {
		ID             string  `json:"id"`
		Type           string  `json:"type"`
		AppUserID      string  `json:"app_user_id"`
		ProductID      string  `json:"product_id"`
		NewProductID   string  `json:"new_product_id"`
		TransactionID  string  `json:"transaction_id"`
		Store          string  `json:"store"`
		PurchasedAtMS  int64   `json:"purchased_at_ms"`
		ExpirationAtMS int64   `json:"expiration_at_ms"`
		Price          float64 `json:"price"`
		Currency       string  `json:"currency"`
	} `json:"event"`
}

// Ingest journals the raw notification before anything else; a notification
// is never lost to a processing failure. Apply errors leave the event in
// the received state for redelivery and do not fail the ingest.
func (s *SubscriptionService) Ingest(ctx context.Context, rawPayload []byte) (*entity.WebhookEvent, error) {
	if len(rawPayload) == 0 {
		return nil, ErrInvalidRequest
	}

	var payload webhookPayload
	_ = json.Unmarshal(rawPayload, &payload)

	eventType := strings.TrimSpace(payload.Event.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	event := &entity.WebhookEvent{
		UUID:        uuid.NewString(),
		EventType:   eventType,
		DedupeKey:   dedupeKey(payload.Event.ID, rawPayload),
		PayloadJSON: string(rawPayload),
		Status:      entity.WebhookEventReceived,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := s.eventRepo.Create(ctx, event); err != nil {
		return nil, err
	}

	if err := s.Apply(ctx, event); err != nil {
		logrus.WithError(err).WithField("event_uuid", event.UUID).Warn("webhook apply failed, event kept for redelivery")
	}

	return event, nil
}

// Apply performs the idempotent state transition for one journaled event.
// The event is marked processed only after the canonical state write
// commits; a failure records the error and keeps the event receivable.
func (s *SubscriptionService) Apply(ctx context.Context, event *entity.WebhookEvent) error {
	if event.Status == entity.WebhookEventProcessed {
		return nil
	}

	if err := s.applyOnce(ctx, event); err != nil {
		errText := truncate(err.Error(), 1024)
		event.Error = &errText
		event.Status = entity.WebhookEventReceived
		if updateErr := s.eventRepo.Update(ctx, event); updateErr != nil {
			logrus.WithError(updateErr).WithField("event_uuid", event.UUID).Warn("failed to record webhook apply error")
		}
		return err
	}

	now := time.Now().UTC()
	event.Status = entity.WebhookEventProcessed
	event.ProcessedAt = &now
	event.Error = nil
	return s.eventRepo.Update(ctx, event)
}

func (s *SubscriptionService) applyOnce(ctx context.Context, event *entity.WebhookEvent) error {
	// A previously applied delivery with the same dedupe key makes this one
	// a no-op; re-applying must not duplicate side effects.
	processed, err := s.eventRepo.FindProcessedByDedupeKey(ctx, event.DedupeKey)
	if err != nil {
		return err
	}
	if processed != nil && processed.ID != event.ID {
		return nil
	}

	var payload webhookPayload
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("webhook payload is not valid JSON: %w", err)
	}

	customerID, err := s.gateway.DenamespaceCustomerID(strings.TrimSpace(payload.Event.AppUserID))
	if err != nil {
		return fmt.Errorf("webhook app_user_id is not resolvable: %w", err)
	}

	unlock := s.locks.Lock(customerID)
	defer unlock()

	current, err := s.receiptRepo.FindByCustomerID(ctx, customerID)
	if err != nil {
		return err
	}

	receipt := receiptFromEvent(current, customerID, &payload)

	switch payload.Event.Type {
	case EventTypeInitialPurchase, EventTypeRenewal, EventTypeUncancellation:
		receipt.GivesAccess = true
		receipt.Status = "active"
		if payload.Event.PurchasedAtMS > 0 {
			receipt.PurchaseDate = time.UnixMilli(payload.Event.PurchasedAtMS).UTC()
		}
		if payload.Event.ExpirationAtMS > 0 {
			receipt.ExpireDate = time.UnixMilli(payload.Event.ExpirationAtMS).UTC()
		}
	case EventTypeCancellation:
		receipt.GivesAccess = false
		receipt.Status = "canceled"
	case EventTypeExpiration:
		receipt.GivesAccess = false
		receipt.Status = "expired"
		if payload.Event.ExpirationAtMS > 0 {
			receipt.ExpireDate = time.UnixMilli(payload.Event.ExpirationAtMS).UTC()
		}
	case EventTypeProductChange:
		newProduct := payload.Event.NewProductID
		if newProduct == "" {
			newProduct = payload.Event.ProductID
		}
		receipt.ProductID = gateway.CanonicalProductID(newProduct)
	default:
		// Nothing to converge for unrecognized lifecycle types; the journal
		// row still records the delivery.
		logrus.WithField("event_type", event.EventType).Warn("ignoring unrecognized webhook event type")
		return nil
	}

	_, err = s.saveReceipt(ctx, receipt)
	return err
}

// receiptFromEvent starts from the stored canonical receipt when one
// exists, otherwise seeds a new one from the event payload.
func receiptFromEvent(current *entity.Receipt, customerID int64, payload *webhookPayload) *entity.Receipt {
	if current != nil {
		clone := *current
		return &clone
	}

	receipt := &entity.Receipt{
		CustomerID:        customerID,
		Reference:         payload.Event.TransactionID,
		OriginalReference: payload.Event.TransactionID,
		Platform:          platformFromStore(payload.Event.Store),
		ProductID:         gateway.CanonicalProductID(payload.Event.ProductID),
		Amount:            payload.Event.Price,
		Currency:          strings.ToUpper(payload.Event.Currency),
	}
	if payload.Event.PurchasedAtMS > 0 {
		receipt.PurchaseDate = time.UnixMilli(payload.Event.PurchasedAtMS).UTC()
	}
	if payload.Event.ExpirationAtMS > 0 {
		receipt.ExpireDate = time.UnixMilli(payload.Event.ExpirationAtMS).UTC()
	}
	return receipt
}

func platformFromStore(store string) string {
	switch strings.ToLower(strings.TrimSpace(store)) {
	case "play_store", "playstore", "google":
		return entity.PlatformPlayStore
	default:
		return entity.PlatformAppStore
	}
}

// dedupeKey prefers the sender's event id; deliveries without one fall back
// to a content hash of the payload.
func dedupeKey(eventID string, rawPayload []byte) string {
	if trimmed := strings.TrimSpace(eventID); trimmed != "" {
		return trimmed
	}
	sum := sha256.Sum256(rawPayload)
	return "sha256:" + hex.EncodeToString(sum[:])
}
