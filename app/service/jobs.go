package service

import (
	"context"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
)

// RunReconcileBatch re-reads stale canonical receipts against the
// subscription API so entitlement loss observed out-of-band (missed
// webhook, refund) eventually converges.
func (s *SubscriptionService) RunReconcileBatch(ctx context.Context) error {
	now := time.Now().UTC()
	before := now.Add(-s.cfg.ReconcileStaleAfter)
	items, err := s.receiptRepo.ListStale(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, receipt := range items {
		if receipt == nil {
			continue
		}

		_, err := s.reconcile(ctx, receipt.CustomerID, receipt.Platform)
		if err != nil && !errors.Is(err, ErrNoSubscription) && !errors.Is(err, ErrAccessNotGranted) {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		// A subscription that vanished or stopped granting access loses
		// its entitlement.
		if errors.Is(err, ErrNoSubscription) || errors.Is(err, ErrAccessNotGranted) {
			if err := s.revokeAccess(ctx, receipt); err != nil {
				firstErr = keepFirstErr(firstErr, err)
			}
		}
	}

	return firstErr
}

func (s *SubscriptionService) revokeAccess(ctx context.Context, receipt *entity.Receipt) error {
	unlock := s.locks.Lock(receipt.CustomerID)
	defer unlock()

	clone := *receipt
	clone.GivesAccess = false
	clone.Status = "expired"

	_, err := s.saveReceipt(ctx, &clone)
	return err
}

// RunRedeliverWebhooksBatch re-applies journal rows stuck in the received
// state past the grace period.
func (s *SubscriptionService) RunRedeliverWebhooksBatch(ctx context.Context) error {
	now := time.Now().UTC()
	before := now.Add(-s.cfg.RedeliverAfter)
	items, err := s.eventRepo.ListUnprocessed(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, event := range items {
		if event == nil {
			continue
		}
		if err := s.Apply(ctx, event); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunPurgeWebhooksBatch soft-deletes processed journal rows past the audit
// retention window. Rows stay in the table; every read path skips them.
func (s *SubscriptionService) RunPurgeWebhooksBatch(ctx context.Context) error {
	now := time.Now().UTC()
	before := now.Add(-s.cfg.PurgeProcessedAfter)
	items, err := s.eventRepo.ListProcessedBefore(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, event := range items {
		if event == nil {
			continue
		}
		if err := s.eventRepo.SoftDelete(ctx, event.ID, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
