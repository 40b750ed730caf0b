package storefront

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
)

const (
	purchaseStatePurchased     int64 = 0
	consumptionStateUnconsumed int64 = 0
)

type PlayStoreConfig struct {
	BaseURL     string
	AccessToken string
	HTTPTimeout time.Duration

	RetryMaxAttempts int32
	RetryBaseDelay   time.Duration
}

type PlayStoreVerifier struct {
	cfg    PlayStoreConfig
	client *http.Client
}

func NewPlayStoreVerifier(cfg PlayStoreConfig) *PlayStoreVerifier {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &PlayStoreVerifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (v *PlayStoreVerifier) Platform() string {
	return entity.PlatformPlayStore
}

type productPurchase struct {
	Kind             string `json:"kind"`
	PurchaseState    int64  `json:"purchaseState"`
	ConsumptionState int64  `json:"consumptionState"`
	OrderID          string `json:"orderId"`
	PurchaseTime     string `json:"purchaseTimeMillis"`
}

// VerifyPurchase fetches the purchase record for the token and applies three
// independent checks, each with its own rejection reason.
func (v *PlayStoreVerifier) VerifyPurchase(ctx context.Context, input *VerifyInput) (*VerifyResult, error) {
	endpoint := v.cfg.BaseURL + "/androidpublisher/v3/applications/" + url.PathEscape(input.PackageName) +
		"/purchases/products/" + url.PathEscape(input.ProductID) +
		"/tokens/" + url.PathEscape(input.PurchaseToken)

	headers := map[string]string{
		"Authorization": "Bearer " + v.cfg.AccessToken,
		"Accept":        "application/json",
	}

	var purchase productPurchase
	if err := getJSON(ctx, v.client, endpoint, headers, v.cfg.RetryMaxAttempts, v.cfg.RetryBaseDelay, &purchase); err != nil {
		return nil, fmt.Errorf("play store verification failed: %w", err)
	}

	if purchase.PurchaseState != purchaseStatePurchased {
		return nil, &RejectionError{
			Reason: ReasonPurchaseNotCompleted,
			Detail: fmt.Sprintf("purchaseState=%d", purchase.PurchaseState),
		}
	}
	if purchase.ConsumptionState != consumptionStateUnconsumed {
		return nil, &RejectionError{
			Reason: ReasonAlreadyConsumed,
			Detail: fmt.Sprintf("consumptionState=%d", purchase.ConsumptionState),
		}
	}
	if purchase.OrderID != input.OrderID {
		return nil, &RejectionError{
			Reason: ReasonOrderMismatch,
			Detail: fmt.Sprintf("expected order %s, storefront returned %s", input.OrderID, purchase.OrderID),
		}
	}

	return &VerifyResult{
		TransactionID: purchase.OrderID,
		ProductID:     input.ProductID,
		OrderID:       purchase.OrderID,
	}, nil
}
