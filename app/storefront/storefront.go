// Package storefront validates raw purchase receipts and tokens against the
// issuing app store's server API. One Verifier per storefront, looked up
// through a Registry, so callers never branch on platform strings.
package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrStorefrontNotSupported = errors.New("storefront is not supported")

type RejectionReason string

const (
	ReasonPurchaseNotCompleted RejectionReason = "purchase_pending_or_canceled"
	ReasonAlreadyConsumed      RejectionReason = "purchase_already_consumed"
	ReasonOrderMismatch        RejectionReason = "order_id_mismatch"
)

// RejectionError is an expected storefront rejection, as opposed to a
// transport or API failure.
type RejectionError struct {
	Reason RejectionReason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("purchase rejected: reason=%s detail=%s", e.Reason, e.Detail)
}

type VerifyInput struct {
	// Receipt is the raw receipt blob issued by the App Store client.
	Receipt string

	// Play Store token lookups.
	PackageName   string
	ProductID     string
	PurchaseToken string
	OrderID       string
}

type VerifyResult struct {
	TransactionID      string
	SignedTransactions []string
	ProductID          string
	OrderID            string
}

// Verifier confirms that a storefront transaction is genuine. A nil result
// with a nil error means the receipt carried no resolvable transaction.
type Verifier interface {
	Platform() string
	VerifyPurchase(ctx context.Context, input *VerifyInput) (*VerifyResult, error)
}

type Registry struct {
	verifiers map[string]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	items := make(map[string]Verifier, len(verifiers))
	for _, v := range verifiers {
		items[v.Platform()] = v
	}
	return &Registry{verifiers: items}
}

func (r *Registry) Get(platform string) (Verifier, error) {
	verifier, ok := r.verifiers[platform]
	if !ok {
		return nil, ErrStorefrontNotSupported
	}
	return verifier, nil
}

// getJSON issues an authorized GET and decodes the response. Transport
// errors and 5xx responses are retried with bounded exponential backoff;
// 4xx responses surface immediately.
func getJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, maxAttempts int32, baseDelay time.Duration, out interface{}) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}

	var lastErr error
	delay := baseDelay

	for attempt := int32(0); attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		retriable, err := getJSONOnce(ctx, client, endpoint, headers, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return err
		}
	}

	return lastErr
}

func getJSONOnce(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, out interface{}) (retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, err
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("storefront request failed: status=%d body=%s", resp.StatusCode, string(body))
		return resp.StatusCode >= 500, err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, err
	}
	return false, nil
}
