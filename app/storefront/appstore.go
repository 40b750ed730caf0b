package storefront

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
)

type AppStoreConfig struct {
	BaseURL      string
	APIToken     string
	ProductTypes []string
	HTTPTimeout  time.Duration

	RetryMaxAttempts int32
	RetryBaseDelay   time.Duration
}

type AppStoreVerifier struct {
	cfg    AppStoreConfig
	client *http.Client
}

func NewAppStoreVerifier(cfg AppStoreConfig) *AppStoreVerifier {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if len(cfg.ProductTypes) == 0 {
		cfg.ProductTypes = []string{"AUTO_RENEWABLE"}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &AppStoreVerifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (v *AppStoreVerifier) Platform() string {
	return entity.PlatformAppStore
}

// VerifyPurchase resolves a transaction id from the raw receipt and walks
// the transaction history for it. A receipt that carries no transaction id
// yields a nil result, not an error.
func (v *AppStoreVerifier) VerifyPurchase(ctx context.Context, input *VerifyInput) (*VerifyResult, error) {
	transactionID := extractTransactionID(input.Receipt)
	if transactionID == "" {
		return nil, nil
	}

	signed, err := v.fetchTransactionHistory(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("app store verification failed: %w", err)
	}

	return &VerifyResult{
		TransactionID:      transactionID,
		SignedTransactions: signed,
	}, nil
}

type transactionHistoryPage struct {
	SignedTransactions []string `json:"signedTransactions"`
	Revision           string   `json:"revision"`
	HasMore            bool     `json:"hasMore"`
}

// fetchTransactionHistory walks the paginated history endpoint. Each page's
// revision token is the cursor for the next request; pages are strictly
// sequential and the cursor is never reset mid-traversal.
func (v *AppStoreVerifier) fetchTransactionHistory(ctx context.Context, transactionID string) ([]string, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + v.cfg.APIToken,
		"Accept":        "application/json",
	}

	signed := make([]string, 0)
	revision := ""

	for {
		query := url.Values{}
		query.Set("sort", "DESCENDING")
		query.Set("revoked", "false")
		for _, productType := range v.cfg.ProductTypes {
			query.Add("productType", productType)
		}
		if revision != "" {
			query.Set("revision", revision)
		}

		endpoint := v.cfg.BaseURL + "/inApps/v1/history/" + url.PathEscape(transactionID) + "?" + query.Encode()

		var pageResp transactionHistoryPage
		if err := getJSON(ctx, v.client, endpoint, headers, v.cfg.RetryMaxAttempts, v.cfg.RetryBaseDelay, &pageResp); err != nil {
			return nil, err
		}

		signed = append(signed, pageResp.SignedTransactions...)

		// A page without a revision keeps the existing cursor.
		if pageResp.Revision != "" {
			revision = pageResp.Revision
		}
		if !pageResp.HasMore {
			break
		}
	}

	return signed, nil
}

// extractTransactionID pulls a transaction id out of the raw receipt blob.
// Accepts a bare numeric transaction id, a JSON payload, or a base64-encoded
// JSON payload. Returns "" when nothing resolvable is found.
func extractTransactionID(receipt string) string {
	receipt = strings.TrimSpace(receipt)
	if receipt == "" {
		return ""
	}
	if isDigits(receipt) {
		return receipt
	}

	if id := transactionIDFromJSON([]byte(receipt)); id != "" {
		return id
	}
	if decoded, err := base64.StdEncoding.DecodeString(receipt); err == nil {
		return transactionIDFromJSON(decoded)
	}
	return ""
}

func transactionIDFromJSON(payload []byte) string {
	var body struct {
		TransactionID         string `json:"transaction_id"`
		CamelTransactionID    string `json:"transactionId"`
		OriginalTransactionID string `json:"original_transaction_id"`
	}
	if json.Unmarshal(payload, &body) != nil {
		return ""
	}
	for _, candidate := range []string{body.TransactionID, body.CamelTransactionID, body.OriginalTransactionID} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
