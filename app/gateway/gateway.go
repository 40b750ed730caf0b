// Package gateway is the project-scoped REST client for the subscription
// management API. It owns the environment-namespaced customer id mapping;
// raw namespaced ids never leave this package.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrEnvironmentInvalid = errors.New("subscription environment is not recognized")
	ErrAPIKeyMissing      = errors.New("subscription api key is not configured")
	ErrProjectIDMissing   = errors.New("subscription project id is not configured")
)

// APIError carries the HTTP-level detail of a rejected subscription API
// call instead of flattening it into a bare message.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("subscription api request failed: path=%s status=%d body=%s", e.Path, e.StatusCode, e.Body)
}

type Config struct {
	APIKey      string
	Environment string
	ProjectID   string
	BaseURL     string
	HTTPTimeout time.Duration

	RetryMaxAttempts int32
	RetryBaseDelay   time.Duration
}

type Client struct {
	cfg         Config
	environment Environment
	baseURL     string
	client      *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyMissing
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, ErrProjectIDMissing
	}
	environment, err := ParseEnvironment(cfg.Environment)
	if err != nil {
		return nil, err
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}

	return &Client{
		cfg:         cfg,
		environment: environment,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Environment() Environment {
	return c.environment
}

func (c *Client) NamespaceCustomerID(internalID int64) string {
	return c.environment.NamespaceCustomerID(internalID)
}

func (c *Client) DenamespaceCustomerID(externalID string) (int64, error) {
	return c.environment.DenamespaceCustomerID(externalID)
}

type ListOptions struct {
	Limit         int
	StartingAfter string
}

func (c *Client) GetEntitlement(ctx context.Context, entitlementID string, expand ...string) (*Entitlement, error) {
	var out Entitlement
	if err := c.get(ctx, "/entitlements/"+url.PathEscape(entitlementID), expandQuery(expand), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListEntitlementProducts(ctx context.Context, entitlementID string) ([]Product, error) {
	var out page[Product]
	if err := c.get(ctx, "/entitlements/"+url.PathEscape(entitlementID)+"/products", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string, expand ...string) (*Subscription, error) {
	var out Subscription
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(subscriptionID), expandQuery(expand), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSubscriptionEntitlements(ctx context.Context, subscriptionID string) ([]Entitlement, error) {
	var out page[Entitlement]
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(subscriptionID)+"/entitlements", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) GetPurchase(ctx context.Context, purchaseID string, expand ...string) (*Purchase, error) {
	var out Purchase
	if err := c.get(ctx, "/purchases/"+url.PathEscape(purchaseID), expandQuery(expand), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPurchaseEntitlements(ctx context.Context, purchaseID string) ([]Entitlement, error) {
	var out page[Entitlement]
	if err := c.get(ctx, "/purchases/"+url.PathEscape(purchaseID)+"/entitlements", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) ListCustomers(ctx context.Context, opts ListOptions) ([]Customer, string, error) {
	var out page[Customer]
	if err := c.get(ctx, "/customers", listQuery(opts), &out); err != nil {
		return nil, "", err
	}
	for i := range out.Items {
		// Ids from other namespaces stay at zero; callers filter on it.
		if internalID, err := c.DenamespaceCustomerID(out.Items[i].ID); err == nil {
			out.Items[i].InternalID = internalID
		}
	}
	return out.Items, out.NextPage, nil
}

func (c *Client) GetCustomer(ctx context.Context, internalID int64) (*Customer, error) {
	var out Customer
	if err := c.get(ctx, "/customers/"+url.PathEscape(c.NamespaceCustomerID(internalID)), nil, &out); err != nil {
		return nil, err
	}
	out.InternalID = internalID
	return &out, nil
}

func (c *Client) ListCustomerSubscriptions(ctx context.Context, internalID int64, expand ...string) ([]Subscription, error) {
	var out page[Subscription]
	path := "/customers/" + url.PathEscape(c.NamespaceCustomerID(internalID)) + "/subscriptions"
	if err := c.get(ctx, path, expandQuery(expand), &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) ListCustomerPurchases(ctx context.Context, internalID int64, expand ...string) ([]Purchase, error) {
	var out page[Purchase]
	path := "/customers/" + url.PathEscape(c.NamespaceCustomerID(internalID)) + "/purchases"
	if err := c.get(ctx, path, expandQuery(expand), &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) GetProduct(ctx context.Context, productID string, expand ...string) (*Product, error) {
	var out Product
	if err := c.get(ctx, "/products/"+url.PathEscape(productID), expandQuery(expand), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + "/projects/" + url.PathEscape(c.cfg.ProjectID) + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	body, err := c.doWithRetry(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("subscription api: get %s: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("subscription api: decode %s: %w", path, err)
	}
	return nil
}

// doWithRetry retries transport errors and 5xx responses with bounded
// exponential backoff. 4xx responses are genuine rejections and surface
// immediately.
func (c *Client) doWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	delay := c.cfg.RetryBaseDelay

	for attempt := int32(0); attempt < c.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		body, retriable, err := c.doOnce(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retriable {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, endpoint string) (body []byte, retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Path:       req.URL.Path,
			Body:       strings.TrimSpace(string(body)),
		}
		return nil, resp.StatusCode >= 500, apiErr
	}

	return body, false, nil
}

func expandQuery(expand []string) url.Values {
	if len(expand) == 0 {
		return nil
	}
	query := url.Values{}
	for _, item := range expand {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			query.Add("expand", trimmed)
		}
	}
	return query
}

func listQuery(opts ListOptions) url.Values {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.StartingAfter != "" {
		query.Set("starting_after", opts.StartingAfter)
	}
	if len(query) == 0 {
		return nil
	}
	return query
}
