package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{
		APIKey:           "sk_test",
		Environment:      "production",
		ProjectID:        "proj_1",
		BaseURL:          baseURL,
		HTTPTimeout:      2 * time.Second,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Environment: "production", ProjectID: "p"}); !errors.Is(err, ErrAPIKeyMissing) {
		t.Fatalf("expected missing api key, got %v", err)
	}
	if _, err := New(Config{APIKey: "k", Environment: "production"}); !errors.Is(err, ErrProjectIDMissing) {
		t.Fatalf("expected missing project id, got %v", err)
	}
	if _, err := New(Config{APIKey: "k", ProjectID: "p", Environment: "qa"}); !errors.Is(err, ErrEnvironmentInvalid) {
		t.Fatalf("expected invalid environment, got %v", err)
	}
}

func TestListCustomerSubscriptionsRequestShape(t *testing.T) {
	var gotPath, gotAuth, gotExpand string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotExpand = r.URL.Query().Get("expand")
		w.Write([]byte(`{"items": [{"id": "sub_1", "store_subscription_identifier": "sub_abc", "gives_access": true, "product": {"id": "prod_1", "store_identifier": "com.app.annual:v2"}}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	items, err := client.ListCustomerSubscriptions(context.Background(), 42, "product")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if gotPath != "/projects/proj_1/customers/prd42/subscriptions" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer sk_test" {
		t.Fatalf("unexpected authorization header: %s", gotAuth)
	}
	if gotExpand != "product" {
		t.Fatalf("unexpected expand param: %s", gotExpand)
	}

	if len(items) != 1 {
		t.Fatalf("expected one subscription, got %d", len(items))
	}
	if items[0].Product == nil || items[0].Product.CanonicalStoreIdentifier() != "com.app.annual" {
		t.Fatalf("expected expanded product with canonical id, got %+v", items[0].Product)
	}
}

func TestGetProductRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id": "prod_1", "store_identifier": "com.app.annual"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	product, err := client.GetProduct(context.Background(), "prod_1")
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if product.StoreIdentifier != "com.app.annual" {
		t.Fatalf("unexpected product: %+v", product)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGetProductDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.GetProduct(context.Background(), "prod_missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError on the chain, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestRetryExhaustionSurfacesLastError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.GetCustomer(context.Background(), 42)
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected last 500 on the chain, got %v", err)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := New(Config{
		APIKey:           "sk_test",
		Environment:      "production",
		ProjectID:        "proj_1",
		BaseURL:          server.URL,
		RetryMaxAttempts: 5,
		RetryBaseDelay:   time.Hour,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.GetCustomer(ctx, 42)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestListCustomersPagination(t *testing.T) {
	var gotStartingAfter string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStartingAfter = r.URL.Query().Get("starting_after")
		w.Write([]byte(`{"items": [{"id": "prd42"}, {"id": "stg7"}], "next_page": "cursor_2"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	items, nextPage, err := client.ListCustomers(context.Background(), ListOptions{Limit: 10, StartingAfter: "cursor_1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotStartingAfter != "cursor_1" {
		t.Fatalf("expected cursor to be forwarded, got %q", gotStartingAfter)
	}
	if len(items) != 2 || nextPage != "cursor_2" {
		t.Fatalf("unexpected page: %d items, next %q", len(items), nextPage)
	}
	if items[0].InternalID != 42 {
		t.Fatalf("expected denamespaced internal id 42, got %d", items[0].InternalID)
	}
	if items[1].InternalID != 0 {
		t.Fatalf("foreign-namespace id must stay at zero, got %d", items[1].InternalID)
	}
}

func TestGetCustomerCarriesInternalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "prd42", "project_id": "proj_1"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	customer, err := client.GetCustomer(context.Background(), 42)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if customer.InternalID != 42 {
		t.Fatalf("expected internal id 42, got %d", customer.InternalID)
	}
}

func TestCanonicalProductID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"com.app.annual:v2", "com.app.annual"},
		{"com.app.annual", "com.app.annual"},
		{"com.app.annual:v2:extra", "com.app.annual"},
		{":v2", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CanonicalProductID(tc.in); got != tc.want {
			t.Fatalf("CanonicalProductID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
