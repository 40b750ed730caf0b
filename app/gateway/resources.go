package gateway

import "strings"

type Customer struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	FirstSeenAt  int64  `json:"first_seen_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
	LastSeenFrom string `json:"last_seen_app_version"`

	// InternalID is the denamespaced customer id, filled in by the client.
	// Zero when the external id belongs to a different namespace.
	InternalID int64 `json:"-"`
}

type Subscription struct {
	ID                          string  `json:"id"`
	CustomerID                  string  `json:"customer_id"`
	Status                      string  `json:"status"`
	StoreSubscriptionIdentifier string  `json:"store_subscription_identifier"`
	GivesAccess                 bool    `json:"gives_access"`
	Store                       string  `json:"store"`
	ProductID                   string  `json:"product_id"`
	CurrentPeriodStartsAt       int64   `json:"current_period_starts_at"`
	CurrentPeriodEndsAt         int64   `json:"current_period_ends_at"`
	Revenue                     Revenue `json:"revenue_in_usd"`

	// Populated only when the related product was requested via expand.
	Product *Product `json:"product,omitempty"`
}

type Revenue struct {
	Gross    float64 `json:"gross"`
	Currency string  `json:"currency"`
}

type Product struct {
	ID              string `json:"id"`
	StoreIdentifier string `json:"store_identifier"`
	Type            string `json:"type"`
	AppID           string `json:"app_id"`

	App *App `json:"app,omitempty"`
}

// CanonicalStoreIdentifier strips the variant suffix from compound store
// identifiers of the form "<baseId>:<variant>".
func (p *Product) CanonicalStoreIdentifier() string {
	return CanonicalProductID(p.StoreIdentifier)
}

func CanonicalProductID(storeIdentifier string) string {
	if base, _, found := strings.Cut(storeIdentifier, ":"); found {
		return base
	}
	return storeIdentifier
}

type App struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Entitlement struct {
	ID          string `json:"id"`
	LookupKey   string `json:"lookup_key"`
	DisplayName string `json:"display_name"`
	ProjectID   string `json:"project_id"`
}

type Purchase struct {
	ID                      string  `json:"id"`
	CustomerID              string  `json:"customer_id"`
	Store                   string  `json:"store"`
	StorePurchaseIdentifier string  `json:"store_purchase_identifier"`
	ProductID               string  `json:"product_id"`
	PurchasedAt             int64   `json:"purchased_at"`
	Revenue                 Revenue `json:"revenue_in_usd"`
}

// page is the generic list envelope returned by the subscription API.
type page[T any] struct {
	Items    []T    `json:"items"`
	NextPage string `json:"next_page"`
}
