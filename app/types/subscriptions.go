package types

import (
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vibast-solutions/ms-go-entitlements/app/entity"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Receipt is the canonical receipt as exposed over HTTP.
type Receipt struct {
	CustomerID        int64   `json:"customer_id"`
	ExpireDate        string  `json:"expire_date"`
	PurchaseDate      string  `json:"purchase_date"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	Status            string  `json:"status"`
	Reference         string  `json:"reference"`
	OriginalReference string  `json:"original_reference"`
	Platform          string  `json:"platform"`
	ProductID         string  `json:"product_id"`
	GivesAccess       bool    `json:"gives_access"`
}

type ReceiptEnvelopeResponse struct {
	Receipt *Receipt `json:"receipt"`
}

type WebhookAcceptedResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

type VerifySubscriptionRequest struct {
	CustomerID int64  `json:"customer_id"`
	Platform   string `json:"platform"`

	Receipt string `json:"receipt"`

	PackageName   string `json:"package_name"`
	ProductID     string `json:"product_id"`
	PurchaseToken string `json:"purchase_token"`
	OrderID       string `json:"order_id"`
}

func NewVerifySubscriptionRequestFromContext(ctx echo.Context) (*VerifySubscriptionRequest, error) {
	var body VerifySubscriptionRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.Platform = strings.ToLower(strings.TrimSpace(body.Platform))
	body.Receipt = strings.TrimSpace(body.Receipt)
	body.PackageName = strings.TrimSpace(body.PackageName)
	body.ProductID = strings.TrimSpace(body.ProductID)
	body.PurchaseToken = strings.TrimSpace(body.PurchaseToken)
	body.OrderID = strings.TrimSpace(body.OrderID)

	return &body, nil
}

func (r *VerifySubscriptionRequest) Validate() error {
	if r.CustomerID <= 0 {
		return errors.New("customer_id is required")
	}
	switch r.Platform {
	case entity.PlatformAppStore:
		if r.Receipt == "" {
			return errors.New("receipt is required for app_store purchases")
		}
	case entity.PlatformPlayStore:
		if r.PackageName == "" {
			return errors.New("package_name is required for play_store purchases")
		}
		if r.ProductID == "" {
			return errors.New("product_id is required for play_store purchases")
		}
		if r.PurchaseToken == "" {
			return errors.New("purchase_token is required for play_store purchases")
		}
		if r.OrderID == "" {
			return errors.New("order_id is required for play_store purchases")
		}
	default:
		return errors.New("platform must be app_store or play_store")
	}
	return nil
}

type GetReceiptRequest struct {
	CustomerID int64
}

func NewGetReceiptRequestFromContext(ctx echo.Context) (*GetReceiptRequest, error) {
	customerID, err := strconv.ParseInt(ctx.Param("customerId"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &GetReceiptRequest{CustomerID: customerID}, nil
}

func (r *GetReceiptRequest) Validate() error {
	if r.CustomerID <= 0 {
		return errors.New("invalid customer id")
	}
	return nil
}
