package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/vibast-solutions/ms-go-entitlements/app/factory"
	"github.com/vibast-solutions/ms-go-entitlements/app/mapper"
	"github.com/vibast-solutions/ms-go-entitlements/app/service"
	"github.com/vibast-solutions/ms-go-entitlements/app/types"
)

type SubscriptionController struct {
	subscriptionService *service.SubscriptionService
	logger              logrus.FieldLogger
}

func NewSubscriptionController(subscriptionService *service.SubscriptionService) *SubscriptionController {
	return &SubscriptionController{
		subscriptionService: subscriptionService,
		logger:              factory.NewModuleLogger("subscriptions-controller"),
	}
}

func (c *SubscriptionController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *SubscriptionController) VerifySubscription(ctx echo.Context) error {
	req, err := types.NewVerifySubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.subscriptionService.VerifySubscription(ctx.Request().Context(), &service.VerifyPurchaseInput{
		CustomerID:    req.CustomerID,
		Platform:      req.Platform,
		Receipt:       req.Receipt,
		PackageName:   req.PackageName,
		ProductID:     req.ProductID,
		PurchaseToken: req.PurchaseToken,
		OrderID:       req.OrderID,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrStorefrontUnsupported):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrNoTransaction):
			return c.writeError(ctx, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, service.ErrVerificationFailed):
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Subscription verification rejected")
			return c.writeError(ctx, http.StatusUnprocessableEntity, service.ErrVerificationFailed.Error())
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Verify subscription failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.ReceiptEnvelopeResponse{Receipt: mapper.ReceiptToResponse(item)})
}

func (c *SubscriptionController) GetReceipt(ctx echo.Context) error {
	req, err := types.NewGetReceiptRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.subscriptionService.GetReceipt(ctx.Request().Context(), req.CustomerID)
	if err != nil {
		if errors.Is(err, service.ErrReceiptNotFound) {
			return c.writeError(ctx, http.StatusNotFound, "receipt not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get receipt failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ReceiptEnvelopeResponse{Receipt: mapper.ReceiptToResponse(item)})
}

// HandleWebhook journals the notification and answers success once it is
// durably recorded, even when applying it failed.
func (c *SubscriptionController) HandleWebhook(ctx echo.Context) error {
	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	event, err := c.subscriptionService.Ingest(ctx.Request().Context(), rawBody)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			return c.writeError(ctx, http.StatusBadRequest, "payload is required")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Webhook ingest failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.WebhookAcceptedResponse{EventID: event.UUID, Status: "accepted"})
}

func (c *SubscriptionController) writeError(ctx echo.Context, status int, message string) error {
	return ctx.JSON(status, &types.ErrorResponse{Error: message})
}
