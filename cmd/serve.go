package cmd

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vibast-solutions/ms-go-entitlements/app/controller"
	"github.com/vibast-solutions/ms-go-entitlements/app/gateway"
	"github.com/vibast-solutions/ms-go-entitlements/app/repository"
	"github.com/vibast-solutions/ms-go-entitlements/app/service"
	"github.com/vibast-solutions/ms-go-entitlements/app/storefront"
	"github.com/vibast-solutions/ms-go-entitlements/app/types"
	"github.com/vibast-solutions/ms-go-entitlements/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the HTTP (Echo) server for purchase verification, receipt lookup, and inbound subscription webhooks.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, subscriptionService, cleanup := mustCreateSubscriptionService()
	defer cleanup()

	subscriptionController := controller.NewSubscriptionController(subscriptionService)
	e := setupHTTPServer(subscriptionController, cfg.App.APIKey)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
}

func setupHTTPServer(subscriptionController *controller.SubscriptionController, apiKey string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", subscriptionController.Health)

	subscriptions := e.Group("/subscriptions", requireAPIKey(apiKey))
	subscriptions.POST("/verify", subscriptionController.VerifySubscription)
	subscriptions.GET("/:customerId", subscriptionController.GetReceipt)

	webhooks := e.Group("/webhooks")
	webhooks.POST("/subscriptions", subscriptionController.HandleWebhook)

	return e
}

// requireAPIKey guards the customer-facing endpoints. The webhook endpoint
// stays open; the sender authenticates its own deliveries.
func requireAPIKey(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if apiKey == "" {
				return next(ctx)
			}
			provided := strings.TrimSpace(ctx.Request().Header.Get("X-API-Key"))
			if provided != apiKey {
				return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "invalid api key"})
			}
			return next(ctx)
		}
	}
}

func mustCreateSubscriptionService() (*config.Config, *service.SubscriptionService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	receiptRepo := repository.NewReceiptRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)

	subscriptionGateway, err := gateway.New(gateway.Config{
		APIKey:           cfg.Gateway.APIKey,
		Environment:      cfg.Gateway.Environment,
		ProjectID:        cfg.Gateway.ProjectID,
		BaseURL:          cfg.Gateway.BaseURL,
		HTTPTimeout:      cfg.Gateway.HTTPTimeout,
		RetryMaxAttempts: cfg.Entitlements.RetryMaxAttempts,
		RetryBaseDelay:   cfg.Entitlements.RetryBaseDelay,
	})
	if err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to configure subscription gateway")
	}

	appStoreVerifier := storefront.NewAppStoreVerifier(storefront.AppStoreConfig{
		BaseURL:          cfg.AppStore.BaseURL,
		APIToken:         cfg.AppStore.APIToken,
		ProductTypes:     cfg.AppStore.ProductTypes,
		HTTPTimeout:      cfg.AppStore.HTTPTimeout,
		RetryMaxAttempts: cfg.Entitlements.RetryMaxAttempts,
		RetryBaseDelay:   cfg.Entitlements.RetryBaseDelay,
	})
	playStoreVerifier := storefront.NewPlayStoreVerifier(storefront.PlayStoreConfig{
		BaseURL:          cfg.PlayStore.BaseURL,
		AccessToken:      cfg.PlayStore.AccessToken,
		HTTPTimeout:      cfg.PlayStore.HTTPTimeout,
		RetryMaxAttempts: cfg.Entitlements.RetryMaxAttempts,
		RetryBaseDelay:   cfg.Entitlements.RetryBaseDelay,
	})

	verifierRegistry := storefront.NewRegistry(appStoreVerifier, playStoreVerifier)
	subscriptionService := service.NewSubscriptionService(
		receiptRepo,
		eventRepo,
		verifierRegistry,
		subscriptionGateway,
		cfg.Entitlements,
	)

	cleanup := func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return cfg, subscriptionService, cleanup
}
