package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vibast-solutions/ms-go-entitlements/app/service"
	"github.com/vibast-solutions/ms-go-entitlements/config"
)

var (
	workerMode bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-verify stale canonical receipts against the subscription API",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"reconcile",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(s *service.SubscriptionService, ctx context.Context) error {
				return s.RunReconcileBatch(ctx)
			},
		)
	},
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Run webhook journal related commands",
}

var webhooksRedeliverCmd = &cobra.Command{
	Use:   "redeliver",
	Short: "Re-apply journaled webhook events stuck in the received state",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"webhooks_redeliver",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.RedeliverInterval },
			func(s *service.SubscriptionService, ctx context.Context) error {
				return s.RunRedeliverWebhooksBatch(ctx)
			},
		)
	},
}

var webhooksPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Soft-delete processed webhook events past the retention window",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"webhooks_purge",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.PurgeInterval },
			func(s *service.SubscriptionService, ctx context.Context) error {
				return s.RunPurgeWebhooksBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(webhooksCmd)
	webhooksCmd.AddCommand(webhooksRedeliverCmd)
	webhooksCmd.AddCommand(webhooksPurgeCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(s *service.SubscriptionService, ctx context.Context) error,
) {
	cfg, subscriptionService, cleanup := mustCreateSubscriptionService()
	defer cleanup()

	if workerMode {
		runWorker(name, intervalResolver(cfg), subscriptionService, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return fn(subscriptionService, ctx) })
}

func runWorker(
	name string,
	interval time.Duration,
	subscriptionService *service.SubscriptionService,
	fn func(s *service.SubscriptionService, ctx context.Context) error,
) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() error { return fn(subscriptionService, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(subscriptionService, ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
