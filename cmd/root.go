package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "entitlements",
	Short: "Subscription entitlements microservice",
	Long:  "A microservice that verifies storefront purchases, reconciles them against the subscription management API, and applies lifecycle webhooks to one canonical receipt per customer.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
