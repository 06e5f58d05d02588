// Package main provides referralctl, an operator tool for the referral hub.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cleftcare/referralhub/internal/config"
	"github.com/cleftcare/referralhub/internal/observability/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "referralctl",
		Short:        "Query, seed and administer the referral hub",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(topicsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the environment the same way the services do. Logs go to
// stderr so command output can be piped.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load("referralctl")
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel, false)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
