package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
	"mercator-hq/credits/pkg/ledger"
	"mercator-hq/credits/pkg/ledger/storage"
)

var validatePing bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load and validate the configuration, reporting every invalid field.
With --ping the configured store is also opened and pinged.

Examples:
  credits validate --config credits.yaml
  credits validate --config credits.yaml --ping`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "configuration valid")
		fmt.Fprintf(w, "  storage:  %s\n", cfg.Storage.Backend)
		fmt.Fprintf(w, "  alerts:   %v (thresholds %v)\n", cfg.Alerts.AlertingEnabled(), cfg.Alerts.Thresholds)
		fmt.Fprintf(w, "  refill:   %v (%s)\n", cfg.Refill.SchedulerEnabled(), cfg.Refill.Schedule)
		fmt.Fprintf(w, "  listener: %v (%s)\n", cfg.Server.ListenerEnabled(), cfg.Server.ListenAddress)

		if !validatePing {
			return nil
		}
		ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.Telemetry.Health.CheckTimeout)
		defer cancel()

		store, err := storage.Open(ctx, ledger.StorageConfig(cfg.Storage, nil))
		if err != nil {
			return cli.NewCommandError("validate", err)
		}
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			return cli.NewCommandError("validate", fmt.Errorf("storage ping: %w", err))
		}
		fmt.Fprintln(w, "storage reachable")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validatePing, "ping", false, "also open and ping the store")
}
