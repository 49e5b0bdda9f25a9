package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
	"mercator-hq/credits/pkg/ledger/model"
)

var limitsFlags struct {
	credits      int64
	enabled      bool
	autoRefill   bool
	refillAmount int64
	interval     int64
	unit         string
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage endpoint limits",
}

var limitsSetCmd = &cobra.Command{
	Use:   "set USER ENDPOINT",
	Short: "Create or patch an endpoint limit",
	Long: `Create or patch the limit of USER on ENDPOINT. Only the flags given are
changed; a new limit takes defaults for the rest (0 credits, enabled, no
auto-refill, interval unit days). Setting credits writes no transaction.

Examples:
  credits limits set alice gpt-4o --credits 10000
  credits limits set alice gpt-4o --auto-refill --refill-amount 5000 --interval 1 --unit days
  credits limits set alice gpt-4o --enabled=false`,
	Args: cobra.ExactArgs(2),
	RunE: runLimitsSet,
}

var limitsShowCmd = &cobra.Command{
	Use:   "show USER [ENDPOINT]",
	Short: "Show the limits of a user",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLimitsShow,
}

var limitsRemoveCmd = &cobra.Command{
	Use:   "remove USER ENDPOINT",
	Short: "Remove an endpoint limit",
	Long: `Remove the limit of USER on ENDPOINT. Debits against it fail with
"endpoint not configured" afterwards. Its transactions are kept.`,
	Args: cobra.ExactArgs(2),
	RunE: runLimitsRemove,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
	limitsCmd.AddCommand(limitsSetCmd, limitsShowCmd, limitsRemoveCmd)

	f := limitsSetCmd.Flags()
	f.Int64Var(&limitsFlags.credits, "credits", 0, "token credits balance")
	f.BoolVar(&limitsFlags.enabled, "enabled", true, "accept debits")
	f.BoolVar(&limitsFlags.autoRefill, "auto-refill", false, "refill automatically")
	f.Int64Var(&limitsFlags.refillAmount, "refill-amount", 0, "credits added per refill")
	f.Int64Var(&limitsFlags.interval, "interval", 0, "refill interval value")
	f.StringVar(&limitsFlags.unit, "unit", "", "refill interval unit (seconds, minutes, hours, days, weeks, months)")
}

// limitUpdate builds a patch from the flags the user actually set.
func limitUpdate(cmd *cobra.Command, endpoint string) (model.LimitUpdate, error) {
	f := cmd.Flags()
	u := model.LimitUpdate{Endpoint: endpoint}
	if f.Changed("credits") {
		u.TokenCredits = model.Ptr(limitsFlags.credits)
	}
	if f.Changed("enabled") {
		u.Enabled = model.Ptr(limitsFlags.enabled)
	}
	if f.Changed("auto-refill") {
		u.AutoRefillEnabled = model.Ptr(limitsFlags.autoRefill)
	}
	if f.Changed("refill-amount") {
		u.RefillAmount = model.Ptr(limitsFlags.refillAmount)
	}
	if f.Changed("interval") {
		u.RefillIntervalValue = model.Ptr(limitsFlags.interval)
	}
	if f.Changed("unit") {
		unit, err := model.ParseIntervalUnit(limitsFlags.unit)
		if err != nil {
			return u, cli.NewConfigError("unit", err.Error())
		}
		u.RefillIntervalUnit = &unit
	}
	return u, nil
}

func runLimitsSet(cmd *cobra.Command, args []string) error {
	update, err := limitUpdate(cmd, args[1])
	if err != nil {
		return err
	}

	m, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	limits, err := m.Admin().SetLimits(commandContext(cmd), args[0], []model.LimitUpdate{update})
	if err != nil {
		return cli.NewCommandError("limits set", err)
	}
	return printResult(cmd, cli.LimitTable{User: args[0], Limits: limits})
}

func runLimitsShow(cmd *cobra.Command, args []string) error {
	m, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx := commandContext(cmd)
	user := args[0]
	if len(args) == 2 {
		limit, err := m.Admin().Limit(ctx, user, args[1])
		if err != nil {
			return cli.NewCommandError("limits show", err)
		}
		return printResult(cmd, cli.LimitTable{User: user, Limits: []model.EndpointLimit{*limit}})
	}

	rec, err := m.Admin().Record(ctx, user)
	if err != nil {
		return cli.NewCommandError("limits show", err)
	}
	table := cli.LimitTable{User: user}
	for _, name := range rec.Endpoints() {
		table.Limits = append(table.Limits, rec.Limits[name])
	}
	return printResult(cmd, table)
}

func runLimitsRemove(cmd *cobra.Command, args []string) error {
	m, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Admin().RemoveLimit(commandContext(cmd), args[0], args[1]); err != nil {
		return cli.NewCommandError("limits remove", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", args[0], args[1])
	return nil
}
