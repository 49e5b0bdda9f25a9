package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
)

var refillCmd = &cobra.Command{
	Use:   "refill",
	Short: "Apply refills",
}

var refillOneCmd = &cobra.Command{
	Use:   "one USER ENDPOINT",
	Short: "Refill one endpoint if its interval has elapsed",
	Long: `Apply a manual refill of USER on ENDPOINT. The refill is applied only
when the refill interval has elapsed since the last refill, so running this
twice within an interval adds credits once.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openLedger(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		out, err := m.Admin().ManualRefill(commandContext(cmd), args[0], args[1])
		if err != nil {
			return cli.NewCommandError("refill one", err)
		}
		if outputFormat == string(cli.FormatJSON) {
			return printResult(cmd, out)
		}
		if !out.Refilled {
			fmt.Fprintf(cmd.OutOrStdout(), "not due, balance %d\n", out.Balance)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "refilled %d, balance %d\n", out.Amount, out.Balance)
		return nil
	},
}

var refillAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Run one refill sweep over every auto-refill endpoint",
	Long: `Run one refill sweep, the same pass the scheduler of "credits run"
performs. Failed endpoints are listed; the command then exits non-zero.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openLedger(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		summary := m.RefillAll(commandContext(cmd))
		if err := printResult(cmd, cli.SweepTable{SweepSummary: summary}); err != nil {
			return err
		}
		if err := summary.Err(); err != nil {
			return cli.NewCommandError("refill all", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refillCmd)
	refillCmd.AddCommand(refillOneCmd, refillAllCmd)
}
