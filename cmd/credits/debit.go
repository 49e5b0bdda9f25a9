package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
	"mercator-hq/credits/pkg/ledger/debit"
	"mercator-hq/credits/pkg/ledger/model"
)

var debitFlags struct {
	tokenType string
	raw       int64
}

var debitCmd = &cobra.Command{
	Use:   "debit USER ENDPOINT AMOUNT",
	Short: "Charge credits for a model invocation",
	Long: `Debit AMOUNT credits from the balance of USER on ENDPOINT. A due
auto-refill is applied first when the balance would not cover the amount.
The command exits with code 3 when the balance is insufficient or the limit
is disabled, and 4 when the endpoint is not configured.

Examples:
  credits debit alice gpt-4o 1200 --token-type prompt
  credits debit alice gpt-4o 300 --token-type completion -o json`,
	Args: cobra.ExactArgs(3),
	RunE: runDebit,
}

func init() {
	rootCmd.AddCommand(debitCmd)
	debitCmd.Flags().StringVar(&debitFlags.tokenType, "token-type", string(model.TokenPrompt), "token type (prompt, completion)")
	debitCmd.Flags().Int64Var(&debitFlags.raw, "raw-amount", 0, "amount reported by the caller, if different")
}

func runDebit(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return cli.NewConfigError("amount", fmt.Sprintf("%q is not an integer", args[2]))
	}

	m, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	res, err := m.Debit(commandContext(cmd), debit.Request{
		User:      args[0],
		Endpoint:  args[1],
		Amount:    amount,
		TokenType: model.TokenType(debitFlags.tokenType),
		RawAmount: debitFlags.raw,
	})
	if err != nil {
		return cli.NewCommandError("debit", err)
	}
	if outputFormat == string(cli.FormatJSON) {
		return printResult(cmd, res)
	}

	w := cmd.OutOrStdout()
	if res.Refilled {
		fmt.Fprintf(w, "auto-refilled %d\n", res.RefillAmount)
	}
	fmt.Fprintf(w, "balance %d\n", res.Balance)
	for _, a := range res.Alerts {
		fmt.Fprintf(w, "alert: balance %d crossed %d\n", a.Balance, a.Threshold)
	}
	return nil
}
