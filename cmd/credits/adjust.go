package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
)

var adjustNote string

var adjustCmd = &cobra.Command{
	Use:   "adjust USER ENDPOINT DELTA",
	Short: "Add or remove credits administratively",
	Long: `Change the balance of USER on ENDPOINT by DELTA, which may be negative.
The adjustment is recorded in the transaction log. A delta that would make
the balance negative is rejected.

Examples:
  credits adjust alice gpt-4o 5000 --note "support ticket 1234"
  credits adjust alice gpt-4o -- -200`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return cli.NewConfigError("delta", fmt.Sprintf("%q is not an integer", args[2]))
		}

		m, err := openLedger(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		balance, err := m.Admin().Adjust(commandContext(cmd), args[0], args[1], delta, adjustNote)
		if err != nil {
			return cli.NewCommandError("adjust", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "balance %d\n", balance)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adjustCmd)
	adjustCmd.Flags().StringVar(&adjustNote, "note", "", "reason recorded in the log")
}
