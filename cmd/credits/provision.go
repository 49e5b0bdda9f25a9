package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
)

var provisionCmd = &cobra.Command{
	Use:   "provision USER",
	Short: "Create an empty ledger record for a user",
	Long: `Create the ledger record of USER with no endpoint limits. Provisioning an
existing user changes nothing. Endpoint limits are never created implicitly;
use "credits limits set" to configure them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openLedger(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		created, err := m.Admin().Provision(commandContext(cmd), args[0])
		if err != nil {
			return cli.NewCommandError("provision", err)
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already provisioned\n", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
