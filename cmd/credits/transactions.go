package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/txlog"
)

var txFlags struct {
	user     string
	endpoint string
	context  string
	since    string
	until    string
	limit    int
	format   string
	file     string
}

var transactionsCmd = &cobra.Command{
	Use:     "transactions",
	Aliases: []string{"tx"},
	Short:   "Query the transaction log",
}

var transactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions in time order",
	Long: `List transaction log entries in time order, filtered by the flags given.

Examples:
  credits transactions list --user alice
  credits transactions list --user alice --context autoRefill --since 2026-01-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := txFilter()
		if err != nil {
			return err
		}
		m, err := openLedger(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		entries, err := m.Transactions().Query(commandContext(cmd), filter)
		if err != nil {
			return cli.NewCommandError("transactions list", err)
		}
		return printResult(cmd, cli.TransactionTable(entries))
	},
}

var transactionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export transactions as CSV or JSON",
	Long: `Export transaction log entries for audit. Output goes to --file or stdout.

Examples:
  credits transactions export --user alice --format csv --file alice.csv
  credits transactions export --since 2026-03-01T00:00:00Z --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := txFilter()
		if err != nil {
			return err
		}
		exp, err := txlog.NewExporter(txFlags.format)
		if err != nil {
			return cli.NewConfigError("format", err.Error())
		}

		var w io.Writer = cmd.OutOrStdout()
		if txFlags.file != "" {
			f, err := os.Create(txFlags.file)
			if err != nil {
				return cli.NewCommandError("transactions export", err)
			}
			defer f.Close()
			w = f
		}

		m, err := openLedger(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		n, err := m.Transactions().Export(commandContext(cmd), filter, exp, w)
		if err != nil {
			return cli.NewCommandError("transactions export", err)
		}
		if txFlags.file != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d transactions to %s\n", n, txFlags.file)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(transactionsCmd)
	transactionsCmd.AddCommand(transactionsListCmd, transactionsExportCmd)

	for _, c := range []*cobra.Command{transactionsListCmd, transactionsExportCmd} {
		f := c.Flags()
		f.StringVar(&txFlags.user, "user", "", "filter by user")
		f.StringVar(&txFlags.endpoint, "endpoint", "", "filter by endpoint")
		f.StringVar(&txFlags.context, "context", "", "filter by context (debit, autoRefill, manualRefill, adjustment, migration)")
		f.StringVar(&txFlags.since, "since", "", "only entries at or after this RFC3339 time")
		f.StringVar(&txFlags.until, "until", "", "only entries before this RFC3339 time")
		f.IntVar(&txFlags.limit, "limit", 0, "maximum number of entries (0 = all)")
	}
	transactionsExportCmd.Flags().StringVar(&txFlags.format, "format", "csv", "export format (csv, json)")
	transactionsExportCmd.Flags().StringVar(&txFlags.file, "file", "", "write to file instead of stdout")
}

func txFilter() (txlog.Filter, error) {
	filter := txlog.Filter{
		User:     txFlags.user,
		Endpoint: txFlags.endpoint,
		Limit:    txFlags.limit,
	}
	if txFlags.context != "" {
		c := model.TxContext(txFlags.context)
		if !c.Valid() {
			return filter, cli.NewConfigError("context", fmt.Sprintf("unknown transaction context %q", txFlags.context))
		}
		filter.Context = c
	}
	var err error
	if filter.Since, err = parseTime("since", txFlags.since); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime("until", txFlags.until); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, cli.NewConfigError(field, fmt.Sprintf("invalid time %q (want RFC3339)", s))
	}
	return t, nil
}
