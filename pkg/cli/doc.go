/*
Package cli provides the helpers shared by the credits command tree.

Output formatting: results that implement Table render as aligned text or
CSV, and every result renders as JSON.

	formatter := cli.NewFormatter(cli.FormatCSV)
	if err := formatter.FormatTo(os.Stdout, cli.TransactionTable(entries)); err != nil {
		return err
	}

Progress: bulk operations such as legacy imports draw a single-line bar.

	progress := cli.NewProgressReporter(os.Stderr)
	progress.Start(total)
	progress.Update(done)
	progress.Finish()

Signals: SetupSignalHandler cancels a context on SIGINT or SIGTERM, and
ReloadSignals delivers SIGHUP for configuration reloads.

Exit codes: ExitCode maps ledger errors to distinct process exit codes so
scripts can tell an exhausted budget from a missing limit.
*/
package cli
