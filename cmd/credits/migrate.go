package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/credits/pkg/cli"
	"mercator-hq/credits/pkg/ledger/migrate"
)

var migrateFlags struct {
	format          string
	overwrite       bool
	dryRun          bool
	defaultEndpoint string
	progress        bool
}

var migrateCmd = &cobra.Command{
	Use:   "migrate FILE",
	Short: "Import legacy ledger records",
	Long: `Import legacy per-user records from FILE (JSON array, JSON lines, or YAML).

Records with an endpointLimits list import each entry as an endpoint limit.
Older records with only flat fields become a single limit named by
--default-endpoint. Existing users are skipped unless --overwrite is given.
Each imported limit writes a "migration" transaction with its balance.

Examples:
  credits migrate legacy.json
  credits migrate export.jsonl --dry-run
  credits migrate users.yaml --overwrite --default-endpoint gpt-4o`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	f := migrateCmd.Flags()
	f.StringVar(&migrateFlags.format, "format", "", "input format (auto, json, jsonl, yaml); defaults to migration.format")
	f.BoolVar(&migrateFlags.overwrite, "overwrite", false, "patch users that already exist")
	f.BoolVar(&migrateFlags.dryRun, "dry-run", false, "validate without writing")
	f.StringVar(&migrateFlags.defaultEndpoint, "default-endpoint", migrate.DefaultEndpoint, "endpoint name for flat legacy fields")
	f.BoolVar(&migrateFlags.progress, "progress", false, "show a progress bar on stderr")
}

// migrateView is the printable migration summary.
type migrateView struct {
	File     string   `json:"file"`
	DryRun   bool     `json:"dryRun"`
	Read     int      `json:"read"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Limits   int      `json:"limits"`
	Errors   []string `json:"errors,omitempty"`
}

func (v migrateView) Header() []string {
	return []string{"FILE", "READ", "IMPORTED", "SKIPPED", "FAILED", "LIMITS", "DRY_RUN"}
}

func (v migrateView) Rows() [][]string {
	return [][]string{{
		v.File,
		fmt.Sprint(v.Read),
		fmt.Sprint(v.Imported),
		fmt.Sprint(v.Skipped),
		fmt.Sprint(v.Failed),
		fmt.Sprint(v.Limits),
		fmt.Sprint(v.DryRun),
	}}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	m, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	opts := []migrate.Option{
		migrate.WithDryRun(migrateFlags.dryRun),
		migrate.WithDefaultEndpoint(migrateFlags.defaultEndpoint),
	}
	if cmd.Flags().Changed("overwrite") {
		opts = append(opts, migrate.WithOverwrite(migrateFlags.overwrite))
	}
	var progress *cli.SimpleProgress
	if migrateFlags.progress {
		progress = cli.NewProgressReporter(cmd.ErrOrStderr())
		started := false
		opts = append(opts, migrate.WithProgress(func(done, total int) {
			if !started {
				progress.Start(total)
				started = true
			}
			progress.Update(done)
		}))
	}

	format := migrateFlags.format
	if format == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		format = cfg.Migration.Format
	}

	summary, err := m.Migrator(opts...).ImportFile(commandContext(cmd), args[0], format)
	if err != nil {
		if progress != nil {
			progress.Error(err)
		}
		return cli.NewCommandError("migrate", err)
	}
	if progress != nil {
		progress.Finish()
	}

	view := migrateView{
		File:     args[0],
		DryRun:   migrateFlags.dryRun,
		Read:     summary.Read,
		Imported: summary.Imported,
		Skipped:  summary.Skipped,
		Failed:   summary.Failed,
		Limits:   summary.Limits,
	}
	for _, e := range summary.Errors {
		view.Errors = append(view.Errors, e.Error())
	}
	if err := printResult(cmd, view); err != nil {
		return err
	}
	for _, e := range view.Errors {
		fmt.Fprintln(cmd.ErrOrStderr(), e)
	}
	if err := summary.Err(); err != nil {
		return cli.NewCommandError("migrate", fmt.Errorf("%d records failed: %w", summary.Failed, err))
	}
	return nil
}
