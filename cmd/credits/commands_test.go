package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mercator-hq/credits/pkg/cli"
	"mercator-hq/credits/pkg/ledger/model"
)

// writeConfig writes a config using a fresh SQLite database and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "credits.yaml")
	content := `storage:
  backend: sqlite
  sqlite:
    path: ` + filepath.Join(dir, "credits.db") + `
alerts:
  thresholds: [500, 100]
  sinks: [log]
server:
  enabled: false
telemetry:
  logging:
    level: error
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// resetFlags restores every flag to its default so runs do not leak state.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the command tree with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("credits %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestLimitsAndDebit(t *testing.T) {
	cfg := writeConfig(t)

	mustExecute(t, "-c", cfg, "provision", "alice")
	out := mustExecute(t, "-c", cfg, "limits", "set", "alice", "gpt", "--credits", "1000")
	if !strings.Contains(out, "1000") {
		t.Errorf("limits set output = %q", out)
	}

	// A patch keeps the credits set before.
	mustExecute(t, "-c", cfg, "limits", "set", "alice", "gpt", "--auto-refill", "--refill-amount", "200", "--interval", "1", "--unit", "hour")
	out = mustExecute(t, "-c", cfg, "-o", "json", "limits", "show", "alice", "gpt")
	var view cli.LimitTable
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("limits show json: %v\n%s", err, out)
	}
	l := view.Limits[0]
	if l.TokenCredits != 1000 || !l.AutoRefillEnabled || l.RefillIntervalUnit != model.UnitHours {
		t.Errorf("limit = %+v", l)
	}

	out = mustExecute(t, "-c", cfg, "debit", "alice", "gpt", "450", "--token-type", "completion")
	if !strings.Contains(out, "balance 550") {
		t.Errorf("debit output = %q", out)
	}
	out = mustExecute(t, "-c", cfg, "debit", "alice", "gpt", "100")
	if !strings.Contains(out, "alert: balance 450 crossed 500") {
		t.Errorf("debit output = %q, want alert", out)
	}

	_, err := execute(t, "-c", cfg, "debit", "alice", "gpt", "100000")
	if !errors.Is(err, model.ErrInsufficientCredits) || cli.ExitCode(err) != cli.ExitInsufficient {
		t.Errorf("over-debit error = %v (exit %d)", err, cli.ExitCode(err))
	}
	_, err = execute(t, "-c", cfg, "debit", "alice", "claude", "1")
	if cli.ExitCode(err) != cli.ExitNotFound {
		t.Errorf("unconfigured debit exit = %d, err %v", cli.ExitCode(err), err)
	}
	_, err = execute(t, "-c", cfg, "debit", "alice", "gpt", "ten")
	if cli.ExitCode(err) != cli.ExitUsage {
		t.Errorf("bad amount exit = %d", cli.ExitCode(err))
	}
}

func TestAdjustAndTransactions(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, "-c", cfg, "limits", "set", "bob", "gpt", "--credits", "100")
	mustExecute(t, "-c", cfg, "adjust", "bob", "gpt", "900", "--note", "top up")
	mustExecute(t, "-c", cfg, "debit", "bob", "gpt", "50")

	out := mustExecute(t, "-c", cfg, "-o", "csv", "transactions", "list", "--user", "bob")
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %v, want header + 2", rows)
	}
	if rows[1][3] != string(model.ContextAdjustment) || rows[2][3] != string(model.ContextDebit) {
		t.Errorf("contexts = %q, %q", rows[1][3], rows[2][3])
	}

	out = mustExecute(t, "-c", cfg, "transactions", "list", "--user", "bob", "--context", "debit")
	if strings.Count(strings.TrimSpace(out), "\n") != 1 {
		t.Errorf("filtered list = %q", out)
	}

	file := filepath.Join(t.TempDir(), "bob.json")
	mustExecute(t, "-c", cfg, "transactions", "export", "--user", "bob", "--format", "json", "--file", file)
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var entries []model.TransactionEntry
	if err := json.Unmarshal(data, &entries); err != nil || len(entries) != 2 {
		t.Errorf("export = %d entries, %v", len(entries), err)
	}

	if _, err := execute(t, "-c", cfg, "adjust", "bob", "gpt", "--", "-5000"); !errors.Is(err, model.ErrInsufficientCredits) {
		t.Errorf("negative adjust error = %v", err)
	}
	if _, err := execute(t, "-c", cfg, "transactions", "list", "--since", "yesterday"); cli.ExitCode(err) != cli.ExitUsage {
		t.Errorf("bad --since error = %v", err)
	}
}

func TestRefillCommands(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, "-c", cfg, "limits", "set", "carol", "gpt",
		"--credits", "10", "--auto-refill", "--refill-amount", "500", "--interval", "1", "--unit", "days")

	out := mustExecute(t, "-c", cfg, "refill", "one", "carol", "gpt")
	if !strings.Contains(out, "refilled 500, balance 510") {
		t.Errorf("refill one = %q", out)
	}
	out = mustExecute(t, "-c", cfg, "refill", "one", "carol", "gpt")
	if !strings.Contains(out, "not due") {
		t.Errorf("second refill one = %q", out)
	}

	out = mustExecute(t, "-c", cfg, "-o", "json", "refill", "all")
	var summary struct {
		Checked  int `json:"checked"`
		Refilled int `json:"refilled"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("refill all json: %v\n%s", err, out)
	}
	if summary.Checked != 1 || summary.Refilled != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestLimitsRemove(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, "-c", cfg, "limits", "set", "dave", "gpt", "--credits", "5")
	mustExecute(t, "-c", cfg, "limits", "remove", "dave", "gpt")

	if _, err := execute(t, "-c", cfg, "limits", "show", "dave", "gpt"); cli.ExitCode(err) != cli.ExitNotFound {
		t.Errorf("show removed limit error = %v", err)
	}
	if _, err := execute(t, "-c", cfg, "limits", "set", "dave", "gpt", "--unit", "fortnights"); cli.ExitCode(err) != cli.ExitUsage {
		t.Errorf("bad unit error = %v", err)
	}
}

func TestMigrateCommand(t *testing.T) {
	cfg := writeConfig(t)
	input := filepath.Join(t.TempDir(), "legacy.jsonl")
	content := `{"user": "erin", "tokenCredits": 700, "autoRefillEnabled": true, "refillAmount": 100, "refillIntervalValue": 1, "refillIntervalUnit": "week"}
{"user": "frank", "endpointLimits": [{"endpoint": "gpt", "tokenCredits": 30}, {"endpoint": "claude", "tokenCredits": 40}]}
`
	if err := os.WriteFile(input, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	out := mustExecute(t, "-c", cfg, "migrate", input, "--dry-run")
	if !strings.Contains(out, "true") {
		t.Errorf("dry run output = %q", out)
	}
	if _, err := execute(t, "-c", cfg, "limits", "show", "erin"); cli.ExitCode(err) != cli.ExitNotFound {
		t.Errorf("dry run wrote erin: %v", err)
	}

	out = mustExecute(t, "-c", cfg, "-o", "json", "migrate", input)
	var view migrateView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("migrate json: %v\n%s", err, out)
	}
	if view.Imported != 2 || view.Limits != 3 {
		t.Errorf("view = %+v", view)
	}

	out = mustExecute(t, "-c", cfg, "-o", "json", "limits", "show", "erin", "default")
	if !strings.Contains(out, `"tokenCredits": 700`) || !strings.Contains(out, `"refillIntervalUnit": "weeks"`) {
		t.Errorf("erin = %s", out)
	}

	out = mustExecute(t, "-c", cfg, "-o", "json", "migrate", input)
	if err := json.Unmarshal([]byte(out), &view); err != nil || view.Skipped != 2 {
		t.Errorf("second import = %+v, %v", view, err)
	}
}

func TestValidateCommand(t *testing.T) {
	cfg := writeConfig(t)
	out := mustExecute(t, "-c", cfg, "validate", "--ping")
	if !strings.Contains(out, "configuration valid") || !strings.Contains(out, "storage reachable") {
		t.Errorf("validate output = %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("storage:\n  backend: etcd\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "-c", bad, "validate")
	var cfgErr *cli.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("validate bad config error = %v", err)
	}
}

func TestOutputFlagRejectsUnknownFormat(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, "-c", cfg, "limits", "set", "gina", "gpt", "--credits", "5")
	if _, err := execute(t, "-c", cfg, "-o", "xml", "limits", "show", "gina"); cli.ExitCode(err) != cli.ExitUsage {
		t.Errorf("-o xml error = %v", err)
	}
}
