package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/credits/pkg/config"
	"mercator-hq/credits/pkg/ledger/alerts"
	"mercator-hq/credits/pkg/ledger/debit"
	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/storage"
	"mercator-hq/credits/pkg/telemetry/health"
	"mercator-hq/credits/pkg/telemetry/metrics"
)

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Alerts.Sinks = []string{"log"}
	cfg.Refill.Schedule = "@every 1h"
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	clock := func() time.Time { return baseTime }
	m, err := NewManager(context.Background(), cfg, append([]Option{WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManager_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"memory", func(cfg *config.Config) {}},
		{"sqlite", func(cfg *config.Config) {
			cfg.Storage.Backend = "sqlite"
			cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "credits.db")
		}},
		{"redis", func(cfg *config.Config) {
			cfg.Storage.Backend = "redis"
			cfg.Storage.Redis.Addrs = []string{mr.Addr()}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			m := newTestManager(t, cfg)
			ctx := context.Background()

			if _, err := m.Admin().SetLimits(ctx, "alice", []model.LimitUpdate{
				{Endpoint: "gpt", TokenCredits: model.Ptr[int64](1000)},
			}); err != nil {
				t.Fatalf("SetLimits() error = %v", err)
			}
			res, err := m.Debit(ctx, debit.Request{User: "alice", Endpoint: "gpt", Amount: 250, TokenType: model.TokenPrompt})
			if err != nil {
				t.Fatalf("Debit() error = %v", err)
			}
			if res.Balance != 750 {
				t.Errorf("Balance = %d, want 750", res.Balance)
			}
			if err := m.Store().Ping(ctx); err != nil {
				t.Errorf("Ping() error = %v", err)
			}
		})
	}
}

func TestNewManager_Errors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *config.Config
		mutate func(cfg *config.Config)
	}{
		{"nil config", nil, nil},
		{"unknown backend", testConfig(), func(cfg *config.Config) { cfg.Storage.Backend = "etcd" }},
		{"bad schedule", testConfig(), func(cfg *config.Config) { cfg.Refill.Schedule = "sometimes" }},
		{"unknown sink", testConfig(), func(cfg *config.Config) { cfg.Alerts.Sinks = []string{"pager"} }},
		{"ascending thresholds", testConfig(), func(cfg *config.Config) { cfg.Alerts.Thresholds = []int64{100, 5000} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.mutate != nil {
				tt.mutate(tt.cfg)
			}
			if _, err := NewManager(context.Background(), tt.cfg); err == nil {
				t.Fatal("NewManager() error = nil, want error")
			}
		})
	}
}

func TestManager_AlertsAndSinks(t *testing.T) {
	sink := alerts.NewMemorySink(0)
	m := newTestManager(t, testConfig(), WithAlertSink(sink))
	ctx := context.Background()

	if _, err := m.Admin().SetLimits(ctx, "alice", []model.LimitUpdate{
		{Endpoint: "gpt", TokenCredits: model.Ptr[int64](2100)},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Debit(ctx, debit.Request{User: "alice", Endpoint: "gpt", Amount: 200, TokenType: model.TokenCompletion}); err != nil {
		t.Fatal(err)
	}

	got := sink.Alerts()
	if len(got) != 1 || got[0].Threshold != 2000 || got[0].Balance != 1900 {
		t.Fatalf("alerts = %+v, want one 2000 alert at 1900", got)
	}
}

func TestManager_AlertsDisabled(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Alerts.Enabled = &off
	sink := alerts.NewMemorySink(0)
	m := newTestManager(t, cfg, WithAlertSink(sink))
	ctx := context.Background()

	if m.Notifier() != nil {
		t.Fatal("Notifier() != nil with alerts disabled")
	}
	if _, err := m.Admin().SetLimits(ctx, "alice", []model.LimitUpdate{
		{Endpoint: "gpt", TokenCredits: model.Ptr[int64](150)},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Debit(ctx, debit.Request{User: "alice", Endpoint: "gpt", Amount: 100, TokenType: model.TokenPrompt}); err != nil {
		t.Fatal(err)
	}
	if n := len(sink.Alerts()); n != 0 {
		t.Errorf("%d alerts published with alerting disabled", n)
	}
}

func TestManager_RefillAll(t *testing.T) {
	m := newTestManager(t, testConfig())
	ctx := context.Background()

	last := baseTime.Add(-2 * time.Hour)
	unit := model.UnitHours
	if _, err := m.Admin().SetLimits(ctx, "alice", []model.LimitUpdate{{
		Endpoint:            "gpt",
		TokenCredits:        model.Ptr[int64](10),
		AutoRefillEnabled:   model.Ptr(true),
		RefillAmount:        model.Ptr[int64](500),
		RefillIntervalValue: model.Ptr[int64](1),
		RefillIntervalUnit:  &unit,
		LastRefill:          &last,
	}}); err != nil {
		t.Fatal(err)
	}

	summary := m.RefillAll(ctx)
	if summary.Refilled != 1 || summary.Err() != nil {
		t.Fatalf("RefillAll() = %+v", summary)
	}
	if m.Scheduler().LastSweep() != summary {
		t.Error("LastSweep() does not report the manual sweep")
	}

	limit, err := m.Admin().Limit(ctx, "alice", "gpt")
	if err != nil {
		t.Fatal(err)
	}
	if limit.TokenCredits != 510 {
		t.Errorf("TokenCredits = %d, want 510", limit.TokenCredits)
	}

	entries, err := m.Transactions().Query(ctx, storage.TxFilter{User: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Context != model.ContextAutoRefill {
		t.Errorf("entries = %+v, want one auto refill", entries)
	}
}

func TestManager_StartRespectsSchedulerSwitch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, testConfig())
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !m.Scheduler().IsRunning() {
		t.Error("scheduler not running after Start")
	}

	cfg := testConfig()
	off := false
	cfg.Refill.Enabled = &off
	m2 := newTestManager(t, cfg)
	if err := m2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if m2.Scheduler().IsRunning() {
		t.Error("scheduler running although disabled")
	}
}

func TestManager_ApplyConfig(t *testing.T) {
	m := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	next := testConfig()
	next.Alerts.Thresholds = []int64{800, 80}
	next.Alerts.ReplenishMargin = 1000
	next.Refill.Schedule = "@every 30m"
	if err := m.ApplyConfig(next); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}
	if got := m.Notifier().Policy(); got.ReplenishMargin != 1000 || len(got.Thresholds) != 2 {
		t.Errorf("Policy() = %+v", got)
	}
	if got := m.Scheduler().Schedule(); got != "@every 30m" {
		t.Errorf("Schedule() = %q", got)
	}

	bad := testConfig()
	bad.Alerts.Thresholds = []int64{1, 2}
	bad.Refill.Schedule = "never"
	err := m.ApplyConfig(bad)
	if err == nil {
		t.Fatal("ApplyConfig() accepted invalid config")
	}
	if !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest in chain", err)
	}
	if got := m.Scheduler().Schedule(); got != "@every 30m" {
		t.Errorf("Schedule() changed to %q after rejected reload", got)
	}
}

func TestManager_HealthChecks(t *testing.T) {
	collector := metrics.NewCollector(nil, nil)
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(), WithStore(store), WithMetrics(collector))

	checker := health.New(time.Second)
	m.RegisterHealthChecks(checker)

	status := checker.CheckReadiness(context.Background())
	if status.Status != "ready" {
		t.Fatalf("readiness = %+v", status)
	}
	if n, err := testutil.GatherAndCount(collector.Registry(), "credits_ledger_storage_up"); err != nil || n != 1 {
		t.Errorf("storage_up series = %d, %v", n, err)
	}

	store.Close()
	status = checker.CheckReadiness(context.Background())
	if status.Status != "degraded" {
		t.Errorf("readiness after close = %q, want degraded", status.Status)
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	m, err := NewManager(context.Background(), testConfig(), WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	// The injected store stays open.
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("injected store closed by Manager: %v", err)
	}
}

func TestManager_Migrator(t *testing.T) {
	m := newTestManager(t, testConfig())
	ctx := context.Background()

	in := `[{"user":"carol","tokenCredits":300}]`
	summary, err := m.Migrator().Import(ctx, strings.NewReader(in), "json")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if summary.Imported != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	limit, err := m.Admin().Limit(ctx, "carol", "default")
	if err != nil || limit.TokenCredits != 300 {
		t.Errorf("Limit() = %+v, %v", limit, err)
	}
}
