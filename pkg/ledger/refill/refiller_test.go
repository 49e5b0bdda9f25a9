package refill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mercator-hq/credits/pkg/ledger/alerts"
	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func setLimit(t *testing.T, store storage.Store, user, endpoint string, credits, amount int64, auto bool, lastRefill time.Time) {
	t.Helper()
	_, err := store.UpsertLimit(context.Background(), user, model.LimitUpdate{
		Endpoint:            endpoint,
		TokenCredits:        model.Ptr(credits),
		AutoRefillEnabled:   model.Ptr(auto),
		RefillAmount:        model.Ptr(amount),
		RefillIntervalValue: model.Ptr[int64](1),
		RefillIntervalUnit:  model.Ptr(model.UnitHours),
		LastRefill:          model.Ptr(lastRefill),
	}, baseTime)
	if err != nil {
		t.Fatalf("UpsertLimit(%s/%s) failed: %v", user, endpoint, err)
	}
}

func TestRefiller_RefillOne(t *testing.T) {
	store := storage.NewMemoryStore()
	setLimit(t, store, "alice", "gpt", 50, 1000, true, baseTime.Add(-2*time.Hour))
	r := NewRefiller(store, WithClock(fixedClock(baseTime)))
	ctx := context.Background()

	out, err := r.RefillOne(ctx, "alice", "gpt", model.ContextAutoRefill)
	if err != nil {
		t.Fatalf("RefillOne() error = %v", err)
	}
	if !out.Refilled || out.Amount != 1000 || out.Balance != 1050 {
		t.Fatalf("RefillOne() = %+v, want refilled to 1050", out)
	}

	// A second call within the same interval changes nothing.
	out, err = r.RefillOne(ctx, "alice", "gpt", model.ContextAutoRefill)
	if err != nil {
		t.Fatalf("second RefillOne() error = %v", err)
	}
	if out.Refilled || out.Balance != 1050 {
		t.Fatalf("second RefillOne() = %+v, want no-op at 1050", out)
	}

	entries, err := store.Transactions(ctx, storage.TxFilter{User: "alice", Context: model.ContextAutoRefill})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TokenType != model.TokenCredits || entries[0].TokenValue != 1000 {
		t.Fatalf("refill entries = %+v, want one credits entry of 1000", entries)
	}
}

func TestRefiller_RefillOneManual(t *testing.T) {
	store := storage.NewMemoryStore()
	// Manual refills apply even without auto-refill.
	setLimit(t, store, "alice", "gpt", 0, 300, false, time.Time{})
	r := NewRefiller(store, WithClock(fixedClock(baseTime)))

	out, err := r.RefillOne(context.Background(), "alice", "gpt", model.ContextManualRefill)
	if err != nil {
		t.Fatalf("RefillOne() error = %v", err)
	}
	if !out.Refilled || out.Balance != 300 {
		t.Fatalf("RefillOne() = %+v, want 300", out)
	}

	entries, _ := store.Transactions(context.Background(), storage.TxFilter{Context: model.ContextManualRefill})
	if len(entries) != 1 {
		t.Errorf("manual refill entries = %d, want 1", len(entries))
	}
}

func TestRefiller_RefillOneErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRefiller(store)
	ctx := context.Background()

	tests := []struct {
		name     string
		user     string
		endpoint string
		context  model.TxContext
		want     error
	}{
		{"missing user", "", "gpt", model.ContextAutoRefill, model.ErrInvalidRequest},
		{"debit context", "alice", "gpt", model.ContextDebit, model.ErrInvalidRequest},
		{"unknown endpoint", "alice", "nope", model.ContextAutoRefill, model.ErrEndpointNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.RefillOne(ctx, tt.user, tt.endpoint, tt.context)
			if !errors.Is(err, tt.want) {
				t.Fatalf("RefillOne() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// flakyStore fails refills of one endpoint.
type flakyStore struct {
	storage.Store
	failEndpoint string
	err          error
}

func (f *flakyStore) Refill(ctx context.Context, op storage.RefillOp) (*storage.RefillOutcome, error) {
	if op.Endpoint == f.failEndpoint {
		return nil, f.err
	}
	return f.Store.Refill(ctx, op)
}

func TestRefiller_RefillAll(t *testing.T) {
	mem := storage.NewMemoryStore()
	setLimit(t, mem, "alice", "due", 0, 100, true, baseTime.Add(-time.Hour))
	setLimit(t, mem, "alice", "fresh", 0, 100, true, baseTime.Add(-time.Minute))
	setLimit(t, mem, "bob", "broken", 0, 100, true, time.Time{})
	setLimit(t, mem, "bob", "manual-only", 0, 100, false, time.Time{})

	store := &flakyStore{Store: mem, failEndpoint: "broken", err: model.ErrStorageUnavailable}
	r := NewRefiller(store,
		WithClock(fixedClock(baseTime)),
		WithRetryPolicy(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}),
	)

	summary := r.RefillAll(context.Background())

	if summary.Checked != 3 {
		t.Errorf("Checked = %d, want 3", summary.Checked)
	}
	if summary.Refilled != 1 || summary.Skipped != 1 {
		t.Errorf("Refilled = %d, Skipped = %d; want 1 and 1", summary.Refilled, summary.Skipped)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Ref.Endpoint != "broken" {
		t.Fatalf("Failures = %+v, want bob/broken", summary.Failures)
	}

	err := summary.Err()
	if !errors.Is(err, model.ErrRefillSweepPartialFailure) {
		t.Fatalf("Err() = %v, want ErrRefillSweepPartialFailure", err)
	}
	if !errors.Is(err, model.ErrRetriesExhausted) {
		t.Errorf("Err() = %v, want the endpoint failure unwrapped", err)
	}
	var se *SweepError
	if !errors.As(err, &se) || len(se.Failures) != 1 {
		t.Errorf("Err() = %T, want *SweepError", err)
	}

	limit, _ := mem.GetLimit(context.Background(), "alice", "due")
	if limit.TokenCredits != 100 {
		t.Errorf("due balance = %d, want 100", limit.TokenCredits)
	}
}

func TestSweepSummary_ErrNil(t *testing.T) {
	var s *SweepSummary
	if s.Err() != nil {
		t.Error("nil summary Err() != nil")
	}
	if (&SweepSummary{Refilled: 3}).Err() != nil {
		t.Error("summary without failures Err() != nil")
	}
}

func TestRefiller_OverlappingSweepsRefillOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	for _, ep := range []string{"a", "b", "c", "d"} {
		setLimit(t, store, "alice", ep, 0, 10, true, time.Time{})
	}
	r := NewRefiller(store, WithClock(fixedClock(baseTime)), WithConcurrency(2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.RefillAll(context.Background()).Err(); err != nil {
				t.Errorf("RefillAll() error = %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.Transactions(context.Background(), storage.TxFilter{Context: model.ContextAutoRefill})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("refill entries = %d, want exactly one per endpoint", len(entries))
	}
	for _, ep := range []string{"a", "b", "c", "d"} {
		l, _ := store.GetLimit(context.Background(), "alice", ep)
		if l.TokenCredits != 10 {
			t.Errorf("%s balance = %d, want 10", ep, l.TokenCredits)
		}
	}
}

func TestRefiller_ResetsAlertEpoch(t *testing.T) {
	store := storage.NewMemoryStore()
	setLimit(t, store, "alice", "gpt", 50, 25000, true, baseTime.Add(-2*time.Hour))

	sink := alerts.NewMemorySink(0)
	n, err := alerts.NewNotifier(store, alerts.DefaultPolicy(), alerts.WithSink(sink))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if fired, _ := n.Evaluate(ctx, "alice", "gpt", 50); len(fired) != 1 {
		t.Fatalf("initial evaluation fired %d alerts, want 1", len(fired))
	}

	r := NewRefiller(store, WithClock(fixedClock(baseTime)), WithNotifier(n))
	if _, err := r.RefillOne(ctx, "alice", "gpt", model.ContextAutoRefill); err != nil {
		t.Fatalf("RefillOne() error = %v", err)
	}

	limit, _ := store.GetLimit(ctx, "alice", "gpt")
	if len(limit.AlertsSent) != 0 {
		t.Errorf("AlertsSent = %v after replenishment, want empty", limit.AlertsSent)
	}
	if limit.AlertBalance != 25050 {
		t.Errorf("AlertBalance = %d, want 25050", limit.AlertBalance)
	}
}
