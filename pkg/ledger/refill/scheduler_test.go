package refill

import (
	"context"
	"testing"
	"time"

	"mercator-hq/credits/pkg/ledger/storage"
)

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		name      string
		schedule  string
		want      string
		wantError bool
	}{
		{"default", "", DefaultSchedule, false},
		{"cron expression", "*/5 * * * *", "*/5 * * * *", false},
		{"descriptor", "@hourly", "@hourly", false},
		{"invalid", "every five minutes", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(NewRefiller(storage.NewMemoryStore()), tt.schedule)
			if (err != nil) != tt.wantError {
				t.Fatalf("NewScheduler() error = %v, wantError %v", err, tt.wantError)
			}
			if err == nil && s.Schedule() != tt.want {
				t.Errorf("Schedule() = %q, want %q", s.Schedule(), tt.want)
			}
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := NewScheduler(NewRefiller(storage.NewMemoryStore()), "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	if s.NextRun() != nil {
		t.Error("NextRun() != nil before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	next := s.NextRun()
	if next == nil {
		t.Fatal("NextRun() = nil for running scheduler")
	}
	if until := time.Until(*next); until <= 0 || until > time.Hour+time.Second {
		t.Errorf("NextRun() in %v, want within the hour", until)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	s.Stop()
}

func TestScheduler_StopsWithContext(t *testing.T) {
	s, err := NewScheduler(NewRefiller(storage.NewMemoryStore()), "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.IsRunning() {
		t.Error("scheduler still running after context cancellation")
	}
}

func TestScheduler_RestartIgnoresPreviousContext(t *testing.T) {
	s, err := NewScheduler(NewRefiller(storage.NewMemoryStore()), "@every 1h")
	if err != nil {
		t.Fatal(err)
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	if err := s.Start(ctx1); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if err := s.Start(ctx2); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	cancel1()
	time.Sleep(50 * time.Millisecond)
	if !s.IsRunning() {
		t.Fatal("cancelling the first run's context stopped the second run")
	}

	cancel2()
	deadline := time.Now().Add(2 * time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.IsRunning() {
		t.Error("scheduler still running after its own context was cancelled")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	store := storage.NewMemoryStore()
	setLimit(t, store, "alice", "gpt", 0, 40, true, time.Time{})

	s, err := NewScheduler(NewRefiller(store), "@every 1h", WithRunOnStart(true))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.LastSweep() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	last := s.LastSweep()
	if last == nil || last.Refilled != 1 {
		t.Fatalf("LastSweep() = %+v, want one refill", last)
	}
}

func TestScheduler_RunNow(t *testing.T) {
	store := storage.NewMemoryStore()
	setLimit(t, store, "alice", "gpt", 0, 40, true, time.Time{})

	s, err := NewScheduler(NewRefiller(store), "")
	if err != nil {
		t.Fatal(err)
	}
	summary := s.RunNow(context.Background())
	if summary.Refilled != 1 || summary.Err() != nil {
		t.Fatalf("RunNow() = %+v", summary)
	}
	if s.LastSweep() != summary {
		t.Error("LastSweep() does not return the RunNow summary")
	}
}

func TestScheduler_Reschedule(t *testing.T) {
	s, err := NewScheduler(NewRefiller(storage.NewMemoryStore()), "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Reschedule("not cron"); err == nil {
		t.Fatal("Reschedule(invalid) = nil error")
	}
	if err := s.Reschedule("@every 2m"); err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	if s.Schedule() != "@every 2m" {
		t.Errorf("Schedule() = %q", s.Schedule())
	}
	next := s.NextRun()
	if next == nil || time.Until(*next) > 2*time.Minute+time.Second {
		t.Errorf("NextRun() = %v, want within 2m", next)
	}
}
