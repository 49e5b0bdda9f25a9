package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Alert is one threshold crossing of one user endpoint.
type Alert struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Endpoint  string    `json:"endpoint"`
	Threshold int64     `json:"threshold"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink delivers alerts to the outside world. Publish is called only after
// the alert state has been committed, so every alert is delivered once per
// epoch unless a sink fails.
type Sink interface {
	Name() string
	Publish(ctx context.Context, alert Alert) error
}

// SinkError reports a failed delivery through one sink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("alert sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// sinkErrors flattens err into the SinkErrors it contains. Errors that do not
// name a sink are attributed to fallback.
func sinkErrors(err error, fallback string) []*SinkError {
	if err == nil {
		return nil
	}
	var se *SinkError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*SinkError
		for _, e := range joined.Unwrap() {
			out = append(out, sinkErrors(e, fallback)...)
		}
		return out
	}
	if errors.As(err, &se) {
		return []*SinkError{se}
	}
	return []*SinkError{{Sink: fallback, Err: err}}
}

// LogSink writes alerts to a structured logger at warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "ledger.alerts")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, a Alert) error {
	s.logger.WarnContext(ctx, "budget alert",
		"alert_id", a.ID,
		"user", a.User,
		"endpoint", a.Endpoint,
		"threshold", a.Threshold,
		"balance", a.Balance,
	)
	return nil
}

// MemorySink keeps alerts in memory for polling. It is bounded; the oldest
// alerts are dropped first.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
	max    int
}

// NewMemorySink creates a MemorySink holding at most max alerts (0 means 1000).
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1000
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Publish(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	if over := len(s.alerts) - s.max; over > 0 {
		s.alerts = slices.Delete(s.alerts, 0, over)
	}
	return nil
}

// Alerts returns a copy of the buffered alerts, oldest first.
func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alerts)
}

// Drain returns and clears the buffered alerts.
func (s *MemorySink) Drain() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.alerts
	s.alerts = nil
	return out
}

// MultiSink fans an alert out to every sink. All sinks are attempted; the
// failures are joined.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Publish(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, a); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}
