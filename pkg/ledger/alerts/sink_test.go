package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func testAlert(threshold int64) Alert {
	return Alert{
		ID:        fmt.Sprintf("alert-%d", threshold),
		User:      "alice",
		Endpoint:  "gpt",
		Threshold: threshold,
		Balance:   threshold - 1,
		CreatedAt: now,
	}
}

func TestMemorySink_Bounded(t *testing.T) {
	s := NewMemorySink(2)
	for _, th := range []int64{5000, 2000, 100} {
		if err := s.Publish(context.Background(), testAlert(th)); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Alerts()
	if len(got) != 2 || got[0].Threshold != 2000 || got[1].Threshold != 100 {
		t.Fatalf("Alerts() = %+v, want the two newest", got)
	}
	if drained := s.Drain(); len(drained) != 2 {
		t.Errorf("Drain() returned %d alerts, want 2", len(drained))
	}
	if len(s.Alerts()) != 0 {
		t.Error("Drain() did not clear the buffer")
	}
}

func TestMultiSink_JoinsFailures(t *testing.T) {
	mem := NewMemorySink(0)
	m := MultiSink{failingSink{name: "a"}, mem, failingSink{name: "b"}}

	err := m.Publish(context.Background(), testAlert(100))
	if err == nil {
		t.Fatal("Publish() = nil error")
	}
	if len(mem.Alerts()) != 1 {
		t.Error("healthy sink skipped after a failure")
	}

	var se *SinkError
	if !errors.As(err, &se) {
		t.Fatalf("error %v does not contain a SinkError", err)
	}
	names := map[string]bool{}
	for _, e := range sinkErrors(err, "multi") {
		names[e.Sink] = true
	}
	if !names["a"] || !names["b"] || len(names) != 2 {
		t.Errorf("sink errors = %v, want a and b", names)
	}
}

func TestSinkErrors_Fallback(t *testing.T) {
	got := sinkErrors(errors.New("boom"), "redis")
	if len(got) != 1 || got[0].Sink != "redis" {
		t.Fatalf("sinkErrors() = %+v", got)
	}
	if sinkErrors(nil, "redis") != nil {
		t.Error("sinkErrors(nil) != nil")
	}
}

func TestRedisSink_PublishAndRecent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	sink := NewRedisSink(client, RedisSinkConfig{
		Channel:    "credits:alerts",
		ListKey:    "credits:alerts:recent",
		ListMaxLen: 2,
	})
	defer sink.Close()
	ctx := context.Background()

	sub := client.Subscribe(ctx, "credits:alerts")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for _, th := range []int64{5000, 2000, 100} {
		if err := sink.Publish(ctx, testAlert(th)); err != nil {
			t.Fatalf("Publish(%d) error = %v", th, err)
		}
	}

	select {
	case msg := <-sub.Channel():
		var a Alert
		if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
			t.Fatalf("payload is not an alert: %v", err)
		}
		if a.Threshold != 5000 || a.User != "alice" {
			t.Errorf("first published alert = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message on the alert channel")
	}

	recent, err := sink.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Threshold != 100 || recent[1].Threshold != 2000 {
		t.Fatalf("Recent() = %+v, want 100 then 2000", recent)
	}
}

func TestRedisSink_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	sink := NewRedisSink(client, RedisSinkConfig{Channel: "c"})
	defer sink.Close()
	mr.Close()

	if err := sink.Publish(context.Background(), testAlert(100)); err == nil {
		t.Fatal("Publish() to a closed server = nil error")
	}
}
