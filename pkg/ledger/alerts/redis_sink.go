package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisSinkConfig names where alerts are published.
type RedisSinkConfig struct {
	// Channel receives every alert through PUBLISH. Empty disables it.
	Channel string

	// ListKey keeps the most recent alerts, newest first. Empty disables it.
	ListKey string

	// ListMaxLen caps the list (0 means 1000).
	ListMaxLen int64
}

// RedisSink publishes alerts as JSON to a Redis channel and a capped list,
// for notification services that subscribe or poll.
type RedisSink struct {
	client goredis.UniversalClient
	cfg    RedisSinkConfig
}

// NewRedisSink creates a RedisSink over client.
func NewRedisSink(client goredis.UniversalClient, cfg RedisSinkConfig) *RedisSink {
	if cfg.ListMaxLen <= 0 {
		cfg.ListMaxLen = 1000
	}
	return &RedisSink{client: client, cfg: cfg}
}

func (s *RedisSink) Name() string { return "redis" }

// Publish writes the alert with one pipelined round trip.
func (s *RedisSink) Publish(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	pipe := s.client.Pipeline()
	if s.cfg.Channel != "" {
		pipe.Publish(ctx, s.cfg.Channel, payload)
	}
	if s.cfg.ListKey != "" {
		pipe.LPush(ctx, s.cfg.ListKey, payload)
		pipe.LTrim(ctx, s.cfg.ListKey, 0, s.cfg.ListMaxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Recent returns up to n alerts from the list, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Alert, error) {
	if s.cfg.ListKey == "" {
		return nil, nil
	}
	if n <= 0 {
		n = s.cfg.ListMaxLen
	}
	raw, err := s.client.LRange(ctx, s.cfg.ListKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}
	out := make([]Alert, 0, len(raw))
	for _, r := range raw {
		var a Alert
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
