// Package snapshot publishes the latest position and risk views to Redis for
// the dashboard. Publishing is strictly best-effort: writes go through a
// circuit breaker so a Redis outage degrades to missing dashboard data, never
// to a stalled trading cycle.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"options-systemv1/internal/model"
)

// Redis keys.
const (
	KeyPositions = "trader:positions"
	KeyRisk      = "trader:risk"
	KeyAlerts    = "trader:alerts"
)

// Publisher writes JSON snapshots with a TTL so stale data ages out when the
// trader stops.
type Publisher struct {
	rdb *goredis.Client
	cb  *Breaker
	ttl time.Duration
}

// New creates a Publisher. TTL should be a few cycle intervals.
func New(addr, password string, ttl time.Duration) *Publisher {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	p := &Publisher{
		rdb: rdb,
		cb:  NewBreaker(5, 10*time.Second),
		ttl: ttl,
	}
	p.cb.OnStateChange = func(from, to breakerState) {
		log.Printf("[snapshot] breaker %s → %s", from, to)
	}
	return p
}

// PublishPositions writes the current position view.
func (p *Publisher) PublishPositions(ctx context.Context, positions []model.PositionStatus) error {
	return p.publish(ctx, KeyPositions, positions)
}

// PublishRisk writes the current risk status.
func (p *Publisher) PublishRisk(ctx context.Context, st model.RiskStatus) error {
	return p.publish(ctx, KeyRisk, st)
}

// PublishAlerts writes the current alert set.
func (p *Publisher) PublishAlerts(ctx context.Context, alerts []model.Alert) error {
	return p.publish(ctx, KeyAlerts, alerts)
}

func (p *Publisher) publish(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("snapshot marshal %s: %w", key, err)
	}
	return p.cb.Do(func() error {
		return p.rdb.Set(ctx, key, data, p.ttl).Err()
	})
}

// BreakerState exposes the breaker state for metrics.
func (p *Publisher) BreakerState() string { return p.cb.State() }

// Close releases the Redis connection.
func (p *Publisher) Close() error { return p.rdb.Close() }
