// Package notify broadcasts committed change events to other processes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/redis/go-redis/v9"

	"stagegate/internal/domain"
)

const DefaultChannel = "stagegate:events"

// Message is the payload published for one grouped change event.
type Message struct {
	EventID      string               `json:"event_id"`
	InitiativeID string               `json:"initiative_id"`
	EventType    string               `json:"event_type"`
	Entries      []domain.ChangeEvent `json:"entries"`
}

type Publisher interface {
	Publish(ctx context.Context, entries []domain.ChangeEvent) error
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Publish(context.Context, []domain.ChangeEvent) error { return nil }

// redisClient is the subset of *redis.Client the publisher needs.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RedisConfig struct {
	Channel     string
	MaxAttempts int
	RetryDelay  time.Duration
	// BreakerThreshold is the number of consecutive failures that opens the circuit.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Channel:          DefaultChannel,
		MaxAttempts:      3,
		RetryDelay:       100 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

type RedisPublisher struct {
	client  redisClient
	channel string
	retrier retry.Retry[int64]
	breaker circuitbreaker.CircuitBreaker[int64]
}

// NewRedisClient connects to addr; the caller owns Close.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 10})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

func NewRedisPublisher(client redisClient, cfg RedisConfig) *RedisPublisher {
	def := DefaultRedisConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	threshold := uint32(cfg.BreakerThreshold) // #nosec G115 -- validated above
	return &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		retrier: retry.New[int64](retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  cfg.RetryDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
		}),
		breaker: circuitbreaker.New[int64](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    cfg.BreakerTimeout,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, entries []domain.ChangeEvent) error {
	if len(entries) == 0 {
		return nil
	}
	msg := Message{
		EventID:      entries[0].EventID,
		InitiativeID: entries[0].InitiativeID,
		EventType:    string(entries[0].EventType),
		Entries:      entries,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = p.breaker.Execute(ctx, func(ctx context.Context) (int64, error) {
		return p.retrier.Do(ctx, func(ctx context.Context) (int64, error) {
			return p.client.Publish(ctx, p.channel, payload).Result()
		})
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}
