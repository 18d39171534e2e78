package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"sentinel/internal/rules"
)

// RedisStore keeps rate-limit counters in redis so multiple pipeline
// instances share one view of each (identifier, rule) budget. INCR gives the
// atomic increment-then-check the window invariant requires; block state is a
// separate key whose TTL doubles as the retry-after.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

type RedisOptions struct {
	Addr      string
	Password  string
	Database  int
	KeyPrefix string
	Timeout   time.Duration
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.Database,
	})

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "sentinel:rl:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		timeout:   timeout,
	}, nil
}

func (s *RedisStore) countKey(rule *rules.RateLimitRule, identifier string) string {
	return s.keyPrefix + "count:" + rule.Name + ":" + identifier
}

func (s *RedisStore) blockKey(rule *rules.RateLimitRule, identifier string) string {
	return s.keyPrefix + "block:" + rule.Name + ":" + identifier
}

func (s *RedisStore) Hit(ctx context.Context, rule *rules.RateLimitRule, identifier string, now time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	blockKey := s.blockKey(rule, identifier)

	// Blocked short-circuit. Expired block keys vanish on their own, which is
	// the redis form of the self-healing clear.
	ttl, err := s.client.TTL(ctx, blockKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read block state: %w", err)
	}
	if ttl > 0 {
		return Result{Blocked: true, RetryAfter: ttl}, nil
	}

	countKey := s.countKey(rule, identifier)

	count, err := s.client.Incr(ctx, countKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to increment counter: %w", err)
	}
	if count == 1 {
		// First hit opens the window; the key expiring is the window reset.
		if err := s.client.Expire(ctx, countKey, rule.Window()).Err(); err != nil {
			return Result{}, fmt.Errorf("failed to set counter window: %w", err)
		}
	}

	if int(count) > rule.MaxRequests {
		if err := s.client.Set(ctx, blockKey, "1", rule.BlockFor()).Err(); err != nil {
			return Result{}, fmt.Errorf("failed to set block state: %w", err)
		}
		return Result{Blocked: true, RetryAfter: rule.BlockFor(), Count: int(count)}, nil
	}

	return Result{Count: int(count)}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
