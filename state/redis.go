package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mbox-to-discourse:journal:"

// RedisTracker keeps the journal in a Redis hash, for operators running
// the import from short-lived hosts.
type RedisTracker struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

func NewRedisTracker(redisURL, namespace string) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	t := &RedisTracker{client: client, key: redisKeyPrefix + namespace, timeout: 5 * time.Second}

	ctx, cancel := t.context()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return t, nil
}

func (t *RedisTracker) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.timeout)
}

func (t *RedisTracker) AlreadyProcessed(key string) (bool, error) {
	_, ok, err := t.Value(key)
	return ok, err
}

// Value reports a miss only for an absent field.
func (t *RedisTracker) Value(key string) (string, bool, error) {
	ctx, cancel := t.context()
	defer cancel()
	v, err := t.client.HGet(ctx, t.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (t *RedisTracker) MarkProcessed(key, value string) error {
	if key == "" {
		return nil
	}
	ctx, cancel := t.context()
	defer cancel()
	if err := t.client.HSet(ctx, t.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (t *RedisTracker) Snapshot() Snapshot {
	ctx, cancel := t.context()
	defer cancel()
	n, err := t.client.HLen(ctx, t.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}
	}
	return Snapshot{Processed: int(n)}
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
