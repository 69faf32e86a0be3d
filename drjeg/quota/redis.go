package quota

import (
	"context"
	"fmt"
	"time"

	"jeghealth/backend/shared/redis"
)

// RedisStore backs the quota counter with Redis so multiple server
// instances share one budget per user. INCR is atomic per key, which
// gives the required per-user check-and-consume atomicity for free.
type RedisStore struct {
	client *redis.Client
	window time.Duration
}

// NewRedisStore creates a Redis-backed quota store
func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisStore{client: client, window: window}
}

func quotaKey(userID string) string {
	return fmt.Sprintf("drjeg:quota:%s", userID)
}

// CheckAndConsume increments the user's window counter and rejects once
// the limit is reached. The stored counter can overshoot the limit on
// rejected requests; the number of admitted requests never does.
func (s *RedisStore) CheckAndConsume(ctx context.Context, userID string, limit int) (Decision, error) {
	count, ttl, err := s.client.IncrWithWindow(ctx, quotaKey(userID), s.window)
	if err != nil {
		return Decision{}, fmt.Errorf("quota check for user %s: %w", userID, err)
	}

	if count > int64(limit) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: ttl,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: limit - int(count),
	}, nil
}

// Usage reports the user's window counter. It can exceed the limit after
// rejected requests; status reporting clamps it.
func (s *RedisStore) Usage(ctx context.Context, userID string) (int, error) {
	count, err := s.client.GetInt(ctx, quotaKey(userID))
	if err != nil {
		return 0, fmt.Errorf("quota usage for user %s: %w", userID, err)
	}
	return int(count), nil
}
