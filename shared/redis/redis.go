package redis

import (
	"context"
	"time"

	"jeghealth/backend/pkg/config"

	"github.com/redis/go-redis/v9"
)

// Client wraps the go-redis client with the small surface the
// application needs: plain KV plus the atomic counter used by the
// Redis-backed quota store.
type Client struct {
	client *redis.Client
}

// NewClient creates a redis client from application configuration
func NewClient() *Client {
	cfg := config.Get()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &Client{client: client}
}

// NewClientWithOptions creates a redis client with explicit options
func NewClientWithOptions(opts *redis.Options) *Client {
	return &Client{client: redis.NewClient(opts)}
}

func (r *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *Client) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *Client) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// IncrWithWindow atomically increments key and, when this is the first
// increment, arms the expiry that marks the end of the counting window.
// It returns the counter value and the remaining window.
func (r *Client) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return count, window, err
		}
		return count, window, nil
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return count, 0, err
	}
	if ttl < 0 {
		// Key exists without expiry (crash between INCR and EXPIRE); re-arm.
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return count, window, err
		}
		ttl = window
	}
	return count, ttl, nil
}

// Decr atomically decrements key
func (r *Client) Decr(ctx context.Context, key string) error {
	return r.client.Decr(ctx, key).Err()
}

// GetInt reads an integer counter, returning 0 when the key is absent
func (r *Client) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// Ping verifies connectivity
func (r *Client) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
