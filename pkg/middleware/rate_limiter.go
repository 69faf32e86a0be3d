package middleware

import (
	"sync"
	"time"

	"jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterOptions configures the transport-level rate limiter.
// This is a burst guard per client; the per-user hourly quota is
// enforced separately by the drjeg quota store.
type RateLimiterOptions struct {
	// Limit is the sustained rate in requests per second
	Limit rate.Limit
	// Burst is how far above the sustained rate a client may spike
	Burst int
	// ExpiryDuration is how long idle client state is retained
	ExpiryDuration time.Duration
	// KeyFunc extracts the limiting key from a request (e.g. IP, user ID)
	KeyFunc func(*gin.Context) string
}

// DefaultRateLimiterOptions limits each client IP to 5 req/s with a
// burst of 10
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		Limit:          5,
		Burst:          10,
		ExpiryDuration: time.Hour,
		KeyFunc:        func(c *gin.Context) string { return c.ClientIP() },
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks a token bucket per client key
type RateLimiter struct {
	opts RateLimiterOptions
	log  *logger.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter creates a rate limiter; omit options for defaults
func NewRateLimiter(log *logger.Logger, options ...RateLimiterOptions) *RateLimiter {
	opts := DefaultRateLimiterOptions()
	if len(options) > 0 {
		opts = options[0]
	}
	return &RateLimiter{
		opts:     opts,
		log:      log,
		visitors: make(map[string]*visitor),
	}
}

// Middleware rejects requests over the limit with 429. Starting the
// middleware also starts the idle-visitor sweeper.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	go r.sweep()

	return func(c *gin.Context) {
		key := r.opts.KeyFunc(c)
		if !r.allow(key) {
			r.log.Warn("rate limit exceeded",
				"client", key,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
			)
			c.Header("Retry-After", "1")
			c.Error(errors.NewTooManyRequestsError("RATE_LIMIT_EXCEEDED", "Too many requests. Please try again later."))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) allow(key string) bool {
	r.mu.Lock()
	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.opts.Limit, r.opts.Burst)}
		r.visitors[key] = v
	}
	v.lastSeen = time.Now()
	r.mu.Unlock()

	return v.limiter.Allow()
}

// sweep drops visitors that have been idle longer than ExpiryDuration
func (r *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-r.opts.ExpiryDuration)
		r.mu.Lock()
		for key, v := range r.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(r.visitors, key)
			}
		}
		r.mu.Unlock()
	}
}
