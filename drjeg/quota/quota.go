// Package quota implements the per-user fixed-window request limiter.
// The window is anchored at the first request seen in it, not at the
// wall-clock top of the hour, so all users don't reset at once.
package quota

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a quota check
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time left in the current window when rejected
	RetryAfter time.Duration
}

// Store admits or rejects requests against a per-user hourly budget.
// CheckAndConsume must be atomic per user id: two concurrent requests
// racing on the same window must never both be admitted past the limit.
type Store interface {
	CheckAndConsume(ctx context.Context, userID string, limit int) (Decision, error)
	// Usage reports the number of requests accepted in the current window
	Usage(ctx context.Context, userID string) (int, error)
}

// record tracks one user's current window
type record struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// MemoryStore is the in-process quota store. Lookup of a user's record
// takes a short global lock; the check-and-increment itself is guarded
// per user so unrelated users never contend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	window  time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-memory quota store with the given window length
func NewMemoryStore(window time.Duration) *MemoryStore {
	if window <= 0 {
		window = time.Hour
	}
	return &MemoryStore{
		records: make(map[string]*record),
		window:  window,
		now:     time.Now,
	}
}

func (s *MemoryStore) getRecord(userID string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[userID]
	if !exists {
		r = &record{}
		s.records[userID] = r
	}
	return r
}

// CheckAndConsume admits the request if the user has budget left in the
// current window and consumes one unit. Consumption is never refunded,
// even when the downstream model call fails.
func (s *MemoryStore) CheckAndConsume(_ context.Context, userID string, limit int) (Decision, error) {
	r := s.getRecord(userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now()

	// Roll the window over lazily on the next check after expiry
	if r.count == 0 || now.Sub(r.windowStart) >= s.window {
		r.windowStart = now
		r.count = 0
	}

	if r.count >= limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: r.windowStart.Add(s.window).Sub(now),
		}, nil
	}

	r.count++
	return Decision{
		Allowed:   true,
		Remaining: limit - r.count,
	}, nil
}

// Usage reports the accepted request count in the user's current window
func (s *MemoryStore) Usage(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	r, exists := s.records[userID]
	s.mu.Unlock()
	if !exists {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.now().Sub(r.windowStart) >= s.window {
		return 0, nil
	}
	return r.count, nil
}
