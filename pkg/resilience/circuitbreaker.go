// Package resilience provides a circuit breaker used to shield the
// upstream model endpoint. After a run of failures the breaker opens
// and calls fail fast until a cooldown passes; a limited number of
// probe calls then decide whether to close it again.
package resilience

import (
	"errors"
	"sync"
	"time"

	"jeghealth/backend/pkg/logger"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it
var ErrCircuitOpen = errors.New("circuit breaker open")

// State of the circuit breaker
type State string

const (
	// StateClosed lets all calls through
	StateClosed State = "closed"
	// StateOpen fails all calls fast until the cooldown elapses
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen State = "half-open"
)

// Config for a circuit breaker
type Config struct {
	Name string
	// FailureThreshold is the consecutive failure count that opens the circuit
	FailureThreshold uint
	// SuccessThreshold is the probe success count that closes it again
	SuccessThreshold uint
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
}

// DefaultConfig returns breaker defaults suitable for an external API
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures of a guarded call
type CircuitBreaker struct {
	config Config
	log    *logger.Logger

	mu            sync.Mutex
	state         State
	failures      uint
	probeSuccess  uint
	reopenAt      time.Time
	totalRejected uint64
}

// New creates a closed circuit breaker
func New(config Config, log *logger.Logger) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		log:    log,
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open. fn's error feeds the
// breaker state and is returned unchanged; a rejected call returns
// ErrCircuitOpen without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().After(cb.reopenAt) {
			cb.state = StateHalfOpen
			cb.probeSuccess = 0
			cb.log.Info("circuit breaker half-open", "name", cb.config.Name)
			return true
		}
		cb.totalRejected++
		return false
	default: // half-open: cap concurrent probes at the success threshold
		return cb.probeSuccess < cb.config.SuccessThreshold
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.probeSuccess++
			if cb.probeSuccess >= cb.config.SuccessThreshold {
				cb.state = StateClosed
				cb.log.Info("circuit breaker closed", "name", cb.config.Name)
			}
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.reopenAt = time.Now().Add(cb.config.Cooldown)
		cb.failures = 0
		cb.log.Warn("circuit breaker opened",
			"name", cb.config.Name,
			"cooldown", cb.config.Cooldown.String(),
		)
	}
}

// State returns the breaker's current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
