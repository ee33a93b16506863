package authority

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultBreakerMaxFailures  = 5
	DefaultBreakerResetTimeout = 60 * time.Second
	DefaultBreakerSuccessCount = 3
)

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	MaxFailures   int           // consecutive failures before opening
	ResetTimeout  time.Duration // time open before a probe is let through
	SuccessCount  int           // probe successes needed to close from half-open
	Logger        *slog.Logger
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker stops calling the authority after repeated outages.
type CircuitBreaker struct {
	config       BreakerConfig
	state        CircuitState
	failures     int
	successes    int
	lastFailTime time.Time
	now          func() time.Time
	mu           sync.Mutex
}

// NewCircuitBreaker creates a breaker. Defaults: 5 failures, 60s recovery,
// 3 successes to close.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultBreakerMaxFailures
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerResetTimeout
	}
	if config.SuccessCount <= 0 {
		config.SuccessCount = DefaultBreakerSuccessCount
	}
	return &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Allow reports whether a call may proceed, moving an open breaker to
// half-open once the reset timeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailTime) <= cb.config.ResetTimeout {
		return false
	}
	cb.setState(StateHalfOpen)
	return true
}

// RecordFailure counts a failed call and opens the breaker at the threshold.
// Any failure while half-open reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	cb.lastFailTime = cb.now()

	if cb.config.Logger != nil {
		cb.config.Logger.Debug("Circuit breaker recorded failure",
			slog.Int("failures", cb.failures),
			slog.Int("max_failures", cb.config.MaxFailures))
	}

	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.setState(StateOpen)
	}
}

// RecordSuccess counts a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessCount {
			cb.setState(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
	cb.failures = 0
	cb.successes = 0
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState

	if cb.config.Logger != nil {
		cb.config.Logger.Warn("Authority circuit breaker state changed",
			slog.String("from", oldState.String()),
			slog.String("to", newState.String()))
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}
