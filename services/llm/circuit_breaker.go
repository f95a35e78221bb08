package llm

import (
	"errors"
	"sync"
	"time"

	"github.com/kestrel-labs/kestrel/services/orchestrator/observability"
)

// ErrCircuitOpen is returned without a network attempt while the breaker is
// open.
var ErrCircuitOpen = errors.New("llm: circuit breaker open")

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many consecutive failures - requests are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - a single trial request is allowed.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// (default: 5).
	FailureThreshold int

	// ResetTimeout is how long to stay open before allowing the half-open
	// trial (default: 30s).
	ResetTimeout time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreakerStats contains breaker statistics.
type CircuitBreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker protects the provider backend from cascading failures.
//
// Description:
//
//	Closed passes requests through; FailureThreshold consecutive failures
//	open the circuit and every call fails fast with ErrCircuitOpen. After
//	ResetTimeout a single half-open trial is admitted: success closes the
//	circuit, failure re-opens it. All callers of one provider client share
//	one breaker instance and therefore see the same state.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	lastStateChange time.Time
	trialInFlight   bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		config:          config,
		now:             now,
		state:           CircuitClosed,
		lastStateChange: now(),
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Allow reports whether a request may proceed.
//
// Outputs:
//
//	bool - True if the request should be executed. False means fail fast
//	with ErrCircuitOpen and no network attempt.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.ResetTimeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.trialInFlight = true
			return true
		}
		cb.totalRejections++
		return false

	case CircuitHalfOpen:
		// Exactly one trial at a time.
		if cb.trialInFlight {
			cb.totalRejections++
			return false
		}
		cb.trialInFlight = true
		return true
	}

	return false
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed request and may trip the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

// transitionTo changes state. Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.trialInFlight = false
	if newState == CircuitClosed {
		cb.failures = 0
	}
	if m := observability.DefaultMetrics; m != nil {
		m.BreakerTransitionsTotal.WithLabelValues(newState.String()).Inc()
	}
}

// Stats returns breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset returns the breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.trialInFlight = false
	cb.lastStateChange = cb.now()
}
