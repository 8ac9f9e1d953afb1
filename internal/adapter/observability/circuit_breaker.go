package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit breaker is closed and requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means the circuit breaker is open and requests are blocked.
	StateOpen
	// StateHalfOpen means the circuit breaker is half-open and testing requests.
	StateHalfOpen
)

// CircuitBreaker guards an upstream (the model provider) against hammering
// while it is down. It composes with backoff retries: an open breaker fails
// the attempt fast and the retry loop paces the next one.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	timeout      time.Duration
	state        CircuitBreakerState
	failures     int
	lastFailure  time.Time
	mu           sync.Mutex
	successCount int
	halfOpenMax  int
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		halfOpenMax: 3, // Allow 3 test requests in half-open state
	}
}

// Call executes a function with circuit breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}

	if !cb.shouldAllowRequest() {
		state := cb.stateString()
		CircuitBreakerStateGauge.WithLabelValues(cb.name).Set(float64(cb.state))
		cb.mu.Unlock()
		return fmt.Errorf("circuit breaker %s is %s", cb.name, state)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	cb.updateState(err)
	CircuitBreakerStateGauge.WithLabelValues(cb.name).Set(float64(cb.state))
	cb.mu.Unlock()

	return err
}

// shouldAllowRequest determines if a request should be allowed.
func (cb *CircuitBreaker) shouldAllowRequest() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		// Allow limited requests in half-open state
		return cb.successCount < cb.halfOpenMax
	default:
		return false
	}
}

// updateState updates the circuit breaker state based on the result.
func (cb *CircuitBreaker) updateState(err error) {
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
		return
	}

	if cb.state == StateClosed {
		cb.failures = 0
	}
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.successCount = 0
			cb.failures = 0
		}
	}
}

// stateString returns a string representation of the current state.
func (cb *CircuitBreaker) stateString() string {
	switch cb.state {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen returns true if the circuit breaker is open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateOpen
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
}
