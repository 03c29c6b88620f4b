package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/objectfs/deskfs/pkg/clock"
	"github.com/objectfs/deskfs/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests are rejected
	StateOpen
	// StateHalfOpen - one probe request is let through to test the backend
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that open the circuit
	MaxFailures int `yaml:"max_failures"`

	// Period of the open state after which a probe is allowed
	Timeout time.Duration `yaml:"timeout"`

	// Function called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Function to determine if an error should be counted as a failure.
	// Defaults to IsTransient.
	IsFailure func(err error) bool `yaml:"-"`

	Clock clock.Clock `yaml:"-"`
}

// Counts holds the numbers of requests and their outcomes
type Counts struct {
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Rejected            uint32 `json:"rejected"`
}

// CircuitBreaker stops calling a backend that keeps failing with
// transient errors, failing fast until the timeout has passed.
type CircuitBreaker struct {
	name   string
	config Config

	mu      sync.Mutex
	state   State
	counts  Counts
	expiry  time.Time
	probing bool
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = IsTransient
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// IsTransient counts connection and network errors. Lookups that fail
// with NOT_FOUND and similar answers mean the backend is reachable.
func IsTransient(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeConnectionTimeout, errors.ErrCodeNetworkError:
		return true
	}
	return false
}

// Execute runs fn if the circuit allows it. A rejected call returns a
// NETWORK_ERROR without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.afterRequest(probe, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(cb.config.Clock.Now())
	if state == StateOpen || (state == StateHalfOpen && cb.probing) {
		cb.counts.Rejected++
		return false, errors.NewError(errors.ErrCodeNetworkError, "circuit breaker is open").
			WithComponent("circuit").
			WithContext("breaker", cb.name).
			WithDetail("retry_after", cb.expiry)
	}

	cb.counts.Requests++
	if state == StateHalfOpen {
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) afterRequest(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Clock.Now()
	if probe {
		cb.probing = false
	}

	if err == nil || !cb.config.IsFailure(err) {
		cb.counts.ConsecutiveFailures = 0
		if probe {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	switch {
	case probe:
		cb.setState(StateOpen, now)
	case cb.state == StateClosed && int(cb.counts.ConsecutiveFailures) >= cb.config.MaxFailures:
		cb.setState(StateOpen, now)
	}
}

// currentState moves an expired open circuit to half-open.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.expiry) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}

	cb.state = state
	cb.counts.ConsecutiveFailures = 0
	switch state {
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.config.Clock.Now())
}

// GetCounts returns a copy of the request counters
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed, cb.config.Clock.Now())
	cb.counts = Counts{}
	cb.probing = false
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
