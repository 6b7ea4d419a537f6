package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without attempting the call while the breaker is open
// or the half-open probe budget is spent. Callers classify it as retriable.
var ErrOpen = errors.New("circuit breaker open")

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after maxFailures within a rolling window, then fails
// fast for the cool-down period. After cool-down it admits up to
// halfOpenMaxCalls probes; one success closes it, one failure reopens it.
// This bounds load against a channel-wide outage instead of hammering a dead
// endpoint once per event.
type CircuitBreaker struct {
	maxFailures      int
	window           time.Duration
	coolDown         time.Duration
	halfOpenMaxCalls int

	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	halfOpenCalls int
}

func New(maxFailures int, window, coolDown time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		window:           window,
		coolDown:         coolDown,
		halfOpenMaxCalls: halfOpenMaxCalls,
		now:              time.Now,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed. A true result must be followed by
// exactly one Record call with the outcome.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition()

	switch cb.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return ErrOpen
		}
		cb.halfOpenCalls++
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of a call previously admitted by Allow.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = cb.failures[:0]
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.halfOpenCalls = 0
		}
		return
	}

	now := cb.now()
	cb.failures = append(cb.failures, now)
	cb.prune(now)

	if cb.state == StateHalfOpen || len(cb.failures) >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = now
		cb.halfOpenCalls = 0
		cb.failures = cb.failures[:0]
	}
}

// Do runs fn under breaker protection.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition()
	return cb.state
}

// transition moves open -> half-open once the cool-down has elapsed.
// Callers hold cb.mu.
func (cb *CircuitBreaker) transition() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.coolDown {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
	}
}

// prune drops failures that fell out of the rolling window. Callers hold cb.mu.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}
