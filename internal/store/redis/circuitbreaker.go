package redis

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker position. The numeric values are exported as the
// redis_circuit_breaker_state gauge.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
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

// ErrCircuitOpen is returned without calling Redis while the breaker is open,
// or while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("redis circuit breaker is open")

// CircuitBreaker guards the result publisher. After maxFailures consecutive
// publish failures it opens and rejects calls for cooldown; the first call
// after cooldown is a single probe that either closes or reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time

	OnStateChange func(from, to State)
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == StateHalfOpen
	cb.probing = false

	if err == nil {
		cb.failures = 0
		if wasProbe {
			cb.transition(StateClosed)
		}
		return
	}

	cb.failures++
	if wasProbe || cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		if cb.state != StateOpen {
			cb.transition(StateOpen)
		}
	}
}

// CurrentState returns the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	log.Printf("[redis] circuit breaker %s -> %s (failures=%d)", from, to, cb.failures)
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
