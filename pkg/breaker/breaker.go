// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards the reverse proxy's backend connection: once a
// backend key accumulates enough consecutive failures forwarding to it, the
// breaker trips open and rejects further forwards to that key until it has
// had time to recover, instead of queuing requests onto a backend that is
// already failing.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// Backend identifies the backend key (host:port) this breaker guards,
	// carried through to Stats and the OnStateChange callback so a process
	// running one breaker per backend can tell them apart in logs/metrics.
	Backend string
	// MaxFailures is the number of consecutive forwarding failures to
	// Backend before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
	// Timeout is stored with the config (default 30s); Call does not
	// enforce it.
	Timeout time.Duration
}

// CircuitBreaker trips open after repeated failures forwarding to one
// backend key and fails fast until it recovers.
type CircuitBreaker struct {
	mu              sync.RWMutex
	config          Config
	backend         string
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	onStateChange   func(backend string, from, to State)
}

// New creates a new circuit breaker for config.Backend.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &CircuitBreaker{
		config:          config,
		backend:         config.Backend,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes fn, the backend forward it guards, if the circuit allows it.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()

	cb.afterCall(err)
	return err
}

// beforeCall checks if the call is allowed.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		// Check if we should transition to HalfOpen
		if time.Since(cb.lastStateChange) > cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// Every call is allowed through in HalfOpen state
		return nil

	case StateClosed:
		return nil

	default:
		return ErrCircuitOpen
	}
}

// afterCall records the result of the call.
func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// onFailure handles a failed forward to Backend.
func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in HalfOpen immediately opens the circuit
		cb.setState(StateOpen)
	}
}

// onSuccess handles a successful forward to Backend.
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState changes the circuit breaker state.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	// Reset counters on state change
	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	} else if newState == StateHalfOpen {
		cb.successes = 0
	}

	// Notify state change
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.backend, oldState, newState)
	}
}

// Backend returns the backend key this breaker guards.
func (cb *CircuitBreaker) Backend() string { return cb.backend }

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OnStateChange registers a callback for state changes, invoked with the
// backend key so one callback can serve breakers for several backends.
func (cb *CircuitBreaker) OnStateChange(fn func(backend string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics for Backend.
func (cb *CircuitBreaker) Stats() (backend string, state State, failures, successes int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.backend, cb.state, cb.failures, cb.successes
}
