// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrOpenState is returned without invoking the operation while the circuit is open.
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned while the half-open probe is still in flight.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsRejection reports whether err came from the breaker refusing a call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}

// CircuitBreaker fails fast after a run of consecutive failures.
//
// Closed counts consecutive failures and resets on success. Open rejects every
// call until the cool-down elapses. HalfOpen admits HalfOpenProbes calls; a
// successful probe closes the circuit and a failed one reopens it.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	clock  Clock

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openUntil  time.Time
	probes     uint32
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = func(err error) bool { return err == nil }
	}
	clock := config.Clock
	if clock == nil {
		clock = SystemClock
	}

	cb := &CircuitBreaker{
		name:   config.Name,
		config: config,
		clock:  clock,
		state:  StateClosed,
	}
	if config.Metrics != nil {
		config.Metrics.observeState(cb.name, StateClosed)
	}
	return cb, nil
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs operation if the circuit admits it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		cb.config.Metrics.rejected(cb.name)
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	result := operation()
	if result != nil && ctx.Err() != nil {
		// the caller gave up, which says nothing about the dependency
		cb.abandon(generation)
		return result
	}
	cb.afterRequest(generation, cb.config.IsSuccessful(result))
	return result
}

// ExecuteWithResult is Execute for operations that return a value.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, operation func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		v, err := operation()
		out = v
		return err
	})
	return out, err
}

// Decorator exposes the breaker as a chain element.
func (cb *CircuitBreaker) Decorator() Decorator {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			return cb.Execute(ctx, func() error { return next(ctx) })
		}
	}
}

// State returns the current state, moving Open to HalfOpen once the cool-down has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(cb.clock.Now())
	return state
}

// Counts returns a snapshot of the current generation's counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toNewGeneration(cb.clock.Now(), StateClosed)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.clock.Now())
	switch state {
	case StateOpen:
		return generation, ErrOpenState
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			return generation, ErrTooManyRequests
		}
		cb.probes++
	}

	cb.config.Metrics.request(cb.name)
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	state, current := cb.currentState(now)
	// a result from before the last state change says nothing about the dependency now
	if generation != current {
		return
	}

	if success {
		cb.counts.onSuccess()
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.HalfOpenProbes {
			cb.toNewGeneration(now, StateClosed)
		}
		return
	}

	cb.config.Metrics.failure(cb.name)
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.toNewGeneration(now, StateOpen)
		}
	case StateHalfOpen:
		cb.toNewGeneration(now, StateOpen)
	}
}

// abandon returns a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) abandon(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, current := cb.currentState(cb.clock.Now())
	if generation == current && state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.config.Metrics.abandoned(cb.name)
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.toNewGeneration(now, StateHalfOpen)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time, to State) {
	from := cb.state

	cb.generation++
	cb.counts.clear()
	cb.probes = 0
	cb.state = to
	cb.openUntil = time.Time{}
	if to == StateOpen {
		cb.openUntil = now.Add(cb.config.Cooldown)
	}

	if from != to {
		cb.config.Metrics.transition(cb.name, to)
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.name, from, to)
		}
	}
}
