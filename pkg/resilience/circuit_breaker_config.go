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
	"fmt"
	"time"
)

// CircuitBreakerConfig configures a consecutive-failure circuit breaker.
type CircuitBreakerConfig struct {
	// Name labels logs and metrics.
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32 `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`

	// HalfOpenProbes is the number of trial calls admitted while half-open.
	HalfOpenProbes uint32 `json:"half_open_probes" yaml:"half_open_probes" mapstructure:"half_open_probes"`

	// OnStateChange is called with the breaker lock held; it must not call back into the breaker.
	OnStateChange func(name string, from State, to State) `json:"-" yaml:"-" mapstructure:"-"`

	// IsSuccessful decides whether a result counts as a failure. Defaults to err == nil.
	IsSuccessful func(err error) bool `json:"-" yaml:"-" mapstructure:"-"`

	Clock Clock `json:"-" yaml:"-" mapstructure:"-"`

	Metrics *BreakerMetrics `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures, cools down for 30s and admits one probe.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Validate checks the configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name cannot be empty")
	}
	if c.FailureThreshold == 0 {
		return fmt.Errorf("failure_threshold must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive")
	}
	if c.HalfOpenProbes == 0 {
		return fmt.Errorf("half_open_probes must be greater than 0")
	}
	return nil
}

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown state: %d", s)
	}
}

// Counts holds the outcome counters of the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}
