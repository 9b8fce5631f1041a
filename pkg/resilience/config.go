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
	"math"
	"time"
)

// Strategy selects how the delay grows between retries.
type Strategy string

const (
	StrategyFixed       Strategy = "FIXED"
	StrategyLinear      Strategy = "LINEAR"
	StrategyExponential Strategy = "EXPONENTIAL"
	// StrategyJittered is exponential with random spread.
	StrategyJittered Strategy = "JITTERED"
	StrategyNone     Strategy = "NONE"
)

// Config is the retry policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// InitialDelay is the base delay; the first retry waits InitialDelay*Multiplier.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" mapstructure:"initial_delay"`

	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`

	Multiplier float64 `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`

	Strategy Strategy `json:"strategy" yaml:"strategy" mapstructure:"strategy"`

	// JitterPercent spreads each delay by ±percent, in [0,100].
	JitterPercent float64 `json:"jitter_percent" yaml:"jitter_percent" mapstructure:"jitter_percent"`
}

// Default is three retries at 2s, 4s and 8s.
func Default() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Strategy:     StrategyExponential,
	}
}

// Validate checks the policy is usable.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial_delay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max_delay cannot be negative")
	}
	if c.Multiplier <= 0 || math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) {
		return fmt.Errorf("multiplier must be positive and finite")
	}
	if c.JitterPercent < 0 || c.JitterPercent > 100 {
		return fmt.Errorf("jitter_percent must be between 0 and 100")
	}
	switch c.Strategy {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyJittered, StrategyNone:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return nil
}
