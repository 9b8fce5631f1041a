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
	"time"
)

// ShouldRetryFn reports whether an error is retryable.
type ShouldRetryFn func(error) bool

// OnRetryFn is invoked before each retry attempt with the attempt number and planned delay.
type OnRetryFn func(attempt int, err error, delay time.Duration)

// OnExhaustedFn is invoked when the executor gives up.
type OnExhaustedFn func(err error, attempts int)

// SleepFn waits for d or until ctx is done.
type SleepFn func(ctx context.Context, d time.Duration) error

// Executor retries operations according to Config.
type Executor struct {
	cfg         Config
	calc        *Calculator
	shouldRetry ShouldRetryFn
	onRetry     OnRetryFn
	onExhausted OnExhaustedFn
	sleep       SleepFn
}

// NewExecutor creates a new Executor after validating the provided Config.
func NewExecutor(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ex := &Executor{
		cfg:  cfg,
		calc: NewCalculator(cfg),
		shouldRetry: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex, nil
}

// Option configures an Executor optional behavior.
type Option func(*Executor)

// WithShouldRetry overrides the retryable error decision function.
func WithShouldRetry(fn ShouldRetryFn) Option {
	return func(e *Executor) { e.shouldRetry = fn }
}

// WithOnRetry sets the retry callback.
func WithOnRetry(fn OnRetryFn) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// WithOnExhausted sets the on-exhausted callback.
func WithOnExhausted(fn OnExhaustedFn) Option {
	return func(e *Executor) { e.onExhausted = fn }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFn) Option {
	return func(e *Executor) { e.sleep = fn }
}

// Do runs op, retrying failures the policy considers retryable.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		if !e.shouldRetry(err) || attempts >= e.cfg.MaxRetries || e.cfg.Strategy == StrategyNone {
			if e.onExhausted != nil {
				e.onExhausted(err, attempts+1)
			}
			return err
		}

		attempts++
		delay := e.calc.Delay(attempts)
		if e.onRetry != nil {
			e.onRetry(attempts, err, delay)
		}
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// Decorator exposes the executor as a chain element.
func (e *Executor) Decorator() Decorator {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			return e.Do(ctx, next)
		}
	}
}

// DoWithResult runs op with retries and returns its value.
func DoWithResult[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
