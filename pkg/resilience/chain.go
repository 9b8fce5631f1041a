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
	"fmt"
	"time"
)

// ErrTimeout is returned when a single attempt exceeds its deadline.
var ErrTimeout = errors.New("operation timed out")

// Operation is a call guarded by resilience policies.
type Operation func(ctx context.Context) error

// Decorator wraps an Operation with one policy.
type Decorator func(next Operation) Operation

// Chain composes decorators; the first one listed is the outermost.
//
//	Chain(breaker.Decorator(), retry.Decorator(), Timeout(10*time.Second))
func Chain(decorators ...Decorator) Decorator {
	return func(op Operation) Operation {
		for i := len(decorators) - 1; i >= 0; i-- {
			if decorators[i] != nil {
				op = decorators[i](op)
			}
		}
		return op
	}
}

// Timeout bounds each call to d. The wrapped operation must honour ctx.
func Timeout(d time.Duration) Decorator {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			if d <= 0 {
				return next(ctx)
			}
			attemptCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			err := next(attemptCtx)
			if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s: %v", ErrTimeout, d, err)
			}
			return err
		}
	}
}

// Call runs fn through d and returns the value produced by the successful attempt.
func Call[T any](ctx context.Context, d Decorator, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := d(func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})(ctx)
	return out, err
}
