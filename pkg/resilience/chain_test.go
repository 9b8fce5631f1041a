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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	var trace []string
	named := func(name string) Decorator {
		return func(next Operation) Operation {
			return func(ctx context.Context) error {
				trace = append(trace, name+">")
				err := next(ctx)
				trace = append(trace, "<"+name)
				return err
			}
		}
	}

	op := Chain(named("breaker"), nil, named("retry"), named("timeout"))(func(context.Context) error {
		trace = append(trace, "call")
		return nil
	})
	require.NoError(t, op(context.Background()))

	assert.Equal(t, []string{"breaker>", "retry>", "timeout>", "call", "<timeout", "<retry", "<breaker"}, trace)
}

func TestTimeoutWrapsDeadline(t *testing.T) {
	op := Timeout(10 * time.Millisecond)(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := op(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutLeavesParentCancellationAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := Timeout(time.Second)(func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, op(ctx), context.Canceled)
}

func TestTimeoutZeroDisables(t *testing.T) {
	op := Timeout(0)(func(ctx context.Context) error {
		_, has := ctx.Deadline()
		assert.False(t, has)
		return nil
	})
	require.NoError(t, op(context.Background()))
}

// Each retry gets a fresh per-attempt deadline and the breaker sees one failure per exhausted call.
func TestFullChainTimeoutRetryBreaker(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clock)
	ex, err := NewExecutor(Config{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1, Strategy: StrategyFixed},
		WithSleep((&recordedSleeps{}).sleep))
	require.NoError(t, err)

	chain := Chain(cb.Decorator(), ex.Decorator(), Timeout(5*time.Millisecond))

	attempts := 0
	slow := func(ctx context.Context) (string, error) {
		attempts++
		<-ctx.Done()
		return "", ctx.Err()
	}

	for i := 0; i < 5; i++ {
		_, err := Call(context.Background(), chain, slow)
		assert.ErrorIs(t, err, ErrTimeout)
	}
	assert.Equal(t, 15, attempts)
	assert.Equal(t, StateOpen, cb.State())

	_, err = Call(context.Background(), chain, slow)
	assert.ErrorIs(t, err, ErrOpenState)
	assert.Equal(t, 15, attempts)

	clock.Advance(30 * time.Second)
	v, err := Call(context.Background(), chain, func(context.Context) (string, error) { return "up", nil })
	require.NoError(t, err)
	assert.Equal(t, "up", v)
	assert.Equal(t, StateClosed, cb.State())
}
