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
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransport = errors.New("connection refused")

func newTestBreaker(t *testing.T, clock Clock) *CircuitBreaker {
	t.Helper()
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = "catalog"
	cfg.Clock = clock
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	return cb
}

func TestCircuitBreakerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CircuitBreakerConfig)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*CircuitBreakerConfig) {}},
		{name: "empty name", mutate: func(c *CircuitBreakerConfig) { c.Name = "" }, wantErr: true},
		{name: "zero threshold", mutate: func(c *CircuitBreakerConfig) { c.FailureThreshold = 0 }, wantErr: true},
		{name: "negative cooldown", mutate: func(c *CircuitBreakerConfig) { c.Cooldown = -time.Second }, wantErr: true},
		{name: "zero probes", mutate: func(c *CircuitBreakerConfig) { c.HalfOpenProbes = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCircuitBreakerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(t, NewManualClock(time.Unix(0, 0)))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, func() error { return errTransport })
	}
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, func() error { return errTransport })
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(4), cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_OpensAndProbesOnce(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clock)
	ctx := context.Background()

	var transportCalls int32
	failing := func() error {
		atomic.AddInt32(&transportCalls, 1)
		return errTransport
	}

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errTransport)
	}
	assert.Equal(t, StateOpen, cb.State())

	// sixth call during the cool-down never reaches the transport
	err := cb.Execute(ctx, failing)
	assert.ErrorIs(t, err, ErrOpenState)
	assert.True(t, IsRejection(err))
	assert.Equal(t, int32(5), atomic.LoadInt32(&transportCalls))

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, failing), ErrOpenState)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	// hold the probe open and check that a concurrent caller is rejected
	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func() error {
			atomic.AddInt32(&transportCalls, 1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, failing), ErrTooManyRequests)
	assert.Equal(t, int32(6), atomic.LoadInt32(&transportCalls))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return errTransport })
	}
	clock.Advance(30 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errTransport }), errTransport)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrOpenState)

	clock.Advance(30 * time.Second)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IsSuccessfulFiltersFailures(t *testing.T) {
	errNotFound := errors.New("not found")
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = "filtered"
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errNotFound) }
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return errNotFound }), errNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallbackAndMetrics(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	reg := prometheus.NewRegistry()
	metrics := NewBreakerMetrics("test", reg)

	var transitions []string
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = "observed"
	cfg.FailureThreshold = 2
	cfg.Clock = clock
	cfg.Metrics = metrics
	cfg.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_ = cb.Execute(ctx, func() error { return errTransport })
	_ = cb.Execute(ctx, func() error { return errTransport })
	_ = cb.Execute(ctx, func() error { return nil })
	clock.Advance(cfg.Cooldown)
	_ = cb.Execute(ctx, func() error { return nil })

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Requests.WithLabelValues("observed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Rejections.WithLabelValues("observed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.State.WithLabelValues("observed")))
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = "panicky"
	cfg.FailureThreshold = 1
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := newTestBreaker(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestExecuteWithResult(t *testing.T) {
	cb := newTestBreaker(t, nil)
	v, err := ExecuteWithResult(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clock)

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := cb.Execute(ctx, func() error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().ConsecutiveFailures)

	// a failure under a live context still counts
	assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return errTransport }), errTransport)
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_AbandonedProbeFreesSlot(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cb := newTestBreaker(t, clock)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errTransport })
	}
	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func() error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}
