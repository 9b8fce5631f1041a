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

package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/fulfillment/pkg/messaging"
)

func fastPolicy(n int) messaging.RedeliveryPolicy {
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = time.Millisecond
	}
	return messaging.RedeliveryPolicy{Delays: delays}
}

func waitIdle(t *testing.T, b *Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

func TestSendConsume(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	var got []*messaging.Message
	var mu sync.Mutex
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{}, messaging.MessageHandlerFunc(
		func(_ context.Context, m *messaging.Message) error {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			return nil
		})))

	msg := messaging.NewMessage("Ping", []byte(`{}`))
	msg.CorrelationID = "O1"
	require.NoError(t, b.Send(context.Background(), "q", msg))
	waitIdle(t, b)

	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, "q", got[0].Destination)
	assert.Equal(t, 1, got[0].DeliveryAttempt)
	assert.Equal(t, "Ping", got[0].Header(messaging.HeaderMessageType))
	assert.Equal(t, "O1", got[0].Header(messaging.HeaderCorrelationID))
}

func TestRetryThenSucceed(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	var attempts []int
	var mu sync.Mutex
	h := messaging.MessageHandlerFunc(func(_ context.Context, m *messaging.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, m.DeliveryAttempt)
		if m.DeliveryAttempt < 3 {
			return errors.New("storage timeout")
		}
		return nil
	})
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{Redelivery: fastPolicy(5)}, h))

	require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	waitIdle(t, b)

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Empty(t, b.DeadLetters("q"))
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	var calls atomic.Int32
	h := messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error {
		calls.Add(1)
		return errors.New("still down")
	})
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{Redelivery: fastPolicy(5)}, h))

	require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	waitIdle(t, b)

	assert.Equal(t, int32(6), calls.Load())
	dead := b.DeadLetters("q")
	require.Len(t, dead, 1)
	assert.Equal(t, 6, dead[0].Attempts)
	assert.Contains(t, dead[0].Reason, "redelivery exhausted")
}

func TestValidationErrorDeadLettersImmediately(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	var calls atomic.Int32
	h := messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error {
		calls.Add(1)
		return messaging.NewValidationError("quantity must be positive", nil)
	})
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{}, h))

	require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	waitIdle(t, b)

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, b.DeadLetters("q"), 1)
}

func TestDiscardAcks(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	h := messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error {
		return messaging.ErrDiscard
	})
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{}, h))
	require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	waitIdle(t, b)

	assert.Empty(t, b.DeadLetters("q"))
}

func TestConcurrencyIsBounded(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	var running, peak atomic.Int32
	h := messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{Concurrency: 3, Prefetch: 10}, h))

	for i := 0; i < 30; i++ {
		require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	}
	waitIdle(t, b)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(2))
}

func TestPublishFansOutToGroups(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	var ordering, audit atomic.Int32
	require.NoError(t, b.Subscribe(context.Background(), "events", "ordering", messaging.ConsumerOptions{},
		messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error { ordering.Add(1); return nil })))
	require.NoError(t, b.Subscribe(context.Background(), "events", "audit", messaging.ConsumerOptions{},
		messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error { audit.Add(1); return nil })))

	require.NoError(t, b.Publish(context.Background(), "events", messaging.NewMessage("OrderCompleted", nil)))
	require.NoError(t, b.Publish(context.Background(), "nobody-listens", messaging.NewMessage("X", nil)))
	waitIdle(t, b)

	assert.Equal(t, int32(1), ordering.Load())
	assert.Equal(t, int32(1), audit.Load())
	assert.Error(t, b.Subscribe(context.Background(), "events", "", messaging.ConsumerOptions{}, nil))
}

func TestReplayDeadLetters(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	var healthy atomic.Bool
	var handled atomic.Int32
	h := messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error {
		if !healthy.Load() {
			return messaging.Permanent(errors.New("poison"))
		}
		handled.Add(1)
		return nil
	})
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{}, h))
	require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	waitIdle(t, b)
	require.Len(t, b.DeadLetters("q"), 1)

	healthy.Store(true)
	n, err := b.Replay(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitIdle(t, b)

	assert.Equal(t, int32(1), handled.Load())
	assert.Empty(t, b.DeadLetters("q"))
}

func TestCloseWaitsForInFlight(t *testing.T) {
	b := NewBroker(Options{})

	started := make(chan struct{})
	var finished atomic.Bool
	h := messaging.MessageHandlerFunc(func(ctx context.Context, _ *messaging.Message) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	})
	require.NoError(t, b.Consume(context.Background(), "q", messaging.ConsumerOptions{}, h))
	require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	<-started

	require.NoError(t, b.Close())
	assert.True(t, finished.Load())
	assert.ErrorIs(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)), messaging.ErrClosed)
	assert.NoError(t, b.Close())
}

func TestStoppedConsumerLeavesMessagesQueued(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Consume(ctx, "q", messaging.ConsumerOptions{}, messaging.MessageHandlerFunc(
		func(context.Context, *messaging.Message) error { return nil })))
	cancel()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Send(context.Background(), "q", messaging.NewMessage("T", nil)))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, b.Depth("q"))
}
