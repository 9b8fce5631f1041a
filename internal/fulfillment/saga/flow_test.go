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

package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/internal/fulfillment/inventory"
	"github.com/innovationmech/fulfillment/pkg/messaging"
	"github.com/innovationmech/fulfillment/pkg/messaging/memory"
)

type flow struct {
	broker *memory.Broker
	repo   *MemoryRepository
	stock  *inventory.MemoryStore
	orch   *Orchestrator

	mu     sync.Mutex
	events []*messaging.Message
}

func newFlow(t *testing.T, productStock int, startInventory bool) *flow {
	t.Helper()
	f := &flow{
		broker: memory.NewBroker(memory.Options{}),
		repo:   NewMemoryRepository(),
		stock:  inventory.NewMemoryStore(),
	}
	t.Cleanup(func() { _ = f.broker.Close() })

	_, err := f.stock.Put(context.Background(), inventory.Record{ProductID: "P1", Name: "Widget", Stock: productStock})
	require.NoError(t, err)

	ctx := context.Background()
	opts := messaging.ConsumerOptions{Concurrency: 2, Redelivery: messaging.RedeliveryPolicy{Delays: []time.Duration{time.Millisecond}}}
	f.orch = NewOrchestrator(f.repo, f.broker)
	require.NoError(t, f.broker.Consume(ctx, contracts.OrderSagaQueue, opts, f.orch.Handler()))
	require.NoError(t, f.broker.Subscribe(ctx, contracts.OrderEventsTopic, "test", opts, messaging.MessageHandlerFunc(
		func(_ context.Context, msg *messaging.Message) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, msg)
			return nil
		})))
	if startInventory {
		f.startInventory(t)
	}
	return f
}

func (f *flow) startInventory(t *testing.T) {
	t.Helper()
	opts := messaging.ConsumerOptions{Concurrency: 2}
	h := inventory.NewHandlers(inventory.NewService(f.stock), f.broker)
	require.NoError(t, h.Register(context.Background(), f.broker, opts, opts, nil))
}

func (f *flow) placeOrder(t *testing.T, id string, qty int) {
	t.Helper()
	msg, err := contracts.Encode(contracts.OrderCreated{
		OrderID: id, ProductID: "P1", Quantity: qty, Price: 10, CustomerID: "C1", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Send(context.Background(), contracts.OrderSagaQueue, msg))
}

func (f *flow) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.broker.WaitIdle(ctx))
}

func (f *flow) stockOf(t *testing.T) int {
	t.Helper()
	rec, err := f.stock.Get(context.Background(), "P1")
	require.NoError(t, err)
	return rec.Stock
}

func (f *flow) broadcast(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.events {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func TestFlowReservationSucceeds(t *testing.T) {
	f := newFlow(t, 5, true)

	f.placeOrder(t, "O1", 2)
	f.settle(t)

	inst, err := f.repo.Get(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, 3, f.stockOf(t))
	assert.Equal(t, 1, f.broadcast(contracts.TypeOrderCompleted))
	assert.Equal(t, 0, f.broadcast(contracts.TypeOrderFailed))
}

func TestFlowInsufficientStockFails(t *testing.T) {
	f := newFlow(t, 1, true)

	f.placeOrder(t, "O1", 2)
	f.settle(t)

	inst, err := f.repo.Get(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, inst.State)
	assert.Equal(t, "Insufficient stock. Requested: 2, Available: 1", inst.ErrorMessage)
	assert.Equal(t, 1, f.stockOf(t))
	assert.Equal(t, 1, f.broadcast(contracts.TypeOrderFailed))
}

func TestFlowManyOrdersReachOneTerminalStateEach(t *testing.T) {
	f := newFlow(t, 10, true)

	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, id := range ids {
		f.placeOrder(t, id, 2)
	}
	f.settle(t)

	completed, failed := 0, 0
	for _, id := range ids {
		inst, err := f.repo.Get(context.Background(), id)
		require.NoError(t, err)
		switch inst.State {
		case StateCompleted:
			completed++
		case StateFailed:
			failed++
		default:
			t.Fatalf("saga %s left in %s", id, inst.State)
		}
	}
	assert.Equal(t, 5, completed)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 0, f.stockOf(t))
	assert.Equal(t, completed, f.broadcast(contracts.TypeOrderCompleted))
	assert.Equal(t, failed, f.broadcast(contracts.TypeOrderFailed))
}

func TestFlowLateReservationIsReleased(t *testing.T) {
	f := newFlow(t, 5, false)

	f.placeOrder(t, "O1", 2)
	// the saga waits on reserve-inventory-queue, which nobody consumes yet
	require.Eventually(t, func() bool {
		inst, err := f.repo.Get(context.Background(), "O1")
		return err == nil && inst.State == StateReservationPending
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.Expire(context.Background(), "O1", "timed out"))
	f.startInventory(t)
	f.settle(t)

	inst, err := f.repo.Get(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, inst.State)
	assert.True(t, inst.Compensated)
	assert.Equal(t, 5, f.stockOf(t))
	assert.Equal(t, 0, f.broadcast(contracts.TypeOrderCompleted))
}
