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

package ordering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/pkg/messaging"
	"github.com/innovationmech/fulfillment/pkg/messaging/memory"
)

func seedOrder(t *testing.T, store Store, id string, status Status) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Order{ID: id, CustomerID: "C1", Status: status, CreatedAt: t0, UpdatedAt: t0}))
}

func encode(t *testing.T, c contracts.Contract) *messaging.Message {
	t.Helper()
	msg, err := contracts.Encode(c)
	require.NoError(t, err)
	return msg
}

func TestEventsSettleOrders(t *testing.T) {
	store := NewMemoryStore()
	seedOrder(t, store, "O1", StatusProcessing)
	seedOrder(t, store, "O2", StatusPending)
	svc := newService(newCatalog(), store, &publisher{})
	h := svc.Events()
	ctx := context.Background()
	done := t0.Add(time.Minute)

	require.NoError(t, h.Handle(ctx, encode(t, contracts.OrderCompleted{OrderID: "O1", CompletedAt: done})))
	require.NoError(t, h.Handle(ctx, encode(t, contracts.OrderFailed{OrderID: "O2", Reason: "out of stock", FailedAt: done})))

	o1, err := store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o1.Status)
	require.NotNil(t, o1.CompletedAt)
	assert.Equal(t, done, *o1.CompletedAt)

	o2, err := store.Get(ctx, "O2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, o2.Status)
	assert.Equal(t, "out of stock", o2.FailureReason)

	// a repeated or contradicting outcome is acknowledged and ignored
	require.NoError(t, h.Handle(ctx, encode(t, contracts.OrderFailed{OrderID: "O1", Reason: "late", FailedAt: done})))
	o1, err = store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o1.Status)

	// unknown orders are acknowledged
	assert.NoError(t, h.Handle(ctx, encode(t, contracts.OrderCompleted{OrderID: "O404", CompletedAt: done})))
}

func TestRegisterListener(t *testing.T) {
	broker := memory.NewBroker(memory.Options{})
	defer func() { _ = broker.Close() }()

	store := NewMemoryStore()
	seedOrder(t, store, "O1", StatusProcessing)
	svc := newService(newCatalog(), store, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.RegisterListener(ctx, broker, messaging.ConsumerOptions{Concurrency: 2}))

	require.NoError(t, broker.Publish(ctx, contracts.OrderEventsTopic, encode(t, contracts.OrderCompleted{OrderID: "O1", CompletedAt: t0})))

	assert.Eventually(t, func() bool {
		o, err := store.Get(ctx, "O1")
		return err == nil && o.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryStoreTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			store := NewMemoryStore()
			seedOrder(t, store, "O1", tt.from)
			_, err := store.Transition(context.Background(), "O1", StatusChange{To: tt.to, At: t0})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}

	_, err := NewMemoryStore().Transition(context.Background(), "nope", StatusChange{To: StatusCompleted})
	assert.ErrorIs(t, err, ErrNotFound)
}
