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

package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T, productID string, stock int) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	_, err := s.Put(context.Background(), Record{ProductID: productID, Name: "Widget", Price: 9.5, Stock: stock})
	require.NoError(t, err)
	return s
}

func TestReserve(t *testing.T) {
	tests := []struct {
		name      string
		stock     int
		productID string
		quantity  int
		wantEvent contracts.Contract
		wantStock int
	}{
		{
			name:      "reserves available stock",
			stock:     10,
			productID: "P1",
			quantity:  3,
			wantEvent: contracts.InventoryReserved{
				CorrelationID: "O1", OrderID: "O1", ProductID: "P1", Quantity: 3, ReservedAt: fixedNow,
			},
			wantStock: 7,
		},
		{
			name:      "reserves the last unit",
			stock:     1,
			productID: "P1",
			quantity:  1,
			wantEvent: contracts.InventoryReserved{
				CorrelationID: "O1", OrderID: "O1", ProductID: "P1", Quantity: 1, ReservedAt: fixedNow,
			},
			wantStock: 0,
		},
		{
			name:      "insufficient stock",
			stock:     5,
			productID: "P1",
			quantity:  10,
			wantEvent: contracts.InventoryReservationFailed{
				CorrelationID: "O1", OrderID: "O1", ProductID: "P1",
				RequestedQuantity: 10, AvailableQuantity: 5,
				Reason:   "Insufficient stock. Requested: 10, Available: 5",
				FailedAt: fixedNow,
			},
			wantStock: 5,
		},
		{
			name:      "unknown product",
			stock:     5,
			productID: "P404",
			quantity:  1,
			wantEvent: contracts.InventoryReservationFailed{
				CorrelationID: "O1", OrderID: "O1", ProductID: "P404",
				RequestedQuantity: 1, AvailableQuantity: 0,
				Reason:   "Product P404 not found",
				FailedAt: fixedNow,
			},
			wantStock: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seeded(t, "P1", tt.stock)
			svc := NewService(store, WithClock(func() time.Time { return fixedNow }))

			event, err := svc.Reserve(context.Background(), contracts.ReserveInventory{
				OrderID: "O1", ProductID: tt.productID, Quantity: tt.quantity,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantEvent, event)

			rec, err := store.Get(context.Background(), "P1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStock, rec.Stock)
		})
	}
}

func TestReserveBumpsVersion(t *testing.T) {
	store := seeded(t, "P1", 10)
	before, _ := store.Get(context.Background(), "P1")

	_, err := NewService(store).Reserve(context.Background(), contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 2})
	require.NoError(t, err)

	after, _ := store.Get(context.Background(), "P1")
	assert.Equal(t, before.Version+1, after.Version)
}

func TestReserveReplayIsIdempotent(t *testing.T) {
	store := seeded(t, "P1", 10)
	now := fixedNow
	svc := NewService(store, WithClock(func() time.Time { return now }))
	cmd := contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 4}

	first, err := svc.Reserve(context.Background(), cmd)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	second, err := svc.Reserve(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	rec, _ := store.Get(context.Background(), "P1")
	assert.Equal(t, 6, rec.Stock)
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	svc := NewService(seeded(t, "P1", 10))
	_, err := svc.Reserve(context.Background(), contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 0})
	require.Error(t, err)
	assert.True(t, messaging.IsValidation(err))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	const stock, orders = 10, 20
	store := seeded(t, "P1", stock)
	svc := NewService(store, WithMaxCASAttempts(50))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		failed   int
	)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event, err := svc.Reserve(context.Background(), contracts.ReserveInventory{
				OrderID: fmt.Sprintf("O%d", i), ProductID: "P1", Quantity: 1,
			})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			switch event.(type) {
			case contracts.InventoryReserved:
				reserved++
			case contracts.InventoryReservationFailed:
				failed++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, stock, reserved)
	assert.Equal(t, orders-stock, failed)
	rec, err := store.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Stock)
}

// conflictStore loses every compare-and-swap.
type conflictStore struct {
	*MemoryStore
	applies int
}

func (s *conflictStore) ApplyMovement(context.Context, int64, Movement) (Record, error) {
	s.applies++
	return Record{}, ErrVersionConflict
}

func TestReserveCASExhaustedIsTransient(t *testing.T) {
	store := &conflictStore{MemoryStore: seeded(t, "P1", 10)}
	svc := NewService(store, WithMaxCASAttempts(3))

	_, err := svc.Reserve(context.Background(), contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 1})
	require.ErrorIs(t, err, ErrCASExhausted)
	assert.Equal(t, 3, store.applies)
	assert.Equal(t, messaging.ErrorActionRetry, messaging.DefaultErrorAction(err))
}

func TestRelease(t *testing.T) {
	store := seeded(t, "P1", 5)
	svc := NewService(store)
	ctx := context.Background()
	_, err := svc.Reserve(ctx, contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 3})
	require.NoError(t, err)

	cmd := contracts.ReleaseInventory{OrderID: "O1", ProductID: "P1", Quantity: 3, Reason: "order failed"}
	require.NoError(t, svc.Release(ctx, cmd))
	rec, _ := store.Get(ctx, "P1")
	assert.Equal(t, 5, rec.Stock)

	// replay
	require.NoError(t, svc.Release(ctx, cmd))
	rec, _ = store.Get(ctx, "P1")
	assert.Equal(t, 5, rec.Stock)
}

func TestReleaseWithoutReservationIsNoop(t *testing.T) {
	tests := []struct {
		name    string
		reserve *contracts.ReserveInventory
		release contracts.ReleaseInventory
		stock   int
	}{
		{
			name:    "no reservation for the order",
			release: contracts.ReleaseInventory{OrderID: "O1", ProductID: "P1", Quantity: 3},
			stock:   5,
		},
		{
			name:    "reservation belongs to another order",
			reserve: &contracts.ReserveInventory{OrderID: "O2", ProductID: "P1", Quantity: 2},
			release: contracts.ReleaseInventory{OrderID: "O1", ProductID: "P1", Quantity: 2},
			stock:   3,
		},
		{
			name:    "reservation failed for insufficient stock",
			reserve: &contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 9},
			release: contracts.ReleaseInventory{OrderID: "O1", ProductID: "P1", Quantity: 9},
			stock:   5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := seeded(t, "P1", 5)
			svc := NewService(store)
			if tt.reserve != nil {
				_, err := svc.Reserve(ctx, *tt.reserve)
				require.NoError(t, err)
			}

			require.NoError(t, svc.Release(ctx, tt.release))

			rec, err := store.Get(ctx, "P1")
			require.NoError(t, err)
			assert.Equal(t, tt.stock, rec.Stock)
			_, found, err := store.FindMovement(ctx, tt.release.OrderID, MovementRelease)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestReleaseRestoresWhatWasReserved(t *testing.T) {
	ctx := context.Background()
	store := seeded(t, "P1", 5)
	svc := NewService(store)
	_, err := svc.Reserve(ctx, contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 2})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, contracts.ReleaseInventory{OrderID: "O1", ProductID: "P1", Quantity: 7}))

	rec, err := store.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Stock)
}

func TestReleaseUnknownProductIsNoop(t *testing.T) {
	store := seeded(t, "P1", 5)
	err := NewService(store).Release(context.Background(), contracts.ReleaseInventory{OrderID: "O1", ProductID: "P404", Quantity: 1})
	require.NoError(t, err)

	_, found, err := store.FindMovement(context.Background(), "O1", MovementRelease)
	require.NoError(t, err)
	assert.False(t, found)
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Get(context.Context, string) (Record, error) {
	return Record{}, errors.New("connection reset")
}

func TestReleasePropagatesStorageErrors(t *testing.T) {
	store := seeded(t, "P1", 5)
	_, err := NewService(store).Reserve(context.Background(), contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 1})
	require.NoError(t, err)

	svc := NewService(brokenStore{store})
	err = svc.Release(context.Background(), contracts.ReleaseInventory{OrderID: "O1", ProductID: "P1", Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, messaging.ErrorActionRetry, messaging.DefaultErrorAction(err))
}

func TestReserveThenReleaseRestoresStock(t *testing.T) {
	store := seeded(t, "P1", 7)
	svc := NewService(store)

	_, err := svc.Reserve(context.Background(), contracts.ReserveInventory{OrderID: "O1", ProductID: "P1", Quantity: 4})
	require.NoError(t, err)
	require.NoError(t, svc.Release(context.Background(), contracts.ReleaseInventory{OrderID: "O1", ProductID: "P1", Quantity: 4}))

	rec, _ := store.Get(context.Background(), "P1")
	assert.Equal(t, 7, rec.Stock)
}
