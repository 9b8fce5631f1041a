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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreApplyMovementChecks(t *testing.T) {
	ctx := context.Background()
	store := seeded(t, "P1", 3)
	rec, _ := store.Get(ctx, "P1")

	_, err := store.ApplyMovement(ctx, rec.Version+1, Movement{OrderID: "O1", ProductID: "P1", Kind: MovementReserve, Quantity: 1})
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = store.ApplyMovement(ctx, rec.Version, Movement{OrderID: "O1", ProductID: "P1", Kind: MovementReserve, Quantity: 4})
	assert.ErrorIs(t, err, ErrNegativeStock)

	_, err = store.ApplyMovement(ctx, rec.Version, Movement{OrderID: "O1", ProductID: "P404", Kind: MovementReserve, Quantity: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := store.ApplyMovement(ctx, rec.Version, Movement{OrderID: "O1", ProductID: "P1", Kind: MovementReserve, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Stock)

	_, err = store.ApplyMovement(ctx, updated.Version, Movement{OrderID: "O1", ProductID: "P1", Kind: MovementReserve, Quantity: 1})
	assert.ErrorIs(t, err, ErrMovementExists)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, id := range []string{"B", "A", "C"} {
		_, err := store.Put(ctx, Record{ProductID: id, Stock: 1})
		require.NoError(t, err)
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "A", all[0].ProductID)

	some, err := store.List(ctx, "C", "missing", "A")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "C", some[0].ProductID)
}

func TestMemoryStorePutRejectsNegativeStock(t *testing.T) {
	_, err := NewMemoryStore().Put(context.Background(), Record{ProductID: "P1", Stock: -1})
	assert.ErrorIs(t, err, ErrNegativeStock)
}
