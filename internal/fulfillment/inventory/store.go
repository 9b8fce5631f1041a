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

// Package inventory owns the stock counters and the reserve/release command handlers.
package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no record exists for the product.
	ErrNotFound = errors.New("inventory record not found")
	// ErrVersionConflict means the record changed since it was read.
	ErrVersionConflict = errors.New("inventory version conflict")
	// ErrMovementExists means the (order, kind) movement was already applied.
	ErrMovementExists = errors.New("inventory movement already applied")
	// ErrNegativeStock means the movement would take stock below zero.
	ErrNegativeStock = errors.New("stock cannot go negative")
)

// Record is the stock counter of one product.
type Record struct {
	ProductID string    `json:"productId"`
	Name      string    `json:"name,omitempty"`
	Price     float64   `json:"price"`
	Stock     int       `json:"stock"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MovementKind distinguishes reservations from compensations.
type MovementKind string

const (
	MovementReserve MovementKind = "reserve"
	MovementRelease MovementKind = "release"
)

// Movement is one applied stock change. At most one exists per (OrderID, Kind).
type Movement struct {
	OrderID   string       `json:"orderId"`
	ProductID string       `json:"productId"`
	Kind      MovementKind `json:"kind"`
	Quantity  int          `json:"quantity"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Delta is the signed stock change of the movement.
func (m Movement) Delta() int {
	if m.Kind == MovementReserve {
		return -m.Quantity
	}
	return m.Quantity
}

// Store persists records and the movement ledger.
type Store interface {
	// Get returns ErrNotFound for unknown products.
	Get(ctx context.Context, productID string) (Record, error)

	// ApplyMovement records m and adjusts stock by m.Delta() in one atomic step,
	// provided the record is still at expectedVersion. Nothing is written on error.
	ApplyMovement(ctx context.Context, expectedVersion int64, m Movement) (Record, error)

	// FindMovement looks up the ledger entry for (orderID, kind).
	FindMovement(ctx context.Context, orderID string, kind MovementKind) (Movement, bool, error)

	// Put creates or replaces a record, bumping its version.
	Put(ctx context.Context, rec Record) (Record, error)

	// List returns records for productIDs, skipping unknown ones. No ids lists everything.
	List(ctx context.Context, productIDs ...string) ([]Record, error)
}
