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

// Package saga drives each order through inventory reservation with a
// persisted state machine correlated by order id.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State is the position of an order in the fulfillment flow.
type State string

const (
	// StateInitial means no instance exists yet. It is never persisted.
	StateInitial            State = "Initial"
	StateReservationPending State = "ReservationPending"
	StateCompleted          State = "Completed"
	StateFailed             State = "Failed"
)

// Terminal reports whether no further forward transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrNotFound        = errors.New("saga instance not found")
	ErrAlreadyExists   = errors.New("saga instance already exists")
	ErrVersionConflict = errors.New("saga version conflict")
	// ErrConflictsExhausted means the instance kept changing under us.
	ErrConflictsExhausted = errors.New("saga update conflicts exhausted")
)

// Outgoing is a message persisted with the state change that produced it and
// dispatched afterwards. ID is reused as the message id on every attempt.
type Outgoing struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	Broadcast   bool            `json:"broadcast,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// Instance is the persisted saga snapshot.
type Instance struct {
	CorrelationID string  `json:"correlationId" gorm:"column:correlation_id;primaryKey;size:64"`
	State         State   `json:"state" gorm:"column:state;size:32;index:idx_saga_state_created,priority:1"`
	ProductID     string  `json:"productId" gorm:"column:product_id;size:64"`
	Quantity      int     `json:"quantity" gorm:"column:quantity"`
	Price         float64 `json:"price" gorm:"column:price"`
	CustomerID    string  `json:"customerId" gorm:"column:customer_id;size:64"`

	CreatedAt   time.Time  `json:"createdAt" gorm:"column:created_at;index:idx_saga_state_created,priority:2"`
	UpdatedAt   time.Time  `json:"updatedAt" gorm:"column:updated_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" gorm:"column:completed_at"`
	FailedAt    *time.Time `json:"failedAt,omitempty" gorm:"column:failed_at"`

	ErrorMessage string `json:"errorMessage,omitempty" gorm:"column:error_message;size:512"`
	RetryCount   int    `json:"retryCount" gorm:"column:retry_count"`
	// Compensated is set once stock reserved after failure has been released.
	Compensated bool `json:"compensated" gorm:"column:compensated"`

	Outbox []Outgoing `json:"outbox,omitempty" gorm:"column:outbox;serializer:json;type:text"`

	Version int64 `json:"version" gorm:"column:version"`
}

// TableName implements gorm's tabler.
func (Instance) TableName() string { return "order_sagas" }

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	cp := *i
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	if i.FailedAt != nil {
		t := *i.FailedAt
		cp.FailedAt = &t
	}
	if i.Outbox != nil {
		cp.Outbox = make([]Outgoing, len(i.Outbox))
		copy(cp.Outbox, i.Outbox)
	}
	return &cp
}

// Repository persists instances under optimistic concurrency.
type Repository interface {
	// Get returns ErrNotFound when no instance exists.
	Get(ctx context.Context, correlationID string) (*Instance, error)

	// Create stores a new instance at version 1. ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, inst *Instance) error

	// Update replaces the instance if it is still at expectedVersion and
	// advances inst.Version. ErrVersionConflict otherwise.
	Update(ctx context.Context, inst *Instance, expectedVersion int64) error

	// ListByState returns up to limit instances in state created before the cut-off, oldest first.
	ListByState(ctx context.Context, state State, createdBefore time.Time, limit int) ([]*Instance, error)

	// PurgeTerminal deletes Completed and Failed instances last updated before the cut-off.
	PurgeTerminal(ctx context.Context, updatedBefore time.Time) (int, error)
}
