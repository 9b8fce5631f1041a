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

// Package ordering creates orders after a synchronous catalog check and
// starts their fulfillment saga. Order status follows the saga's broadcasts.
package ordering

import (
	"context"
	"errors"
	"time"
)

// Status of an order record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowed lists the statuses each status may be entered from.
var allowed = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusPending, StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
}

var (
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyExists     = errors.New("order already exists")
	ErrInvalidTransition = errors.New("order status transition not allowed")
)

// Item is one order line priced from the catalog.
type Item struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	TotalPrice  float64 `json:"totalPrice"`
}

// Order is the order record.
type Order struct {
	ID              string     `json:"id" gorm:"primaryKey;size:64"`
	CustomerID      string     `json:"customerId" gorm:"size:64;index"`
	CustomerName    string     `json:"customerName,omitempty" gorm:"size:255"`
	ShippingAddress string     `json:"shippingAddress,omitempty" gorm:"size:512"`
	Notes           string     `json:"notes,omitempty" gorm:"type:text"`
	Status          Status     `json:"status" gorm:"size:32;index"`
	Items           []Item     `json:"items" gorm:"serializer:json;type:text"`
	TotalAmount     float64    `json:"totalAmount"`
	FailureReason   string     `json:"failureReason,omitempty" gorm:"type:text"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
}

// TableName pins the gorm table.
func (Order) TableName() string { return "orders" }

// StatusChange is applied by Store.Transition.
type StatusChange struct {
	To     Status
	Reason string
	At     time.Time
}

func (c StatusChange) apply(o *Order) {
	o.Status = c.To
	o.UpdatedAt = c.At
	switch c.To {
	case StatusCompleted:
		at := c.At
		o.CompletedAt = &at
	case StatusFailed:
		at := c.At
		o.FailedAt = &at
		o.FailureReason = c.Reason
	}
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Order, error)
	// Transition applies change if the order's current status allows it and
	// returns ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id string, change StatusChange) (*Order, error)
}
