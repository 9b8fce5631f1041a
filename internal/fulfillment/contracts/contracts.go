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

// Package contracts defines the commands and events exchanged between the
// ordering, saga and inventory services, and how they travel on the wire.
package contracts

import "time"

// Destinations.
const (
	ReserveInventoryQueue = "reserve-inventory-queue"
	ReleaseInventoryQueue = "release-inventory-queue"
	OrderSagaQueue        = "order-saga-queue"

	// OrderEventsTopic broadcasts OrderCompleted and OrderFailed.
	OrderEventsTopic = "order-events"
)

// Message types.
const (
	TypeOrderCreated               = "OrderCreated"
	TypeReserveInventory           = "ReserveInventory"
	TypeInventoryReserved          = "InventoryReserved"
	TypeInventoryReservationFailed = "InventoryReservationFailed"
	TypeReleaseInventory           = "ReleaseInventory"
	TypeOrderCompleted             = "OrderCompleted"
	TypeOrderFailed                = "OrderFailed"
)

// Contract is implemented by every message body.
type Contract interface {
	// MessageType names the contract on the wire.
	MessageType() string
	// CorrelationKey is the order id that ties the message to its saga.
	CorrelationKey() string
}

// OrderCreated starts a saga.
type OrderCreated struct {
	OrderID    string    `json:"orderId" validate:"required"`
	ProductID  string    `json:"productId" validate:"required"`
	Quantity   int       `json:"quantity" validate:"gt=0"`
	Price      float64   `json:"price" validate:"gte=0"`
	CustomerID string    `json:"customerId" validate:"required"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReserveInventory asks the inventory service to take stock.
type ReserveInventory struct {
	OrderID   string `json:"orderId" validate:"required"`
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// InventoryReserved reports a successful reservation.
type InventoryReserved struct {
	CorrelationID string    `json:"correlationId" validate:"required"`
	OrderID       string    `json:"orderId" validate:"required"`
	ProductID     string    `json:"productId" validate:"required"`
	Quantity      int       `json:"quantity" validate:"gt=0"`
	ReservedAt    time.Time `json:"reservedAt"`
}

// InventoryReservationFailed reports a business rejection.
type InventoryReservationFailed struct {
	CorrelationID     string    `json:"correlationId" validate:"required"`
	OrderID           string    `json:"orderId" validate:"required"`
	ProductID         string    `json:"productId" validate:"required"`
	RequestedQuantity int       `json:"requestedQuantity" validate:"gte=0"`
	AvailableQuantity int       `json:"availableQuantity" validate:"gte=0"`
	Reason            string    `json:"reason" validate:"required"`
	FailedAt          time.Time `json:"failedAt"`
}

// ReleaseInventory returns previously reserved stock.
type ReleaseInventory struct {
	OrderID   string `json:"orderId" validate:"required"`
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Reason    string `json:"reason"`
}

// OrderCompleted is broadcast when a saga completes.
type OrderCompleted struct {
	OrderID     string    `json:"orderId" validate:"required"`
	CompletedAt time.Time `json:"completedAt"`
}

// OrderFailed is broadcast when a saga fails.
type OrderFailed struct {
	OrderID  string    `json:"orderId" validate:"required"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

func (OrderCreated) MessageType() string               { return TypeOrderCreated }
func (ReserveInventory) MessageType() string           { return TypeReserveInventory }
func (InventoryReserved) MessageType() string          { return TypeInventoryReserved }
func (InventoryReservationFailed) MessageType() string { return TypeInventoryReservationFailed }
func (ReleaseInventory) MessageType() string           { return TypeReleaseInventory }
func (OrderCompleted) MessageType() string             { return TypeOrderCompleted }
func (OrderFailed) MessageType() string                { return TypeOrderFailed }

func (m OrderCreated) CorrelationKey() string               { return m.OrderID }
func (m ReserveInventory) CorrelationKey() string           { return m.OrderID }
func (m InventoryReserved) CorrelationKey() string          { return m.OrderID }
func (m InventoryReservationFailed) CorrelationKey() string { return m.OrderID }
func (m ReleaseInventory) CorrelationKey() string           { return m.OrderID }
func (m OrderCompleted) CorrelationKey() string             { return m.OrderID }
func (m OrderFailed) CorrelationKey() string                { return m.OrderID }
