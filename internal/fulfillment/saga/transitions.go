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
	"errors"
	"time"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
)

// TypeTimedOut is the internal event raised by the sweeper.
const TypeTimedOut = "SagaTimedOut"

// TimedOut fails a saga that waited too long for the inventory reply.
type TimedOut struct {
	OrderID string
	Reason  string
}

func (TimedOut) MessageType() string      { return TypeTimedOut }
func (t TimedOut) CorrelationKey() string { return t.OrderID }

// CompensationReason is carried by the ReleaseInventory issued for a late reservation.
const CompensationReason = "reservation arrived after the order failed"

// errIgnore makes a transition behave like an event that is invalid for the state.
var errIgnore = errors.New("event ignored")

// effect is a message a transition asks to emit.
type effect struct {
	destination string
	broadcast   bool
	message     contracts.Contract
}

// transition mutates inst in place and returns what to emit.
type transition func(inst *Instance, event contracts.Contract, now time.Time) ([]effect, error)

type transitionKey struct {
	from  State
	event string
}

func transitionTable() map[transitionKey]transition {
	return map[transitionKey]transition{
		{StateInitial, contracts.TypeOrderCreated}:                          startReservation,
		{StateReservationPending, contracts.TypeInventoryReserved}:          completeOrder,
		{StateReservationPending, contracts.TypeInventoryReservationFailed}: failOrder,
		{StateReservationPending, TypeTimedOut}:                             expireOrder,
		{StateFailed, contracts.TypeInventoryReserved}:                      compensateLateReservation,
	}
}

func startReservation(inst *Instance, event contracts.Contract, now time.Time) ([]effect, error) {
	ev := event.(contracts.OrderCreated)
	inst.State = StateReservationPending
	inst.ProductID = ev.ProductID
	inst.Quantity = ev.Quantity
	inst.Price = ev.Price
	inst.CustomerID = ev.CustomerID
	inst.CreatedAt = ev.CreatedAt
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	return []effect{{
		destination: contracts.ReserveInventoryQueue,
		message: contracts.ReserveInventory{
			OrderID:   ev.OrderID,
			ProductID: ev.ProductID,
			Quantity:  ev.Quantity,
		},
	}}, nil
}

func completeOrder(inst *Instance, _ contracts.Contract, now time.Time) ([]effect, error) {
	inst.State = StateCompleted
	inst.CompletedAt = &now
	return []effect{{
		destination: contracts.OrderEventsTopic,
		broadcast:   true,
		message:     contracts.OrderCompleted{OrderID: inst.CorrelationID, CompletedAt: now},
	}}, nil
}

func failOrder(inst *Instance, event contracts.Contract, now time.Time) ([]effect, error) {
	ev := event.(contracts.InventoryReservationFailed)
	return markFailed(inst, ev.Reason, now), nil
}

func expireOrder(inst *Instance, event contracts.Contract, now time.Time) ([]effect, error) {
	ev := event.(TimedOut)
	return markFailed(inst, ev.Reason, now), nil
}

func markFailed(inst *Instance, reason string, now time.Time) []effect {
	inst.State = StateFailed
	inst.ErrorMessage = reason
	inst.FailedAt = &now
	return []effect{{
		destination: contracts.OrderEventsTopic,
		broadcast:   true,
		message:     contracts.OrderFailed{OrderID: inst.CorrelationID, Reason: reason, FailedAt: now},
	}}
}

func compensateLateReservation(inst *Instance, event contracts.Contract, _ time.Time) ([]effect, error) {
	if inst.Compensated {
		return nil, errIgnore
	}
	ev := event.(contracts.InventoryReserved)
	inst.Compensated = true
	return []effect{{
		destination: contracts.ReleaseInventoryQueue,
		message: contracts.ReleaseInventory{
			OrderID:   ev.OrderID,
			ProductID: ev.ProductID,
			Quantity:  ev.Quantity,
			Reason:    CompensationReason,
		},
	}}, nil
}
