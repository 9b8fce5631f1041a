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
	"fmt"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

// Handlers exposes the service as broker consumers.
type Handlers struct {
	service   *Service
	publisher messaging.Publisher
}

// NewHandlers wires service results to publisher.
func NewHandlers(service *Service, publisher messaging.Publisher) *Handlers {
	return &Handlers{service: service, publisher: publisher}
}

// Reserve consumes ReserveInventory and replies on the saga queue with exactly one event.
func (h *Handlers) Reserve() messaging.MessageHandler {
	return messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
		cmd, err := contracts.Decode[contracts.ReserveInventory](msg)
		if err != nil {
			return err
		}
		event, err := h.service.Reserve(ctx, cmd)
		if err != nil {
			return err
		}
		reply, err := contracts.Encode(event)
		if err != nil {
			return err
		}
		if err := h.publisher.Send(ctx, contracts.OrderSagaQueue, reply); err != nil {
			return fmt.Errorf("send %s: %w", reply.Type, err)
		}
		return nil
	})
}

// Release consumes ReleaseInventory. Nothing is emitted.
func (h *Handlers) Release() messaging.MessageHandler {
	return messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
		cmd, err := contracts.Decode[contracts.ReleaseInventory](msg)
		if err != nil {
			return err
		}
		return h.service.Release(ctx, cmd)
	})
}

// MiddlewareFor builds the consumer middleware for one queue's options.
type MiddlewareFor func(opts messaging.ConsumerOptions) []messaging.Middleware

// Register starts both consumers on broker. mw may be nil.
func (h *Handlers) Register(ctx context.Context, broker messaging.Broker, reserve, release messaging.ConsumerOptions, mw MiddlewareFor) error {
	chain := func(handler messaging.MessageHandler, opts messaging.ConsumerOptions) messaging.MessageHandler {
		if mw == nil {
			return handler
		}
		return messaging.Chain(handler, mw(opts)...)
	}
	if err := broker.Consume(ctx, contracts.ReserveInventoryQueue, reserve, chain(h.Reserve(), reserve)); err != nil {
		return fmt.Errorf("consume %s: %w", contracts.ReserveInventoryQueue, err)
	}
	if err := broker.Consume(ctx, contracts.ReleaseInventoryQueue, release, chain(h.Release(), release)); err != nil {
		return fmt.Errorf("consume %s: %w", contracts.ReleaseInventoryQueue, err)
	}
	return nil
}
