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
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

// ListenerGroup is the subscriber group of the order-events topic.
const ListenerGroup = "ordering"

// Events moves orders to completed or failed from the saga broadcasts.
// Unknown orders and repeated outcomes are acknowledged.
func (s *Service) Events() messaging.MessageHandler {
	return messaging.NewRouter().
		RouteFunc(contracts.TypeOrderCompleted, func(ctx context.Context, msg *messaging.Message) error {
			ev, err := contracts.Decode[contracts.OrderCompleted](msg)
			if err != nil {
				return err
			}
			return s.settle(ctx, ev.OrderID, StatusChange{To: StatusCompleted, At: ev.CompletedAt.UTC()})
		}).
		RouteFunc(contracts.TypeOrderFailed, func(ctx context.Context, msg *messaging.Message) error {
			ev, err := contracts.Decode[contracts.OrderFailed](msg)
			if err != nil {
				return err
			}
			return s.settle(ctx, ev.OrderID, StatusChange{To: StatusFailed, Reason: ev.Reason, At: ev.FailedAt.UTC()})
		})
}

func (s *Service) settle(ctx context.Context, orderID string, change StatusChange) error {
	if change.At.IsZero() {
		change.At = s.now()
	}
	log := logger.With(ctx,
		zap.String("order_id", orderID),
		zap.String("status", string(change.To)),
	)

	_, err := s.store.Transition(ctx, orderID, change)
	switch {
	case err == nil:
		log.Info("order settled")
		return nil
	case errors.Is(err, ErrNotFound):
		log.Warn("outcome for unknown order ignored")
		return nil
	case errors.Is(err, ErrInvalidTransition):
		log.Debug("order already settled")
		return nil
	default:
		return err
	}
}

// RegisterListener subscribes Events to the order-events topic.
func (s *Service) RegisterListener(ctx context.Context, broker messaging.Broker, opts messaging.ConsumerOptions, mw ...messaging.Middleware) error {
	if err := broker.Subscribe(ctx, contracts.OrderEventsTopic, ListenerGroup, opts, messaging.Chain(s.Events(), mw...)); err != nil {
		return fmt.Errorf("subscribe %s: %w", contracts.OrderEventsTopic, err)
	}
	return nil
}
