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
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

// DefaultMaxCASAttempts bounds the read-modify-write loop of a single command.
const DefaultMaxCASAttempts = 5

// ErrCASExhausted means every compare-and-swap attempt lost to a concurrent writer.
// It is transient: the broker redelivers the command.
var ErrCASExhausted = errors.New("inventory update contention: compare-and-swap retries exhausted")

// Service applies reserve and release commands to a Store.
type Service struct {
	store       Store
	maxAttempts int
	now         func() time.Time
	metrics     *Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithMaxCASAttempts overrides DefaultMaxCASAttempts.
func WithMaxCASAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records outcomes.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service on store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		maxAttempts: DefaultMaxCASAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NotFoundReason is the failure reason for an unknown product.
func NotFoundReason(productID string) string {
	return fmt.Sprintf("Product %s not found", productID)
}

// InsufficientStockReason is the failure reason when stock is short.
func InsufficientStockReason(requested, available int) string {
	return fmt.Sprintf("Insufficient stock. Requested: %d, Available: %d", requested, available)
}

// Reserve takes cmd.Quantity units of stock. It returns the event to emit,
// either InventoryReserved or InventoryReservationFailed. Replaying a command
// that already reserved returns the original InventoryReserved without touching stock.
func (s *Service) Reserve(ctx context.Context, cmd contracts.ReserveInventory) (contracts.Contract, error) {
	log := logger.With(ctx,
		zap.String("order_id", cmd.OrderID),
		zap.String("product_id", cmd.ProductID),
		zap.Int("quantity", cmd.Quantity))

	if cmd.Quantity <= 0 {
		return nil, messaging.NewValidationError("reserve "+cmd.OrderID, errInvalidQuantity)
	}

	if prior, ok, err := s.store.FindMovement(ctx, cmd.OrderID, MovementReserve); err != nil {
		return nil, fmt.Errorf("check reservation ledger: %w", err)
	} else if ok {
		log.Info("reservation already applied, re-emitting result")
		s.metrics.reserve("replayed")
		return reservedEvent(prior), nil
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.store.Get(ctx, cmd.ProductID)
		if errors.Is(err, ErrNotFound) {
			log.Warn("reservation rejected: unknown product")
			s.metrics.reserve("not_found")
			return s.failed(cmd, 0, NotFoundReason(cmd.ProductID)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("load inventory %s: %w", cmd.ProductID, err)
		}

		if rec.Stock < cmd.Quantity {
			log.Warn("reservation rejected: insufficient stock", zap.Int("available", rec.Stock))
			s.metrics.reserve("insufficient")
			return s.failed(cmd, rec.Stock, InsufficientStockReason(cmd.Quantity, rec.Stock)), nil
		}

		m := Movement{
			OrderID:   cmd.OrderID,
			ProductID: cmd.ProductID,
			Kind:      MovementReserve,
			Quantity:  cmd.Quantity,
			CreatedAt: s.now(),
		}
		updated, err := s.store.ApplyMovement(ctx, rec.Version, m)
		switch {
		case err == nil:
			log.Info("inventory reserved", zap.Int("remaining", updated.Stock))
			s.metrics.reserve("reserved")
			return reservedEvent(m), nil
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNegativeStock):
			// the next read sees the winner's stock
			s.metrics.conflict("reserve")
			log.Debug("inventory version conflict", zap.Int("attempt", attempt))
			continue
		case errors.Is(err, ErrMovementExists):
			prior, ok, ferr := s.store.FindMovement(ctx, cmd.OrderID, MovementReserve)
			if ferr != nil {
				return nil, fmt.Errorf("check reservation ledger: %w", ferr)
			}
			if ok {
				s.metrics.reserve("replayed")
				return reservedEvent(prior), nil
			}
			return nil, fmt.Errorf("reserve %s: %w", cmd.OrderID, err)
		case errors.Is(err, ErrNotFound):
			s.metrics.reserve("not_found")
			return s.failed(cmd, 0, NotFoundReason(cmd.ProductID)), nil
		default:
			return nil, fmt.Errorf("reserve %s: %w", cmd.OrderID, err)
		}
	}

	s.metrics.reserve("contended")
	log.Warn("reservation gave up after repeated conflicts", zap.Int("attempts", s.maxAttempts))
	return nil, fmt.Errorf("reserve %s: %w", cmd.OrderID, ErrCASExhausted)
}

// Release returns the stock reserved for cmd.OrderID. Unknown products, orders
// with no reservation and replays are no-ops.
func (s *Service) Release(ctx context.Context, cmd contracts.ReleaseInventory) error {
	log := logger.With(ctx,
		zap.String("order_id", cmd.OrderID),
		zap.String("product_id", cmd.ProductID),
		zap.Int("quantity", cmd.Quantity),
		zap.String("reason", cmd.Reason))

	if cmd.Quantity <= 0 {
		return messaging.NewValidationError("release "+cmd.OrderID, errInvalidQuantity)
	}

	if _, ok, err := s.store.FindMovement(ctx, cmd.OrderID, MovementRelease); err != nil {
		return fmt.Errorf("check release ledger: %w", err)
	} else if ok {
		log.Info("release already applied")
		s.metrics.release("replayed")
		return nil
	}

	reserved, ok, err := s.store.FindMovement(ctx, cmd.OrderID, MovementReserve)
	if err != nil {
		return fmt.Errorf("check reserve ledger: %w", err)
	}
	if !ok {
		log.Warn("release ignored: nothing reserved for order")
		s.metrics.release("not_reserved")
		return nil
	}
	quantity := reserved.Quantity
	if quantity != cmd.Quantity || reserved.ProductID != cmd.ProductID {
		log.Warn("release differs from reservation, releasing what was reserved",
			zap.String("reserved_product_id", reserved.ProductID), zap.Int("reserved_quantity", quantity))
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.store.Get(ctx, reserved.ProductID)
		if errors.Is(err, ErrNotFound) {
			log.Warn("release ignored: unknown product")
			s.metrics.release("not_found")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load inventory %s: %w", reserved.ProductID, err)
		}

		updated, err := s.store.ApplyMovement(ctx, rec.Version, Movement{
			OrderID:   cmd.OrderID,
			ProductID: reserved.ProductID,
			Kind:      MovementRelease,
			Quantity:  quantity,
			CreatedAt: s.now(),
		})
		switch {
		case err == nil:
			log.Info("inventory released", zap.Int("stock", updated.Stock))
			s.metrics.release("released")
			return nil
		case errors.Is(err, ErrVersionConflict):
			s.metrics.conflict("release")
			continue
		case errors.Is(err, ErrMovementExists):
			s.metrics.release("replayed")
			return nil
		case errors.Is(err, ErrNotFound):
			s.metrics.release("not_found")
			return nil
		default:
			return fmt.Errorf("release %s: %w", cmd.OrderID, err)
		}
	}

	s.metrics.release("contended")
	return fmt.Errorf("release %s: %w", cmd.OrderID, ErrCASExhausted)
}

var errInvalidQuantity = errors.New("quantity must be positive")

func reservedEvent(m Movement) contracts.InventoryReserved {
	return contracts.InventoryReserved{
		CorrelationID: m.OrderID,
		OrderID:       m.OrderID,
		ProductID:     m.ProductID,
		Quantity:      m.Quantity,
		ReservedAt:    m.CreatedAt,
	}
}

func (s *Service) failed(cmd contracts.ReserveInventory, available int, reason string) contracts.InventoryReservationFailed {
	return contracts.InventoryReservationFailed{
		CorrelationID:     cmd.OrderID,
		OrderID:           cmd.OrderID,
		ProductID:         cmd.ProductID,
		RequestedQuantity: cmd.Quantity,
		AvailableQuantity: available,
		Reason:            reason,
		FailedAt:          s.now(),
	}
}
