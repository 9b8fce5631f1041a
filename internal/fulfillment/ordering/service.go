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
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/internal/fulfillment/catalog"
	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
	"github.com/innovationmech/fulfillment/pkg/resilience"
)

// RejectedError is a synchronous business rejection of an order.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "order rejected: " + e.Reason }

// IsRejected reports whether err is a *RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// ItemRequest is one requested line.
type ItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// CreateOrderRequest is the input of CreateOrder.
type CreateOrderRequest struct {
	CustomerID      string        `json:"customerId" binding:"required"`
	CustomerName    string        `json:"customerName"`
	ShippingAddress string        `json:"shippingAddress"`
	Notes           string        `json:"notes"`
	Items           []ItemRequest `json:"items" binding:"required,min=1,dive"`
}

// Option configures Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c resilience.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator sets how order ids are made.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// Service creates orders.
type Service struct {
	catalog   catalog.Catalog
	store     Store
	publisher messaging.Publisher
	clock     resilience.Clock
	newID     func() string
}

// NewService builds the order service.
func NewService(c catalog.Catalog, store Store, publisher messaging.Publisher, opts ...Option) *Service {
	s := &Service{
		catalog:   c,
		store:     store,
		publisher: publisher,
		clock:     resilience.SystemClock,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder checks the catalog, records the order as pending, starts its
// saga and marks it processing. Missing products or short stock return a
// *RejectedError; an unreachable catalog returns a *catalog.TransientError.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, &RejectedError{Reason: "Order must contain at least one item"}
	}
	ids := make([]string, 0, len(req.Items))
	seen := make(map[string]bool, len(req.Items))
	checks := make([]catalog.StockCheckRequest, 0, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" || it.Quantity <= 0 {
			return nil, &RejectedError{Reason: fmt.Sprintf("Invalid item %q: quantity must be positive", it.ProductID)}
		}
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
		checks = append(checks, catalog.StockCheckRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}
	byID := make(map[string]catalog.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &RejectedError{Reason: "Products not found: " + strings.Join(missing, ", ")}
	}

	results, err := s.catalog.CheckStock(ctx, checks)
	if err != nil {
		return nil, fmt.Errorf("check stock: %w", err)
	}
	var short []string
	for _, r := range results {
		if !r.IsAvailable {
			short = append(short, fmt.Sprintf("%s: requested %d, available %d", r.ProductName, r.RequestedQuantity, r.AvailableStock))
		}
	}
	if len(short) > 0 {
		return nil, &RejectedError{Reason: "Insufficient stock: " + strings.Join(short, "; ")}
	}

	now := s.now()
	order := &Order{
		ID:              s.newID(),
		CustomerID:      req.CustomerID,
		CustomerName:    req.CustomerName,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, it := range req.Items {
		p := byID[it.ProductID]
		line := Item{
			ProductID:   it.ProductID,
			ProductName: p.Name,
			Quantity:    it.Quantity,
			UnitPrice:   p.Price,
			TotalPrice:  float64(it.Quantity) * p.Price,
		}
		order.Items = append(order.Items, line)
		order.TotalAmount += line.TotalPrice
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, err
	}

	// one saga per order, driven by the first line
	first := order.Items[0]
	msg, err := contracts.Encode(contracts.OrderCreated{
		OrderID:    order.ID,
		ProductID:  first.ProductID,
		Quantity:   first.Quantity,
		Price:      order.TotalAmount,
		CustomerID: order.CustomerID,
		CreatedAt:  order.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Send(ctx, contracts.OrderSagaQueue, msg); err != nil {
		return nil, fmt.Errorf("start saga for order %s: %w", order.ID, err)
	}

	log := logger.Ctx(ctx)
	updated, err := s.store.Transition(ctx, order.ID, StatusChange{To: StatusProcessing, At: s.now()})
	switch {
	case err == nil:
		order = updated
	case errors.Is(err, ErrInvalidTransition):
		// the saga already finished
		if current, gerr := s.store.Get(ctx, order.ID); gerr == nil {
			order = current
		}
	default:
		log.Warn("order left pending after saga start", zap.String("order_id", order.ID), zap.Error(err))
	}

	log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Int("items", len(order.Items)),
		zap.Float64("total", order.TotalAmount))
	return order, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByCustomer returns a customer's orders, oldest first.
func (s *Service) ListByCustomer(ctx context.Context, customerID string) ([]*Order, error) {
	return s.store.ListByCustomer(ctx, customerID)
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }
