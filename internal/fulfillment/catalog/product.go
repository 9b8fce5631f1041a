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

// Package catalog serves product and stock lookups over HTTP and provides the
// resilient client the ordering service calls before a saga starts.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/innovationmech/fulfillment/internal/fulfillment/inventory"
)

// ErrProductNotFound is returned by GetProduct for unknown ids.
var ErrProductNotFound = errors.New("product not found")

// Product is the product DTO exchanged with the product service.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name" validate:"required"`
	Price       float64 `json:"price" validate:"gte=0"`
	Stock       int     `json:"stock" validate:"gte=0"`
}

// StockCheckRequest asks whether quantity units of a product are on hand.
type StockCheckRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// StockCheckResult answers one StockCheckRequest.
type StockCheckResult struct {
	ProductID         string `json:"productId"`
	ProductName       string `json:"productName"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableStock    int    `json:"availableStock"`
	IsAvailable       bool   `json:"isAvailable"`
}

// Catalog is the product lookup used by order creation.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	// GetProducts skips unknown ids.
	GetProducts(ctx context.Context, ids []string) ([]Product, error)
	CheckStock(ctx context.Context, items []StockCheckRequest) ([]StockCheckResult, error)
}

// TransientError means the product service could not be reached in time: the
// retries were exhausted or the circuit was open. Callers reject the request.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("catalog %s unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("product service returned %d", e.Code)
	}
	return fmt.Sprintf("product service returned %d: %s", e.Code, e.Body)
}

func fromRecord(rec inventory.Record) Product {
	return Product{ID: rec.ProductID, Name: rec.Name, Price: rec.Price, Stock: rec.Stock}
}

func (p Product) record() inventory.Record {
	return inventory.Record{ProductID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock}
}

func checkStock(req StockCheckRequest, p *Product) StockCheckResult {
	res := StockCheckResult{ProductID: req.ProductID, RequestedQuantity: req.Quantity}
	if p == nil {
		return res
	}
	res.ProductName = p.Name
	res.AvailableStock = p.Stock
	res.IsAvailable = p.Stock >= req.Quantity
	return res
}
