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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/innovationmech/fulfillment/internal/fulfillment/ordering"
)

type placeOrderOptions struct {
	server   string
	customer string
	items    []string
	wait     time.Duration
	poll     time.Duration
}

// NewPlaceOrderCommand submits an order to the order API and follows it to a terminal status.
func NewPlaceOrderCommand() *cobra.Command {
	opts := placeOrderOptions{}
	cmd := &cobra.Command{
		Use:     "place-order",
		Short:   "Submit an order and follow its status",
		Example: "  fulfillment place-order --customer C1 --item P1=2 --item P2=1",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return placeOrder(cmd.Context(), cmd.OutOrStdout(), resty.New(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "order API base URL")
	cmd.Flags().StringVar(&opts.customer, "customer", "", "customer id")
	cmd.Flags().StringArrayVar(&opts.items, "item", nil, "line item as PRODUCT=QUANTITY, repeatable")
	cmd.Flags().DurationVar(&opts.wait, "wait", 30*time.Second, "how long to follow the order; 0 returns right after submission")
	cmd.Flags().DurationVar(&opts.poll, "poll", 500*time.Millisecond, "status poll interval")
	_ = cmd.MarkFlagRequired("customer")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func parseItems(raw []string) ([]ordering.ItemRequest, error) {
	items := make([]ordering.ItemRequest, 0, len(raw))
	for _, r := range raw {
		id, qty, ok := strings.Cut(r, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("item %q: want PRODUCT=QUANTITY", r)
		}
		n, err := strconv.Atoi(qty)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("item %q: quantity must be a positive integer", r)
		}
		items = append(items, ordering.ItemRequest{ProductID: id, Quantity: n})
	}
	return items, nil
}

type apiError struct {
	Error string `json:"error"`
}

func placeOrder(ctx context.Context, out io.Writer, client *resty.Client, opts placeOrderOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	items, err := parseItems(opts.items)
	if err != nil {
		return err
	}

	var order ordering.Order
	var failure apiError
	resp, err := client.R().
		SetContext(ctx).
		SetBody(ordering.CreateOrderRequest{CustomerID: opts.customer, Items: items}).
		SetResult(&order).
		SetError(&failure).
		Post(strings.TrimRight(opts.server, "/") + "/api/v1/orders")
	if err != nil {
		return fmt.Errorf("submit order: %w", err)
	}
	if resp.IsError() {
		color.New(color.FgRed, color.Bold).Fprintf(out, "✗ order rejected (%d): %s\n", resp.StatusCode(), failure.Error)
		return errors.New("order rejected")
	}
	fmt.Fprintf(out, "order %s accepted, total %.2f, status %s\n", color.CyanString(order.ID), order.TotalAmount, order.Status)

	if opts.wait <= 0 {
		return nil
	}
	final, err := follow(ctx, client, opts, order)
	if err != nil {
		return err
	}
	switch final.Status {
	case ordering.StatusCompleted:
		color.New(color.FgGreen, color.Bold).Fprintf(out, "✓ order %s completed\n", final.ID)
		return nil
	case ordering.StatusFailed:
		color.New(color.FgRed, color.Bold).Fprintf(out, "✗ order %s failed: %s\n", final.ID, final.FailureReason)
		return errors.New("order failed")
	default:
		color.New(color.FgYellow).Fprintf(out, "… order %s still %s after %s\n", final.ID, final.Status, opts.wait)
		return nil
	}
}

func follow(ctx context.Context, client *resty.Client, opts placeOrderOptions, order ordering.Order) (ordering.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()

	url := strings.TrimRight(opts.server, "/") + "/api/v1/orders/" + order.ID
	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for !order.Status.Terminal() {
		select {
		case <-ctx.Done():
			return order, nil
		case <-ticker.C:
		}
		var latest ordering.Order
		resp, err := client.R().SetContext(ctx).SetResult(&latest).Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return order, nil
			}
			return order, fmt.Errorf("get order: %w", err)
		}
		if resp.IsError() {
			return order, fmt.Errorf("get order: status %d", resp.StatusCode())
		}
		order = latest
	}
	return order, nil
}
