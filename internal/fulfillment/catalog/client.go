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

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/discovery"
	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/resilience"
)

// DefaultRetryStatuses are the response codes retried by default.
var DefaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// ClientConfig configures HTTPClient.
type ClientConfig struct {
	// Service is the name resolved through discovery for every attempt.
	Service string `mapstructure:"service"`

	// AttemptTimeout bounds a single HTTP attempt.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	Retry         resilience.Config               `mapstructure:"retry"`
	Breaker       resilience.CircuitBreakerConfig `mapstructure:"breaker"`
	RetryStatuses []int                           `mapstructure:"retry_statuses"`
	UserAgent     string                          `mapstructure:"user_agent"`
}

// DefaultClientConfig is a 10s attempt timeout, three exponential retries
// starting at 200ms and a breaker that opens after five failed calls for 30s.
func DefaultClientConfig() ClientConfig {
	retry := resilience.Default()
	retry.InitialDelay = 100 * time.Millisecond
	retry.MaxDelay = 2 * time.Second

	breaker := resilience.DefaultCircuitBreakerConfig()
	breaker.Name = "catalog"

	return ClientConfig{
		Service:        "catalog",
		AttemptTimeout: 10 * time.Second,
		Retry:          retry,
		Breaker:        breaker,
		RetryStatuses:  append([]int(nil), DefaultRetryStatuses...),
		UserAgent:      "fulfillment-ordering/1.0",
	}
}

// ClientOption customizes HTTPClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	clock    resilience.Clock
	metrics  *resilience.BreakerMetrics
	sleep    resilience.SleepFn
	httpDoer *http.Client
}

// WithClientClock drives the breaker cool-down from clock.
func WithClientClock(clock resilience.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = clock }
}

// WithBreakerMetrics exports breaker state.
func WithBreakerMetrics(m *resilience.BreakerMetrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// WithRetrySleep replaces the wait between retries.
func WithRetrySleep(fn resilience.SleepFn) ClientOption {
	return func(o *clientOptions) { o.sleep = fn }
}

// WithHTTPClient sets the underlying transport client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpDoer = c }
}

// HTTPClient calls the product service. Every call runs through
// breaker → retry → per-attempt timeout.
type HTTPClient struct {
	rest     *resty.Client
	resolver discovery.Resolver
	service  string
	breaker  *resilience.CircuitBreaker
	policy   resilience.Decorator
	retryOn  map[int]bool
}

var _ Catalog = (*HTTPClient)(nil)

// NewHTTPClient builds a client that resolves the product service through resolver.
func NewHTTPClient(resolver discovery.Resolver, cfg ClientConfig, opts ...ClientOption) (*HTTPClient, error) {
	if resolver == nil {
		return nil, errors.New("catalog client needs a resolver")
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &HTTPClient{
		resolver: resolver,
		service:  cfg.Service,
		retryOn:  make(map[int]bool, len(cfg.RetryStatuses)),
	}
	for _, code := range cfg.RetryStatuses {
		c.retryOn[code] = true
	}

	if o.httpDoer != nil {
		c.rest = resty.NewWithClient(o.httpDoer)
	} else {
		c.rest = resty.New()
	}
	if cfg.UserAgent != "" {
		c.rest.SetHeader("User-Agent", cfg.UserAgent)
	}
	c.rest.SetHeader("Accept", "application/json")

	breakerCfg := cfg.Breaker
	breakerCfg.Clock = o.clock
	breakerCfg.Metrics = o.metrics
	breakerCfg.IsSuccessful = c.healthy
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		logger.GetLogger().Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return nil, fmt.Errorf("catalog breaker: %w", err)
	}
	c.breaker = breaker

	retryOpts := []resilience.Option{
		resilience.WithShouldRetry(c.retryable),
		resilience.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.GetLogger().Info("retrying product service call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
	}
	if o.sleep != nil {
		retryOpts = append(retryOpts, resilience.WithSleep(o.sleep))
	}
	retry, err := resilience.NewExecutor(cfg.Retry, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("catalog retry: %w", err)
	}

	c.policy = resilience.Chain(breaker.Decorator(), retry.Decorator(), resilience.Timeout(cfg.AttemptTimeout))
	return c, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *HTTPClient) Breaker() *resilience.CircuitBreaker { return c.breaker }

// GetProduct returns ErrProductNotFound for unknown ids.
func (c *HTTPClient) GetProduct(ctx context.Context, id string) (Product, error) {
	var p Product
	err := c.call(ctx, "get product", func(ctx context.Context, base string) error {
		return c.do(ctx, http.MethodGet, base+"/api/products/"+url.PathEscape(id), nil, &p)
	})
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (c *HTTPClient) GetProducts(ctx context.Context, ids []string) ([]Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Product
	err := c.call(ctx, "get products", func(ctx context.Context, base string) error {
		out = nil
		return c.do(ctx, http.MethodPost, base+"/api/products/bulk", ids, &out)
	})
	return out, err
}

func (c *HTTPClient) CheckStock(ctx context.Context, items []StockCheckRequest) ([]StockCheckResult, error) {
	var out []StockCheckResult
	err := c.call(ctx, "check stock", func(ctx context.Context, base string) error {
		out = nil
		return c.do(ctx, http.MethodPost, base+"/api/products/check-stock", items, &out)
	})
	return out, err
}

func (c *HTTPClient) call(ctx context.Context, op string, attempt func(ctx context.Context, base string) error) error {
	err := c.policy(func(ctx context.Context) error {
		base, err := c.resolver.Resolve(ctx, c.service)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", c.service, err)
		}
		return attempt(ctx, base)
	})(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if resilience.IsRejection(err) || c.retryable(err) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body, out any) error {
	req := c.rest.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, target)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 256)}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// retryable covers transport failures, attempt timeouts and the configured statuses.
func (c *HTTPClient) retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return c.retryOn[se.Code]
	}
	var de *decodeError
	return !errors.As(err, &de)
}

// healthy decides what the breaker counts as a failure. Non-retryable 4xx
// responses count as successes.
func (c *HTTPClient) healthy(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code < 500 && !c.retryOn[se.Code]
	}
	return false
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode product service response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
