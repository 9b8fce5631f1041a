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
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/fulfillment/internal/fulfillment/inventory"
	"github.com/innovationmech/fulfillment/pkg/discovery"
	"github.com/innovationmech/fulfillment/pkg/resilience"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Retry.MaxRetries = 2
	cfg.AttemptTimeout = 2 * time.Second
	return cfg
}

func newTestClient(t *testing.T, baseURL string, cfg ClientConfig, opts ...ClientOption) *HTTPClient {
	t.Helper()
	opts = append([]ClientOption{WithRetrySleep(noSleep)}, opts...)
	c, err := NewHTTPClient(discovery.Static(baseURL), cfg, opts...)
	require.NoError(t, err)
	return c
}

func seededServer(t *testing.T) (*httptest.Server, *inventory.MemoryStore) {
	t.Helper()
	store := inventory.NewMemoryStore()
	_, err := store.Put(context.Background(), inventory.Record{ProductID: "P1", Name: "Widget", Price: 9.5, Stock: 5})
	require.NoError(t, err)
	_, err = store.Put(context.Background(), inventory.Record{ProductID: "P2", Name: "Gadget", Price: 20, Stock: 1})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(store, nil))
	t.Cleanup(srv.Close)
	return srv, store
}

func TestHTTPClientAgainstServer(t *testing.T) {
	srv, _ := seededServer(t)
	client := newTestClient(t, srv.URL, testClientConfig())
	ctx := context.Background()

	p, err := client.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, Product{ID: "P1", Name: "Widget", Price: 9.5, Stock: 5}, p)

	_, err = client.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.False(t, IsTransient(err))

	products, err := client.GetProducts(ctx, []string{"P1", "missing", "P2"})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "P1", products[0].ID)
	assert.Equal(t, "P2", products[1].ID)

	results, err := client.CheckStock(ctx, []StockCheckRequest{
		{ProductID: "P1", Quantity: 2},
		{ProductID: "P2", Quantity: 2},
		{ProductID: "missing", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []StockCheckResult{
		{ProductID: "P1", ProductName: "Widget", RequestedQuantity: 2, AvailableStock: 5, IsAvailable: true},
		{ProductID: "P2", ProductName: "Gadget", RequestedQuantity: 2, AvailableStock: 1, IsAvailable: false},
		{ProductID: "missing", RequestedQuantity: 1},
	}, results)

	assert.Equal(t, resilience.StateClosed, client.Breaker().State())
}

func TestHTTPClientRetries(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []int
		retryStatuses []int
		wantHits      int32
		wantErr       bool
		wantTransient bool
	}{
		{
			name:     "recovers after transient 503",
			statuses: []int{503, 503, 200},
			wantHits: 3,
		},
		{
			name:          "exhausted retries surface a transient error",
			statuses:      []int{500, 502, 504, 200},
			wantHits:      3,
			wantErr:       true,
			wantTransient: true,
		},
		{
			name:     "client error is not retried",
			statuses: []int{400, 200},
			wantHits: 1,
			wantErr:  true,
		},
		{
			name:          "404 retried when configured",
			statuses:      []int{404, 200},
			retryStatuses: []int{404, 503},
			wantHits:      2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := hits.Add(1)
				code := tt.statuses[int(n)-1]
				if code != http.StatusOK {
					w.WriteHeader(code)
					return
				}
				writeJSON(w, http.StatusOK, Product{ID: "P1", Name: "Widget"})
			}))
			defer srv.Close()

			cfg := testClientConfig()
			if tt.retryStatuses != nil {
				cfg.RetryStatuses = tt.retryStatuses
			}
			client := newTestClient(t, srv.URL, cfg)

			p, err := client.GetProduct(context.Background(), "P1")
			assert.Equal(t, tt.wantHits, hits.Load())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "Widget", p.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			var se *StatusError
			assert.True(t, errors.As(err, &se))
		})
	}
}

func TestHTTPClientAttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		writeJSON(w, http.StatusOK, Product{ID: "P1", Name: "Widget"})
	}))
	defer srv.Close()
	defer close(release)

	cfg := testClientConfig()
	cfg.AttemptTimeout = 50 * time.Millisecond
	client := newTestClient(t, srv.URL, cfg)

	p, err := client.GetProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url, testClientConfig())
	_, err := client.CheckStock(context.Background(), []StockCheckRequest{{ProductID: "P1", Quantity: 1}})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPClientCircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	var healthy atomic.Bool
	entered := make(chan struct{}, 4)
	gate := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		entered <- struct{}{}
		<-gate
		writeJSON(w, http.StatusOK, Product{ID: "P1", Name: "Widget", Stock: 3})
	}))
	defer srv.Close()

	clock := resilience.NewManualClock(t0)
	cfg := testClientConfig()
	client := newTestClient(t, srv.URL, cfg, WithClientClock(clock))
	ctx := context.Background()
	attemptsPerCall := int32(cfg.Retry.MaxRetries + 1)

	for i := 0; i < 5; i++ {
		_, err := client.GetProduct(ctx, "P1")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	}
	assert.Equal(t, 5*attemptsPerCall, hits.Load())
	assert.Equal(t, resilience.StateOpen, client.Breaker().State())

	// during the cool-down the call fails without reaching the server
	_, err := client.GetProduct(ctx, "P1")
	assert.ErrorIs(t, err, resilience.ErrOpenState)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 5*attemptsPerCall, hits.Load())

	clock.Advance(29 * time.Second)
	_, err = client.GetProduct(ctx, "P1")
	assert.ErrorIs(t, err, resilience.ErrOpenState)

	clock.Advance(time.Second)
	healthy.Store(true)
	assert.Equal(t, resilience.StateHalfOpen, client.Breaker().State())

	probe := make(chan error, 1)
	go func() {
		_, err := client.GetProduct(ctx, "P1")
		probe <- err
	}()
	<-entered

	_, err = client.GetProduct(ctx, "P1")
	assert.ErrorIs(t, err, resilience.ErrTooManyRequests)
	assert.Equal(t, 5*attemptsPerCall+1, hits.Load())

	close(gate)
	require.NoError(t, <-probe)
	assert.Equal(t, resilience.StateClosed, client.Breaker().State())

	_, err = client.GetProduct(ctx, "P1")
	require.NoError(t, err)
}

func TestHTTPClientFailedProbeReopens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := resilience.NewManualClock(t0)
	cfg := testClientConfig()
	cfg.Retry.MaxRetries = 0
	client := newTestClient(t, srv.URL, cfg, WithClientClock(clock))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = client.GetProducts(ctx, []string{"P1"})
	}
	require.Equal(t, resilience.StateOpen, client.Breaker().State())

	clock.Advance(30 * time.Second)
	_, err := client.GetProducts(ctx, []string{"P1"})
	require.Error(t, err)
	assert.False(t, resilience.IsRejection(err))
	assert.Equal(t, resilience.StateOpen, client.Breaker().State())
}

func TestHTTPClientNotFoundDoesNotTripBreaker(t *testing.T) {
	srv, _ := seededServer(t)
	client := newTestClient(t, srv.URL, testClientConfig())

	for i := 0; i < 10; i++ {
		_, err := client.GetProduct(context.Background(), "missing")
		require.ErrorIs(t, err, ErrProductNotFound)
	}
	assert.Equal(t, resilience.StateClosed, client.Breaker().State())
}

func TestHTTPClientCallerDeadlineDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"P1","name":"Widget","price":9.5,"stock":5}`))
		}
	}))
	t.Cleanup(srv.Close)
	client := newTestClient(t, srv.URL, testClientConfig())

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := client.GetProduct(ctx, "P1")
		cancel()
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	}
	assert.Equal(t, resilience.StateClosed, client.Breaker().State())

	p, err := client.GetProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(nil, DefaultClientConfig())
	assert.Error(t, err)

	cfg := DefaultClientConfig()
	cfg.Breaker.FailureThreshold = 0
	_, err = NewHTTPClient(discovery.Static("http://localhost"), cfg)
	assert.Error(t, err)

	cfg = DefaultClientConfig()
	cfg.Retry.Multiplier = 0
	_, err = NewHTTPClient(discovery.Static("http://localhost"), cfg)
	assert.Error(t, err)
}
