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

package app

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/internal/fulfillment/catalog"
	"github.com/innovationmech/fulfillment/internal/fulfillment/config"
	"github.com/innovationmech/fulfillment/internal/fulfillment/ordering"
	"github.com/innovationmech/fulfillment/internal/fulfillment/saga"
	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging/memory"
	"github.com/innovationmech/fulfillment/pkg/middleware"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// DeadLetterStore exposes dead-lettered messages for inspection and replay.
type DeadLetterStore interface {
	DeadLetters(queue string) []memory.DeadLetter
	Replay(ctx context.Context, queue string) (int, error)
}

// API is the ops and order HTTP surface. Nil components leave their routes unregistered.
type API struct {
	Orders      *ordering.Service
	Sagas       *saga.Orchestrator
	DeadLetters DeadLetterStore
	Checks      map[string]Check
	Gatherer    prometheus.Gatherer
	HTTPMetrics *middleware.HTTPMetrics
	CORS        config.CORSConfig
}

// Router builds the gin engine.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(),
		middleware.Tracing("/healthz", "/readyz", "/metrics"),
		middleware.RequestLogger(middleware.DefaultRequestLoggerConfig()))
	if a.HTTPMetrics != nil {
		router.Use(a.HTTPMetrics.Middleware())
	}
	if a.CORS.Enabled {
		router.Use(cors.New(cors.Config{
			AllowOrigins: a.CORS.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:       a.CORS.MaxAge,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/readyz", a.ready)
	if a.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	if a.Orders != nil {
		v1.POST("/orders", a.createOrder)
		v1.GET("/orders/:id", a.getOrder)
		v1.GET("/customers/:id/orders", a.listOrders)
	}
	if a.Sagas != nil {
		v1.GET("/sagas/:id", a.getSaga)
	}
	if a.DeadLetters != nil {
		v1.GET("/dead-letters/:queue", a.listDeadLetters)
		v1.POST("/dead-letters/:queue/replay", a.replayDeadLetters)
	}
	return router
}

func (a *API) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(a.Checks))
	for name := range a.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	deps := gin.H{}
	for _, name := range names {
		if err := a.Checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			continue
		}
		deps[name] = "up"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}

func (a *API) createOrder(c *gin.Context) {
	var req ordering.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := a.Orders.CreateOrder(c.Request.Context(), req)
	var rejected *ordering.RejectedError
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, order)
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rejected.Reason})
	case catalog.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "product service unavailable, try again later"})
	default:
		logger.Ctx(c.Request.Context()).Error("create order failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (a *API) getOrder(c *gin.Context) {
	order, err := a.Orders.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ordering.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (a *API) listOrders(c *gin.Context) {
	orders, err := a.Orders.ListByCustomer(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (a *API) getSaga(c *gin.Context) {
	inst, err := a.Sagas.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, saga.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

type deadLetterView struct {
	MessageID string    `json:"messageId"`
	Type      string    `json:"type"`
	Key       string    `json:"key,omitempty"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
	Payload   string    `json:"payload"`
}

func (a *API) listDeadLetters(c *gin.Context) {
	letters := a.DeadLetters.DeadLetters(c.Param("queue"))
	out := make([]deadLetterView, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterView{
			MessageID: dl.Message.ID,
			Type:      dl.Message.Type,
			Key:       dl.Message.Key,
			Reason:    dl.Reason,
			Attempts:  dl.Attempts,
			At:        dl.At,
			Payload:   string(dl.Message.Payload),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) replayDeadLetters(c *gin.Context) {
	n, err := a.DeadLetters.Replay(c.Request.Context(), c.Param("queue"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "replayed": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": n})
}
