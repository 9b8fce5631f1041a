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

// Package app assembles the fulfillment services of one process from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/fulfillment/internal/fulfillment/catalog"
	"github.com/innovationmech/fulfillment/internal/fulfillment/config"
	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/internal/fulfillment/db"
	"github.com/innovationmech/fulfillment/internal/fulfillment/inventory"
	"github.com/innovationmech/fulfillment/internal/fulfillment/ordering"
	"github.com/innovationmech/fulfillment/internal/fulfillment/saga"
	"github.com/innovationmech/fulfillment/pkg/discovery"
	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
	kafkabroker "github.com/innovationmech/fulfillment/pkg/messaging/kafka"
	"github.com/innovationmech/fulfillment/pkg/messaging/memory"
	natsbroker "github.com/innovationmech/fulfillment/pkg/messaging/nats"
	"github.com/innovationmech/fulfillment/pkg/messaging/rabbitmq"
	"github.com/innovationmech/fulfillment/pkg/middleware"
	"github.com/innovationmech/fulfillment/pkg/resilience"
	"github.com/innovationmech/fulfillment/pkg/tracing"
)

// Role is a slice of the system one process can run.
type Role string

const (
	RoleAll       Role = "all"
	RoleSaga      Role = "saga"
	RoleInventory Role = "inventory"
	RoleCatalog   Role = "catalog"
	RoleOrdering  Role = "ordering"
)

// ParseRoles accepts role names, comma separated or repeated. "all" expands to every role.
func ParseRoles(names ...string) (map[Role]bool, error) {
	roles := map[Role]bool{}
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			switch r := Role(strings.TrimSpace(strings.ToLower(part))); r {
			case "":
			case RoleAll:
				for _, each := range []Role{RoleSaga, RoleInventory, RoleCatalog, RoleOrdering} {
					roles[each] = true
				}
			case RoleSaga, RoleInventory, RoleCatalog, RoleOrdering:
				roles[r] = true
			default:
				return nil, fmt.Errorf("unknown role %q", part)
			}
		}
	}
	if len(roles) == 0 {
		return nil, errors.New("at least one role is required")
	}
	return roles, nil
}

// Option customizes New.
type Option func(*App)

// WithInventoryStore uses store instead of opening the configured one.
func WithInventoryStore(store inventory.Store) Option {
	return func(a *App) { a.invStore = store }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithClock drives the saga, the sweeper and order timestamps from clock.
func WithClock(clock resilience.Clock) Option {
	return func(a *App) { a.clock = clock }
}

// App is one running fulfillment process.
type App struct {
	cfg      config.Config
	roles    map[Role]bool
	registry *prometheus.Registry
	clock    resilience.Clock

	broker          messaging.Broker
	consumerMetrics *messaging.ConsumerMetrics

	orchestrator *saga.Orchestrator
	sweeper      *saga.Sweeper
	invStore     inventory.Store
	invHandlers  *inventory.Handlers
	orders       *ordering.Service
	catalog      *catalog.Server

	discovery    *discovery.ServiceDiscovery
	registration discovery.Registration

	api     *API
	checks  map[string]Check
	closers []func() error
}

// New opens every dependency the roles need. Consumers start in Start.
func New(ctx context.Context, cfg config.Config, roles map[Role]bool, opts ...Option) (a *App, err error) {
	a = &App{cfg: cfg, roles: roles, checks: map[string]Check{}, clock: resilience.SystemClock}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(ctx, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(sctx)
		})
	}

	ns := cfg.Metrics.Namespace
	a.consumerMetrics = messaging.NewConsumerMetrics(ns, a.registry)
	if a.broker, err = openBroker(cfg.Broker, a.consumerMetrics); err != nil {
		return nil, err
	}

	var mysql *gormCloser
	if cfg.UsesMySQL() && (roles[RoleSaga] || roles[RoleOrdering]) {
		gdb, err := db.Open(cfg.MySQL)
		if err != nil {
			return nil, err
		}
		mysql = &gormCloser{db: gdb}
		a.closers = append(a.closers, mysql.Close)
		a.checks["mysql"] = mysql.Ping
	}

	if roles[RoleSaga] {
		if err := a.buildSaga(ctx, mysql); err != nil {
			return nil, err
		}
	}
	if roles[RoleInventory] || roles[RoleCatalog] {
		if err := a.openInventoryStore(ctx); err != nil {
			return nil, err
		}
	}
	if roles[RoleInventory] {
		svc := inventory.NewService(a.invStore,
			inventory.WithMaxCASAttempts(cfg.Inventory.MaxCASAttempts),
			inventory.WithMetrics(inventory.NewMetrics(ns, a.registry)),
			inventory.WithClock(func() time.Time { return a.clock.Now().UTC() }))
		a.invHandlers = inventory.NewHandlers(svc, a.broker)
	}
	if roles[RoleCatalog] {
		if err := a.buildCatalog(ctx); err != nil {
			return nil, err
		}
	}
	if roles[RoleOrdering] {
		if err := a.buildOrdering(ctx, mysql); err != nil {
			return nil, err
		}
	}

	a.api = &API{
		Orders:   a.orders,
		Sagas:    a.orchestrator,
		Checks:   a.checks,
		Gatherer: a.registry,
		CORS:     cfg.Server.CORS,

		HTTPMetrics: middleware.NewHTTPMetrics(ns, a.registry, "/metrics", "/healthz", "/readyz"),
	}
	if mb, ok := a.broker.(*memory.Broker); ok {
		a.api.DeadLetters = mb
	}
	return a, nil
}

func openBroker(cfg config.BrokerConfig, metrics *messaging.ConsumerMetrics) (messaging.Broker, error) {
	switch cfg.Kind {
	case config.BrokerMemory:
		return memory.NewBroker(memory.Options{QueueCapacity: cfg.QueueCapacity, Metrics: metrics}), nil
	case config.BrokerRabbitMQ:
		b, err := rabbitmq.Dial(cfg.RabbitMQ, metrics)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerNATS:
		b, err := natsbroker.Connect(cfg.NATS, metrics)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerKafka:
		b, err := kafkabroker.New(cfg.Kafka, metrics)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

func (a *App) buildSaga(ctx context.Context, mysql *gormCloser) error {
	var repo saga.Repository
	switch a.cfg.Saga.Store {
	case config.StoreMemory:
		mem := saga.NewMemoryRepository()
		mem.UseClock(a.clock)
		repo = mem
	case config.StoreMySQL:
		g := saga.NewGormRepository(mysql.db)
		if err := g.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate saga table: %w", err)
		}
		repo = g
	case config.StoreRedis:
		r, err := saga.OpenRedisRepository(ctx, a.cfg.Saga.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, r.Close)
		a.checks["saga-redis"] = r.Ping
		repo = r
	default:
		return fmt.Errorf("unknown saga store %q", a.cfg.Saga.Store)
	}

	metrics := saga.NewMetrics(a.cfg.Metrics.Namespace, a.registry)
	a.orchestrator = saga.NewOrchestrator(repo, a.broker,
		saga.WithClock(a.clock),
		saga.WithMaxConflicts(a.cfg.Saga.MaxConflicts),
		saga.WithMetrics(metrics))
	a.sweeper = saga.NewSweeper(repo, a.orchestrator, a.cfg.Saga.Sweeper, a.clock, metrics)
	return nil
}

func (a *App) openInventoryStore(ctx context.Context) error {
	if a.invStore == nil {
		switch a.cfg.Inventory.Store {
		case config.StoreMemory:
			a.invStore = inventory.NewMemoryStore()
		case config.StorePostgres:
			s, err := inventory.OpenSQLStore(ctx, a.cfg.Inventory.SQL)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, s.Close)
			a.checks["postgres"] = s.Ping
			a.invStore = s
		default:
			return fmt.Errorf("unknown inventory store %q", a.cfg.Inventory.Store)
		}
	}
	for _, p := range a.cfg.Inventory.Seed {
		if _, err := a.invStore.Put(ctx, inventory.Record{ProductID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock}); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}

func (a *App) buildCatalog(ctx context.Context) error {
	var cache catalog.Cache
	if c := a.cfg.Catalog.Cache; c.Enabled {
		client := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect product cache: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.checks["catalog-redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		cache = catalog.NewRedisCache(client, c.KeyPrefix, c.TTL)
	}
	a.catalog = catalog.NewServer(a.invStore, cache)
	return a.openDiscovery()
}

func (a *App) openDiscovery() error {
	if !a.cfg.Discovery.Enabled || a.discovery != nil {
		return nil
	}
	sd, err := discovery.NewServiceDiscovery(a.cfg.Discovery.ConsulAddress)
	if err != nil {
		return fmt.Errorf("consul client: %w", err)
	}
	a.discovery = sd
	return nil
}

func (a *App) buildOrdering(ctx context.Context, mysql *gormCloser) error {
	var store ordering.Store
	switch a.cfg.Ordering.Store {
	case config.StoreMemory:
		store = ordering.NewMemoryStore()
	case config.StoreMySQL:
		g := ordering.NewGormStore(mysql.db)
		if err := g.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate orders table: %w", err)
		}
		store = g
	default:
		return fmt.Errorf("unknown ordering store %q", a.cfg.Ordering.Store)
	}

	var resolver discovery.Resolver = discovery.Static(a.cfg.Catalog.BaseURL)
	if a.cfg.Discovery.Enabled {
		if err := a.openDiscovery(); err != nil {
			return err
		}
		resolver = a.discovery
	}
	client, err := catalog.NewHTTPClient(resolver, a.cfg.Catalog.Client,
		catalog.WithBreakerMetrics(resilience.NewBreakerMetrics(a.cfg.Metrics.Namespace, a.registry)))
	if err != nil {
		return err
	}
	a.orders = ordering.NewService(client, store, a.broker, ordering.WithClock(a.clock))
	return nil
}

// Handler is the ops and order API.
func (a *App) Handler() http.Handler { return a.api.Router() }

// CatalogHandler is the product service, nil unless the catalog role runs.
func (a *App) CatalogHandler() http.Handler {
	if a.catalog == nil {
		return nil
	}
	return a.catalog
}

// Broker is the transport in use.
func (a *App) Broker() messaging.Broker { return a.broker }

// Start begins consuming every queue the roles own.
func (a *App) Start(ctx context.Context) error {
	q := a.cfg.Queues
	mw := func(opts messaging.ConsumerOptions) []messaging.Middleware {
		return messaging.Standard(a.consumerMetrics, opts.HandlerTimeout)
	}
	if a.orchestrator != nil {
		h := messaging.Chain(a.orchestrator.Handler(), mw(q.Saga)...)
		if err := a.broker.Consume(ctx, contracts.OrderSagaQueue, q.Saga, h); err != nil {
			return fmt.Errorf("consume %s: %w", contracts.OrderSagaQueue, err)
		}
	}
	if a.invHandlers != nil {
		if err := a.invHandlers.Register(ctx, a.broker, q.Reserve, q.Release, mw); err != nil {
			return err
		}
	}
	if a.orders != nil {
		if err := a.orders.RegisterListener(ctx, a.broker, q.Events, mw(q.Events)...); err != nil {
			return err
		}
	}
	return nil
}

// Run starts consumers, the HTTP servers and the sweeper, and blocks until
// ctx is cancelled. Servers are then shut down and dependencies closed.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			logger.GetLogger().Warn("close failed", zap.Error(err))
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}
	if a.catalog != nil && a.discovery != nil {
		if err := a.register(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{{Addr: a.cfg.Server.Addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}}
	if a.catalog != nil {
		servers = append(servers, &http.Server{Addr: a.cfg.Catalog.Addr, Handler: a.catalog, ReadHeaderTimeout: 5 * time.Second})
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.GetLogger().Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if a.discovery != nil && a.registration.Name != "" {
			if err := a.discovery.Deregister(sctx, a.registration); err != nil {
				logger.GetLogger().Warn("consul deregister failed", zap.Error(err))
			}
		}
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (a *App) register(ctx context.Context) error {
	_, portText, err := net.SplitHostPort(a.cfg.Catalog.Addr)
	if err != nil {
		return fmt.Errorf("catalog addr: %w", err)
	}
	port := a.cfg.Discovery.AdvertisePort
	if port == 0 {
		if port, err = strconv.Atoi(portText); err != nil {
			return fmt.Errorf("catalog port: %w", err)
		}
	}
	reg := discovery.Registration{
		Name:    a.cfg.Catalog.Client.Service,
		Address: a.cfg.Discovery.AdvertiseAddress,
		Port:    port,
		Tags:    []string{"fulfillment", "products"},
	}
	if err := a.discovery.Register(ctx, reg); err != nil {
		return err
	}
	a.registration = reg
	logger.GetLogger().Info("registered with consul", zap.String("service", reg.Name), zap.Int("port", port))
	return nil
}

// Close stops the broker, waiting for in-flight handlers, then releases the
// other dependencies in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
		a.broker = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
