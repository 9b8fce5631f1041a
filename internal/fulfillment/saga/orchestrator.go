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

package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/internal/fulfillment/contracts"
	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
	"github.com/innovationmech/fulfillment/pkg/resilience"
)

// DefaultMaxConflicts bounds reload-and-reapply after version conflicts.
const DefaultMaxConflicts = 5

// Orchestrator applies events to saga instances through the transition table.
// Every state change is persisted together with the messages it emits; the
// messages are dispatched afterwards and cleared once sent.
type Orchestrator struct {
	repo         Repository
	publisher    messaging.Publisher
	clock        resilience.Clock
	maxConflicts int
	metrics      *Metrics
	table        map[transitionKey]transition
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c resilience.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMaxConflicts overrides DefaultMaxConflicts.
func WithMaxConflicts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConflicts = n
		}
	}
}

// WithMetrics records transitions.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator persisting to repo and emitting through publisher.
func NewOrchestrator(repo Repository, publisher messaging.Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:         repo,
		publisher:    publisher,
		clock:        resilience.SystemClock,
		maxConflicts: DefaultMaxConflicts,
		table:        transitionTable(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handler dispatches order-saga-queue deliveries by message type.
func (o *Orchestrator) Handler() messaging.MessageHandler {
	return messaging.NewRouter().
		RouteFunc(contracts.TypeOrderCreated, decodeAndApply[contracts.OrderCreated](o)).
		RouteFunc(contracts.TypeInventoryReserved, decodeAndApply[contracts.InventoryReserved](o)).
		RouteFunc(contracts.TypeInventoryReservationFailed, decodeAndApply[contracts.InventoryReservationFailed](o))
}

func decodeAndApply[T contracts.Contract](o *Orchestrator) func(ctx context.Context, msg *messaging.Message) error {
	return func(ctx context.Context, msg *messaging.Message) error {
		event, err := contracts.Decode[T](msg)
		if err != nil {
			return err
		}
		return o.Apply(ctx, event)
	}
}

// Apply feeds one event to the saga it correlates to.
func (o *Orchestrator) Apply(ctx context.Context, event contracts.Contract) error {
	id := event.CorrelationKey()
	log := logger.With(ctx, zap.String("order_id", id), zap.String("event", event.MessageType()))

	conflicts := 0
	retry := func(cause error) error {
		conflicts++
		o.metrics.conflict()
		if conflicts > o.maxConflicts {
			log.Error("saga update kept conflicting", zap.Int("conflicts", conflicts))
			return messaging.Permanent(fmt.Errorf("saga %s: %w: %v", id, ErrConflictsExhausted, cause))
		}
		log.Debug("saga version conflict, reloading", zap.Int("conflicts", conflicts))
		return nil
	}

	for {
		current, err := o.repo.Get(ctx, id)
		from := StateInitial
		switch {
		case errors.Is(err, ErrNotFound):
			current = nil
		case err != nil:
			return err
		default:
			from = current.State
		}

		if current != nil && len(current.Outbox) > 0 {
			current, err = o.dispatch(ctx, current)
			if err != nil {
				return err
			}
			// clearing the outbox may have reloaded a newer instance
			from = current.State
		}

		step, ok := o.table[transitionKey{from, event.MessageType()}]
		if !ok {
			o.ignore(log, current, from, event)
			return nil
		}

		next := &Instance{CorrelationID: id}
		if current != nil {
			next = current.Clone()
		}
		effects, err := step(next, event, o.clock.Now().UTC())
		if errors.Is(err, errIgnore) {
			o.ignore(log, current, from, event)
			return nil
		}
		if err != nil {
			return err
		}
		next.RetryCount += conflicts
		outgoing, err := encodeEffects(effects)
		if err != nil {
			return messaging.Permanent(err)
		}
		next.Outbox = append(next.Outbox, outgoing...)

		if current == nil {
			err = o.repo.Create(ctx, next)
		} else {
			err = o.repo.Update(ctx, next, current.Version)
		}
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAlreadyExists) {
			if rerr := retry(err); rerr != nil {
				return rerr
			}
			continue
		}
		if err != nil {
			return err
		}

		o.metrics.transition(from, next.State)
		log.Info("saga transitioned", zap.String("from", string(from)), zap.String("to", string(next.State)))

		_, err = o.dispatch(ctx, next)
		return err
	}
}

func (o *Orchestrator) ignore(log otelzap.LoggerWithCtx, current *Instance, from State, event contracts.Contract) {
	o.metrics.ignored(from, event.MessageType())
	if current == nil {
		log.Info("stray event for unknown saga discarded")
		return
	}
	log.Info("event not valid for saga state, acknowledged", zap.String("state", string(from)))
}

// Expire fails a pending saga with reason. Sagas in any other state are left alone.
func (o *Orchestrator) Expire(ctx context.Context, correlationID, reason string) error {
	return o.Apply(ctx, TimedOut{OrderID: correlationID, Reason: reason})
}

// Get returns the current snapshot.
func (o *Orchestrator) Get(ctx context.Context, correlationID string) (*Instance, error) {
	return o.repo.Get(ctx, correlationID)
}

func encodeEffects(effects []effect) ([]Outgoing, error) {
	if len(effects) == 0 {
		return nil, nil
	}
	out := make([]Outgoing, 0, len(effects))
	for _, e := range effects {
		msg, err := contracts.Encode(e.message)
		if err != nil {
			return nil, err
		}
		out = append(out, Outgoing{
			ID:          msg.ID,
			Destination: e.destination,
			Broadcast:   e.broadcast,
			Type:        msg.Type,
			Payload:     msg.Payload,
		})
	}
	return out, nil
}
