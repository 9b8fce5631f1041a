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

// Package rabbitmq implements messaging.Broker on AMQP 0.9.1.
//
// Work queues are durable queues on the default exchange, each with a
// companion dead-letter queue. Topics are fanout exchanges with one durable
// queue per subscriber group. Redeliveries are republished with an increased
// attempt header once their delay has passed; the original delivery stays
// unacknowledged until then.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

// channel is the subset of *amqp.Channel the broker uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Broker implements messaging.Broker.
type Broker struct {
	cfg     Config
	conn    *amqp.Connection
	open    func() (channel, error)
	metrics *messaging.ConsumerMetrics

	pubMu sync.Mutex
	pub   channel

	mu       sync.Mutex
	declared map[string]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ messaging.Broker = (*Broker)(nil)

// Dial connects to cfg.URL.
func Dial(cfg Config, metrics *messaging.ConsumerMetrics) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	b, err := newBroker(cfg, func() (channel, error) { return conn.Channel() }, metrics)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

func newBroker(cfg Config, open func() (channel, error), metrics *messaging.ConsumerMetrics) (*Broker, error) {
	pub, err := open()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:      cfg,
		open:     open,
		metrics:  metrics,
		pub:      pub,
		declared: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (b *Broker) deadLetterQueue(queue string) string { return queue + b.cfg.DeadLetterSuffix }

func groupQueue(topic, group string) string { return topic + "." + group }

// declareQueue declares queue and its dead-letter queue once per broker.
func (b *Broker) declareQueue(ch channel, queue string) error {
	b.mu.Lock()
	done := b.declared["q:"+queue]
	b.mu.Unlock()
	if done {
		return nil
	}

	dlq := b.deadLetterQueue(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}

	b.mu.Lock()
	b.declared["q:"+queue] = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) declareExchange(ch channel, topic string) error {
	b.mu.Lock()
	done := b.declared["x:"+topic]
	b.mu.Unlock()
	if done {
		return nil
	}
	if err := ch.ExchangeDeclare(topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	b.mu.Lock()
	b.declared["x:"+topic] = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Send implements messaging.Publisher.
func (b *Broker) Send(ctx context.Context, queue string, msg *messaging.Message) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	messaging.Stamp(ctx, msg)
	msg.SetHeader(messaging.HeaderAttempt, "1")

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if err := b.declareQueue(b.pub, queue); err != nil {
		return err
	}
	if err := b.pub.Publish("", queue, false, false, toPublishing(msg)); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	b.metrics.Publish(queue, msg.Type)
	return nil
}

// Publish implements messaging.Publisher.
func (b *Broker) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	messaging.Stamp(ctx, msg)
	msg.SetHeader(messaging.HeaderAttempt, "1")

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if err := b.declareExchange(b.pub, topic); err != nil {
		return err
	}
	if err := b.pub.Publish(topic, "", false, false, toPublishing(msg)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	b.metrics.Publish(topic, msg.Type)
	return nil
}

// republish sends msg to queue on the publishing channel.
func (b *Broker) republish(queue string, msg *messaging.Message) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pub.Publish("", queue, false, false, toPublishing(msg))
}

// Subscribe implements messaging.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	if group == "" {
		return errors.New("subscription group is required")
	}
	queue := groupQueue(topic, group)
	return b.consume(ctx, queue, opts, handler, func(ch channel) error {
		if err := b.declareExchange(ch, topic); err != nil {
			return err
		}
		if err := b.declareQueue(ch, queue); err != nil {
			return err
		}
		return ch.QueueBind(queue, "", topic, false, nil)
	})
}

// Consume implements messaging.Broker.
func (b *Broker) Consume(ctx context.Context, queue string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	return b.consume(ctx, queue, opts, handler, func(ch channel) error {
		return b.declareQueue(ch, queue)
	})
}

func (b *Broker) consume(ctx context.Context, queue string, opts messaging.ConsumerOptions, handler messaging.MessageHandler, topology func(channel) error) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	opts = opts.WithDefaults()

	ch, err := b.open()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := topology(ch); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos on %s: %w", queue, err)
	}
	tag := queue + "-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	cctx, cancel := context.WithCancel(b.ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-cctx.Done():
		}
		cancel()
		// the server stops delivering and closes the deliveries channel
		_ = ch.Cancel(tag, false)
	}()

	// in-flight handlers and pending redeliveries finish after the consumer stops
	hctx := context.WithoutCancel(cctx)
	var inflight sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			for d := range deliveries {
				b.deliver(hctx, cctx, &inflight, queue, opts, handler, d)
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		inflight.Wait()
		_ = ch.Close()
	}()
	return nil
}

func (b *Broker) deliver(ctx, stop context.Context, inflight *sync.WaitGroup, queue string, opts messaging.ConsumerOptions, handler messaging.MessageHandler, d amqp.Delivery) {
	msg := toMessage(queue, d)
	err := handler.Handle(ctx, msg)
	dec := messaging.Decide(ctx, handler, msg, err, opts.Redelivery)

	switch {
	case dec.Ack:
		_ = d.Ack(false)

	case dec.DeadLetter:
		dead := msg.Clone()
		dead.SetHeader(messaging.HeaderDeadReason, dec.Reason)
		if perr := b.republish(b.deadLetterQueue(queue), dead); perr != nil {
			// let the queue's dead-letter exchange route it
			_ = d.Nack(false, false)
		} else {
			_ = d.Ack(false)
		}
		b.metrics.DeadLetter(queue)
		logger.GetLogger().Warn("message dead-lettered",
			zap.String("queue", queue),
			zap.String("message_id", msg.ID),
			zap.String("message_type", msg.Type),
			zap.Int("attempts", msg.DeliveryAttempt),
			zap.String("reason", dec.Reason))

	case dec.Redeliver:
		b.metrics.Redelivery(queue)
		next := msg.Clone()
		next.DeliveryAttempt = msg.DeliveryAttempt + 1
		next.SetHeader(messaging.HeaderAttempt, strconv.Itoa(next.DeliveryAttempt))

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			t := time.NewTimer(dec.Delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-stop.Done():
				// unacknowledged deliveries return to the queue
				_ = d.Nack(false, true)
				return
			}
			if err := b.republish(queue, next); err != nil {
				_ = d.Nack(false, true)
				return
			}
			_ = d.Ack(false)
		}()
	}
}

// Close stops consumers, waits for in-flight work and closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.pubMu.Lock()
	err := b.pub.Close()
	b.pubMu.Unlock()
	if b.conn != nil {
		if cerr := b.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func toPublishing(msg *messaging.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.ID,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		Body:          msg.Payload,
	}
}

func toMessage(queue string, d amqp.Delivery) *messaging.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}
	msg := &messaging.Message{
		ID:            d.MessageId,
		Type:          d.Type,
		Payload:       d.Body,
		Headers:       headers,
		Timestamp:     d.Timestamp,
		CorrelationID: d.CorrelationId,
		Destination:   queue,
		BrokerMetadata: map[string]any{
			"delivery_tag": d.DeliveryTag,
			"redelivered":  d.Redelivered,
		},
	}
	msg.Key = msg.CorrelationID
	msg.FromHeaders()
	return msg
}
