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

// Package memory is an in-process at-least-once broker with the same
// redelivery and dead-letter semantics as the network transports.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

// Options configures the broker.
type Options struct {
	// QueueCapacity bounds each queue; Send blocks when it is full.
	QueueCapacity int
	Metrics       *messaging.ConsumerMetrics
}

// DeadLetter is a message that will not be delivered again.
type DeadLetter struct {
	Queue    string
	Message  *messaging.Message
	Reason   string
	Attempts int
	At       time.Time
}

type queue struct {
	name string
	ch   chan *messaging.Message
}

// Broker implements messaging.Broker in memory.
type Broker struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*queue
	topics map[string]map[string]struct{}
	dead   map[string][]DeadLetter
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// outstanding counts messages that are queued, in flight or waiting for redelivery.
	outstanding atomic.Int64
}

var _ messaging.Broker = (*Broker)(nil)

// NewBroker creates an empty broker.
func NewBroker(opts Options) *Broker {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		opts:   opts,
		queues: make(map[string]*queue),
		topics: make(map[string]map[string]struct{}),
		dead:   make(map[string][]DeadLetter),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, ch: make(chan *messaging.Message, b.opts.QueueCapacity)}
		b.queues[name] = q
	}
	return q
}

func groupQueue(topic, group string) string {
	return topic + "." + group
}

// Send implements messaging.Publisher.
func (b *Broker) Send(ctx context.Context, queue string, msg *messaging.Message) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	messaging.Stamp(ctx, msg)
	b.opts.Metrics.Publish(queue, msg.Type)
	return b.enqueue(ctx, queue, msg)
}

// Publish implements messaging.Publisher. Topics without subscribers drop the message.
func (b *Broker) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	messaging.Stamp(ctx, msg)
	b.opts.Metrics.Publish(topic, msg.Type)

	b.mu.Lock()
	groups := make([]string, 0, len(b.topics[topic]))
	for g := range b.topics[topic] {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		if err := b.enqueue(ctx, groupQueue(topic, g), msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) enqueue(ctx context.Context, name string, msg *messaging.Message) error {
	m := msg.Clone()
	m.Destination = name
	m.DeliveryAttempt = 1
	m.SetHeader(messaging.HeaderAttempt, "1")

	q := b.queue(name)
	b.outstanding.Add(1)
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		b.outstanding.Add(-1)
		return ctx.Err()
	case <-b.ctx.Done():
		b.outstanding.Add(-1)
		return messaging.ErrClosed
	}
}

// Subscribe implements messaging.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	if group == "" {
		return errors.New("subscription group is required")
	}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]struct{})
	}
	b.topics[topic][group] = struct{}{}
	b.mu.Unlock()

	return b.Consume(ctx, groupQueue(topic, group), opts, handler)
}

// Consume implements messaging.Broker.
func (b *Broker) Consume(ctx context.Context, queue string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	opts = opts.WithDefaults()
	q := b.queue(queue)

	cctx, cancel := context.WithCancel(b.ctx)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-cctx.Done():
		}
	}()

	// window holds one token per unacknowledged delivery
	window := make(chan struct{}, opts.Prefetch)
	work := make(chan *messaging.Message, opts.Prefetch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(work)
		for {
			select {
			case window <- struct{}{}:
			case <-cctx.Done():
				return
			}
			select {
			case m := <-q.ch:
				work <- m
			case <-cctx.Done():
				return
			}
		}
	}()

	// in-flight handlers finish even when the consumer is stopped
	hctx := context.WithoutCancel(cctx)
	for i := 0; i < opts.Concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for m := range work {
				b.deliver(hctx, queue, opts, handler, m)
				<-window
			}
		}()
	}
	return nil
}

func (b *Broker) deliver(ctx context.Context, queue string, opts messaging.ConsumerOptions, handler messaging.MessageHandler, m *messaging.Message) {
	err := handler.Handle(ctx, m)
	d := messaging.Decide(ctx, handler, m, err, opts.Redelivery)

	switch {
	case d.Ack:
		b.outstanding.Add(-1)
	case d.DeadLetter:
		b.deadLetter(queue, m, d.Reason)
	case d.Redeliver:
		b.opts.Metrics.Redelivery(queue)
		next := m.Clone()
		next.Destination = queue
		next.DeliveryAttempt = m.DeliveryAttempt + 1
		next.SetHeader(messaging.HeaderAttempt, strconv.Itoa(next.DeliveryAttempt))
		time.AfterFunc(d.Delay, func() { b.requeue(queue, next) })
	}
}

func (b *Broker) requeue(name string, m *messaging.Message) {
	if b.isClosed() {
		b.outstanding.Add(-1)
		return
	}
	q := b.queue(name)
	select {
	case q.ch <- m:
	case <-b.ctx.Done():
		b.outstanding.Add(-1)
	}
}

func (b *Broker) deadLetter(queue string, m *messaging.Message, reason string) {
	m.SetHeader(messaging.HeaderDeadReason, reason)
	b.mu.Lock()
	b.dead[queue] = append(b.dead[queue], DeadLetter{
		Queue:    queue,
		Message:  m,
		Reason:   reason,
		Attempts: m.DeliveryAttempt,
		At:       time.Now().UTC(),
	})
	b.mu.Unlock()
	b.outstanding.Add(-1)
	b.opts.Metrics.DeadLetter(queue)

	logger.GetLogger().Warn("message dead-lettered",
		zap.String("queue", queue),
		zap.String("message_id", m.ID),
		zap.String("message_type", m.Type),
		zap.Int("attempts", m.DeliveryAttempt),
		zap.String("reason", reason))
}

// DeadLetters returns a copy of the dead letters recorded for queue.
func (b *Broker) DeadLetters(queue string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead[queue]...)
}

// Replay moves the dead letters of queue back onto it with a fresh attempt count.
func (b *Broker) Replay(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	letters := b.dead[queue]
	delete(b.dead, queue)
	b.mu.Unlock()

	for i, dl := range letters {
		m := dl.Message.Clone()
		delete(m.Headers, messaging.HeaderDeadReason)
		if err := b.enqueue(ctx, queue, m); err != nil {
			b.mu.Lock()
			b.dead[queue] = append(letters[i:], b.dead[queue]...)
			b.mu.Unlock()
			return i, err
		}
	}
	return len(letters), nil
}

// Depth returns the number of messages waiting in queue.
func (b *Broker) Depth(queue string) int {
	return len(b.queue(queue).ch)
}

// WaitIdle blocks until no message is queued, in flight or awaiting redelivery.
func (b *Broker) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.outstanding.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops all consumers and waits for in-flight handlers.
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
	return nil
}
