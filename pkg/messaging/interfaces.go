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

package messaging

import (
	"context"
	"time"
)

// Publisher sends commands to queues and broadcasts events to topics.
type Publisher interface {
	// Send delivers msg to exactly one consumer of queue.
	Send(ctx context.Context, queue string, msg *Message) error

	// Publish delivers msg to every subscriber group of topic.
	Publish(ctx context.Context, topic string, msg *Message) error
}

// Broker is an at-least-once message broker.
type Broker interface {
	Publisher

	// Consume starts a bounded worker pool on queue. It returns once consumption
	// has started; workers stop when ctx is cancelled or the broker is closed.
	Consume(ctx context.Context, queue string, opts ConsumerOptions, handler MessageHandler) error

	// Subscribe consumes topic through a durable per-group queue.
	Subscribe(ctx context.Context, topic, group string, opts ConsumerOptions, handler MessageHandler) error

	// Close stops pulling, waits for in-flight handlers and releases connections.
	Close() error
}

// MessageHandler processes one delivery.
type MessageHandler interface {
	// Handle returns nil to acknowledge the message.
	Handle(ctx context.Context, message *Message) error

	// OnError decides what happens to a message whose Handle failed.
	OnError(ctx context.Context, message *Message, err error) ErrorAction
}

// MessageHandlerFunc adapts a function to MessageHandler using DefaultErrorAction.
type MessageHandlerFunc func(ctx context.Context, message *Message) error

// Handle implements MessageHandler.
func (f MessageHandlerFunc) Handle(ctx context.Context, message *Message) error {
	return f(ctx, message)
}

// OnError implements MessageHandler.
func (f MessageHandlerFunc) OnError(_ context.Context, _ *Message, err error) ErrorAction {
	return DefaultErrorAction(err)
}

// ConsumerOptions are the per-queue knobs.
type ConsumerOptions struct {
	// Concurrency is the number of handlers running at once.
	Concurrency int `mapstructure:"concurrency"`

	// Prefetch is the number of unacknowledged deliveries the consumer may hold.
	Prefetch int `mapstructure:"prefetch"`

	// Redelivery is applied when OnError returns ErrorActionRetry.
	Redelivery RedeliveryPolicy `mapstructure:"redelivery"`

	// HandlerTimeout bounds a single Handle call. Zero means no limit.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// WithDefaults fills unset fields.
func (o ConsumerOptions) WithDefaults() ConsumerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Prefetch < o.Concurrency {
		o.Prefetch = o.Concurrency
	}
	if o.Redelivery.Delays == nil {
		o.Redelivery = DefaultRedeliveryPolicy()
	}
	return o
}
