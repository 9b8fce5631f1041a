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
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/tracing"
)

// Middleware decorates a MessageHandler.
type Middleware func(next MessageHandler) MessageHandler

// Chain wraps h with middleware; the first listed runs outermost.
func Chain(h MessageHandler, middleware ...Middleware) MessageHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// wrapped replaces Handle but keeps the inner handler's error policy.
type wrapped struct {
	next   MessageHandler
	handle func(ctx context.Context, msg *Message) error
}

func (w *wrapped) Handle(ctx context.Context, msg *Message) error { return w.handle(ctx, msg) }

func (w *wrapped) OnError(ctx context.Context, msg *Message, err error) ErrorAction {
	return w.next.OnError(ctx, msg, err)
}

// Wrap builds a middleware from a handle function.
func Wrap(fn func(ctx context.Context, msg *Message, next MessageHandler) error) Middleware {
	return func(next MessageHandler) MessageHandler {
		return &wrapped{next: next, handle: func(ctx context.Context, msg *Message) error {
			return fn(ctx, msg, next)
		}}
	}
}

// Recover turns a handler panic into a retryable error.
func Recover() Middleware {
	return Wrap(func(ctx context.Context, msg *Message, next MessageHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Ctx(ctx).Error("handler panic",
					zap.String("message_id", msg.ID),
					zap.String("message_type", msg.Type),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return next.Handle(ctx, msg)
	})
}

// Logging records each delivery outcome.
func Logging() Middleware {
	return Wrap(func(ctx context.Context, msg *Message, next MessageHandler) error {
		start := time.Now()
		err := next.Handle(ctx, msg)

		fields := []zap.Field{
			zap.String("destination", msg.Destination),
			zap.String("message_id", msg.ID),
			zap.String("message_type", msg.Type),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Int("attempt", msg.DeliveryAttempt),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Ctx(ctx).Warn("message handling failed", append(fields, zap.Error(err))...)
			return err
		}
		logger.Ctx(ctx).Debug("message handled", fields...)
		return nil
	})
}

// Tracing continues the producer's trace and opens a consumer span.
func Tracing() Middleware {
	return Wrap(func(ctx context.Context, msg *Message, next MessageHandler) error {
		ctx = tracing.Extract(ctx, msg.Headers)
		ctx, span := tracing.Tracer().Start(ctx, "consume "+msg.Type,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", msg.Destination),
				attribute.String("messaging.message.id", msg.ID),
				attribute.String("messaging.message.conversation_id", msg.CorrelationID),
				attribute.Int("messaging.delivery_attempt", msg.DeliveryAttempt),
			))
		defer span.End()

		err := next.Handle(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

// Timeout bounds each Handle call.
func Timeout(d time.Duration) Middleware {
	return Wrap(func(ctx context.Context, msg *Message, next MessageHandler) error {
		if d <= 0 {
			return next.Handle(ctx, msg)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next.Handle(ctx, msg)
	})
}

// Instrument records handling counts and latency.
func Instrument(m *ConsumerMetrics) Middleware {
	return Wrap(func(ctx context.Context, msg *Message, next MessageHandler) error {
		start := time.Now()
		err := next.Handle(ctx, msg)
		m.observe(msg, err, time.Since(start))
		return err
	})
}

// Standard is the middleware stack every fulfillment consumer runs with.
func Standard(m *ConsumerMetrics, timeout time.Duration) []Middleware {
	return []Middleware{Tracing(), Logging(), Instrument(m), Recover(), Timeout(timeout)}
}
