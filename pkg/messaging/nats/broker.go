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

// Package nats implements messaging.Broker on NATS JetStream.
//
// Every work queue is a work-queue stream consumed through one durable pull
// consumer, so each message is handled by exactly one worker across all
// instances. Topics are limits streams with a durable consumer per group.
// Redelivery uses NakWithDelay; dead letters go to a companion "<queue>.dlq"
// stream and the original is terminated.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

const deadLetterSuffix = ".dlq"

// Broker implements messaging.Broker.
type Broker struct {
	cfg     Config
	conn    *nats.Conn
	js      nats.JetStreamContext
	metrics *messaging.ConsumerMetrics

	mu      sync.Mutex
	streams map[string]bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ messaging.Broker = (*Broker)(nil)

// Connect dials cfg.URL and opens a JetStream context.
func Connect(cfg Config, metrics *messaging.ConsumerMetrics) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("fulfillment"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:     cfg,
		conn:    conn,
		js:      js,
		metrics: metrics,
		streams: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// streamName turns a destination into a valid stream name.
func streamName(destination string) string {
	r := strings.NewReplacer("-", "_", ".", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToUpper(r.Replace(destination))
}

// durableName turns a consumer name into a valid durable name.
func durableName(name string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(name)
}

func (b *Broker) ensureStream(cfg *nats.StreamConfig) error {
	b.mu.Lock()
	done := b.streams[cfg.Name]
	b.mu.Unlock()
	if done {
		return nil
	}

	_, err := b.js.StreamInfo(cfg.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = b.js.AddStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	b.mu.Lock()
	b.streams[cfg.Name] = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) ensureQueue(queue string) error {
	if err := b.ensureStream(&nats.StreamConfig{
		Name:       streamName(queue + deadLetterSuffix),
		Subjects:   []string{queue + deadLetterSuffix},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Duplicates: b.cfg.DuplicateWindow,
	}); err != nil {
		return err
	}
	return b.ensureStream(&nats.StreamConfig{
		Name:       streamName(queue),
		Subjects:   []string{queue},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: b.cfg.DuplicateWindow,
	})
}

func (b *Broker) ensureTopic(topic string) error {
	return b.ensureStream(&nats.StreamConfig{
		Name:       streamName(topic),
		Subjects:   []string{topic},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     b.cfg.TopicMaxAge,
		Duplicates: b.cfg.DuplicateWindow,
	})
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
	if err := b.ensureQueue(queue); err != nil {
		return err
	}
	return b.publish(ctx, queue, msg)
}

// Publish implements messaging.Publisher.
func (b *Broker) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	if err := b.ensureTopic(topic); err != nil {
		return err
	}
	return b.publish(ctx, topic, msg)
}

func (b *Broker) publish(ctx context.Context, subject string, msg *messaging.Message) error {
	messaging.Stamp(ctx, msg)
	if _, err := b.js.PublishMsg(toNatsMsg(subject, msg), nats.MsgId(msg.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	b.metrics.Publish(subject, msg.Type)
	return nil
}

// Consume implements messaging.Broker.
func (b *Broker) Consume(ctx context.Context, queue string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	if err := b.ensureQueue(queue); err != nil {
		return err
	}
	return b.consume(ctx, queue, streamName(queue), durableName(queue), opts, handler, nats.DeliverAll())
}

// Subscribe implements messaging.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	if group == "" {
		return errors.New("subscription group is required")
	}
	if b.isClosed() {
		return messaging.ErrClosed
	}
	if err := b.ensureTopic(topic); err != nil {
		return err
	}
	return b.consume(ctx, topic, streamName(topic), durableName(group), opts, handler, nats.DeliverNew())
}

func (b *Broker) consume(ctx context.Context, subject, stream, durable string, opts messaging.ConsumerOptions, handler messaging.MessageHandler, deliver nats.SubOpt) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	opts = opts.WithDefaults()

	sub, err := b.js.PullSubscribe(subject, durable,
		nats.BindStream(stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxAckPending(opts.Prefetch),
		nats.MaxDeliver(opts.Redelivery.MaxAttempts()+1),
		deliver,
	)
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", subject, err)
	}

	cctx, cancel := context.WithCancel(b.ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-cctx.Done():
		}
		cancel()
	}()

	work := make(chan *nats.Msg, opts.Prefetch)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(work)
		for cctx.Err() == nil {
			msgs, err := sub.Fetch(opts.Prefetch, nats.MaxWait(b.cfg.FetchWait))
			if err != nil {
				if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) && cctx.Err() == nil {
					logger.GetLogger().Warn("jetstream fetch failed", zap.String("subject", subject), zap.Error(err))
					time.Sleep(b.cfg.FetchWait)
				}
				continue
			}
			for _, m := range msgs {
				work <- m
			}
		}
	}()

	// in-flight handlers finish even when the consumer is stopped
	hctx := context.WithoutCancel(cctx)
	var workers sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for m := range work {
				b.deliver(hctx, subject, opts, handler, m)
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		workers.Wait()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *Broker) deliver(ctx context.Context, subject string, opts messaging.ConsumerOptions, handler messaging.MessageHandler, m *nats.Msg) {
	msg := toMessage(subject, m)
	err := handler.Handle(ctx, msg)
	dec := messaging.Decide(ctx, handler, msg, err, opts.Redelivery)

	switch {
	case dec.Ack:
		_ = m.Ack()
	case dec.Redeliver:
		b.metrics.Redelivery(subject)
		_ = m.NakWithDelay(dec.Delay)
	case dec.DeadLetter:
		dead := msg.Clone()
		dead.SetHeader(messaging.HeaderDeadReason, dec.Reason)
		if _, perr := b.js.PublishMsg(toNatsMsg(subject+deadLetterSuffix, dead)); perr != nil {
			logger.GetLogger().Error("dead-letter publish failed", zap.String("subject", subject), zap.Error(perr))
			_ = m.Nak()
			return
		}
		_ = m.Term()
		b.metrics.DeadLetter(subject)
		logger.GetLogger().Warn("message dead-lettered",
			zap.String("queue", subject),
			zap.String("message_id", msg.ID),
			zap.String("message_type", msg.Type),
			zap.Int("attempts", msg.DeliveryAttempt),
			zap.String("reason", dec.Reason))
	}
}

// Close stops consumers, waits for in-flight handlers and drains the connection.
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
	return b.conn.Drain()
}

func toNatsMsg(subject string, msg *messaging.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	out.Header.Set(messaging.HeaderMessageID, msg.ID)
	out.Header.Set(messaging.HeaderMessageType, msg.Type)
	if msg.Key != "" {
		out.Header.Set(headerKey, msg.Key)
	}
	out.Header.Set(headerTimestamp, msg.Timestamp.UTC().Format(time.RFC3339Nano))
	out.Data = msg.Payload
	return out
}

const (
	headerKey       = "x-message-key"
	headerTimestamp = "x-message-timestamp"
)

func toMessage(subject string, m *nats.Msg) *messaging.Message {
	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}
	msg := &messaging.Message{
		Payload:     m.Data,
		Headers:     headers,
		Key:         headers[headerKey],
		Destination: subject,
	}
	if ts, err := time.Parse(time.RFC3339Nano, headers[headerTimestamp]); err == nil {
		msg.Timestamp = ts
	}
	if meta, err := m.Metadata(); err == nil {
		msg.DeliveryAttempt = int(meta.NumDelivered)
		msg.BrokerMetadata = map[string]any{
			"stream":   meta.Stream,
			"sequence": meta.Sequence.Stream,
		}
		msg.SetHeader(messaging.HeaderAttempt, strconv.FormatUint(meta.NumDelivered, 10))
	}
	msg.FromHeaders()
	return msg
}
