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

// Package kafka implements messaging.Broker on Kafka with segmentio/kafka-go.
//
// Queues and topics are both Kafka topics; a queue is read by one consumer
// group named after it and a topic by one group per subscriber group.
// Concurrency is the number of group members, each handling its partitions in
// order. A failed record is retried in place after the redelivery delay so
// per-key ordering holds; its offset is committed only once it is handled or
// dead-lettered to "<topic>.dlq".
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

const deadLetterSuffix = ".dlq"

// reader is the subset of *kafka.Reader used by consumers.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// writer is the subset of *kafka.Writer used by publishers.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Broker implements messaging.Broker.
type Broker struct {
	cfg       Config
	writer    writer
	newReader func(kafka.ReaderConfig) reader
	metrics   *messaging.ConsumerMetrics

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ messaging.Broker = (*Broker)(nil)

// New returns a broker for cfg.Brokers.
func New(cfg Config, metrics *messaging.ConsumerMetrics) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return newBroker(cfg, w, func(rc kafka.ReaderConfig) reader { return kafka.NewReader(rc) }, metrics), nil
}

func newBroker(cfg Config, w writer, newReader func(kafka.ReaderConfig) reader, metrics *messaging.ConsumerMetrics) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:       cfg,
		writer:    w,
		newReader: newReader,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Send implements messaging.Publisher.
func (b *Broker) Send(ctx context.Context, queue string, msg *messaging.Message) error {
	return b.write(ctx, queue, msg)
}

// Publish implements messaging.Publisher.
func (b *Broker) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	return b.write(ctx, topic, msg)
}

func (b *Broker) write(ctx context.Context, topic string, msg *messaging.Message) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	messaging.Stamp(ctx, msg)
	if err := b.writer.WriteMessages(ctx, toKafka(topic, msg)); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	b.metrics.Publish(topic, msg.Type)
	return nil
}

// Consume implements messaging.Broker.
func (b *Broker) Consume(ctx context.Context, queue string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	return b.consume(ctx, queue, queue, opts, handler)
}

// Subscribe implements messaging.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	if group == "" {
		return errors.New("subscription group is required")
	}
	return b.consume(ctx, topic, topic+"."+group, opts, handler)
}

func (b *Broker) consume(ctx context.Context, topic, groupID string, opts messaging.ConsumerOptions, handler messaging.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if b.isClosed() {
		return messaging.ErrClosed
	}
	opts = opts.WithDefaults()

	start := kafka.FirstOffset
	if b.cfg.StartFromLatest {
		start = kafka.LastOffset
	}
	perReader := opts.Prefetch / opts.Concurrency
	if perReader < 1 {
		perReader = 1
	}

	cctx, cancel := context.WithCancel(b.ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-cctx.Done():
		}
		cancel()
	}()

	for i := 0; i < opts.Concurrency; i++ {
		r := b.newReader(kafka.ReaderConfig{
			Brokers:       b.cfg.Brokers,
			GroupID:       groupID,
			Topic:         topic,
			MinBytes:      1,
			MaxBytes:      10 << 20,
			MaxWait:       b.cfg.MaxWait,
			QueueCapacity: perReader,
			StartOffset:   start,
		})
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer r.Close()
			b.run(cctx, topic, opts, handler, r)
		}()
	}
	return nil
}

func (b *Broker) run(ctx context.Context, topic string, opts messaging.ConsumerOptions, handler messaging.MessageHandler, r reader) {
	// handlers are not interrupted when the consumer stops
	hctx := context.WithoutCancel(ctx)
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.GetLogger().Warn("kafka fetch failed", zap.String("topic", topic), zap.Error(err))
			if !sleep(ctx, b.cfg.MaxWait) {
				return
			}
			continue
		}
		if !b.process(ctx, hctx, topic, opts, handler, km) {
			return
		}
		if err := r.CommitMessages(hctx, km); err != nil {
			logger.GetLogger().Warn("kafka commit failed",
				zap.String("topic", topic),
				zap.Int("partition", km.Partition),
				zap.Int64("offset", km.Offset),
				zap.Error(err))
		}
	}
}

// process handles one record until it is acknowledged or dead-lettered. It
// returns false when the consumer stopped before that, leaving the offset
// uncommitted.
func (b *Broker) process(ctx, hctx context.Context, topic string, opts messaging.ConsumerOptions, handler messaging.MessageHandler, km kafka.Message) bool {
	msg := toMessage(km)
	for {
		err := handler.Handle(hctx, msg)
		dec := messaging.Decide(hctx, handler, msg, err, opts.Redelivery)
		switch {
		case dec.Ack:
			return true
		case dec.Redeliver:
			b.metrics.Redelivery(topic)
			if !sleep(ctx, dec.Delay) {
				return false
			}
			msg = msg.Clone()
			msg.DeliveryAttempt++
			msg.SetHeader(messaging.HeaderAttempt, strconv.Itoa(msg.DeliveryAttempt))
		default:
			dead := msg.Clone()
			dead.SetHeader(messaging.HeaderDeadReason, dec.Reason)
			if werr := b.writer.WriteMessages(hctx, toKafka(topic+deadLetterSuffix, dead)); werr != nil {
				logger.GetLogger().Error("dead-letter write failed", zap.String("topic", topic), zap.Error(werr))
				return false
			}
			b.metrics.DeadLetter(topic)
			logger.GetLogger().Warn("message dead-lettered",
				zap.String("queue", topic),
				zap.String("message_id", msg.ID),
				zap.String("message_type", msg.Type),
				zap.Int("attempts", msg.DeliveryAttempt),
				zap.String("reason", dec.Reason))
			return true
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close stops readers, waits for in-flight handlers and flushes the writer.
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
	return b.writer.Close()
}

func toKafka(topic string, msg *messaging.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	km := kafka.Message{
		Topic:   topic,
		Value:   msg.Payload,
		Headers: headers,
		Time:    msg.Timestamp,
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	return km
}

func toMessage(km kafka.Message) *messaging.Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	msg := &messaging.Message{
		Key:         string(km.Key),
		Payload:     km.Value,
		Headers:     headers,
		Timestamp:   km.Time,
		Destination: km.Topic,
		BrokerMetadata: map[string]any{
			"partition": km.Partition,
			"offset":    km.Offset,
		},
	}
	msg.FromHeaders()
	return msg
}
