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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConsumerMetrics exports delivery outcomes. A nil *ConsumerMetrics records nothing.
type ConsumerMetrics struct {
	Handled     *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Redelivered *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	Published   *prometheus.CounterVec
}

// NewConsumerMetrics creates the collectors and registers them with reg when reg is not nil.
func NewConsumerMetrics(namespace string, reg prometheus.Registerer) *ConsumerMetrics {
	if namespace == "" {
		namespace = "fulfillment"
	}
	const subsystem = "messaging"
	factory := promauto.With(reg)

	return &ConsumerMetrics{
		Handled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handled_total",
			Help:      "Deliveries handled by destination, type and result",
		}, []string{"destination", "type", "result"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handle_duration_seconds",
			Help:      "Handler latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination", "type"}),
		Redelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "redelivered_total",
			Help:      "Deliveries scheduled for another attempt",
		}, []string{"destination"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dead_letters_total",
			Help:      "Messages moved to a dead-letter destination",
		}, []string{"destination"}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "published_total",
			Help:      "Messages sent or published by destination and type",
		}, []string{"destination", "type"}),
	}
}

func (m *ConsumerMetrics) observe(msg *Message, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Handled.WithLabelValues(msg.Destination, msg.Type, result).Inc()
	m.Duration.WithLabelValues(msg.Destination, msg.Type).Observe(elapsed.Seconds())
}

// Redelivery records a scheduled redelivery.
func (m *ConsumerMetrics) Redelivery(destination string) {
	if m != nil {
		m.Redelivered.WithLabelValues(destination).Inc()
	}
}

// DeadLetter records a dead-lettered message.
func (m *ConsumerMetrics) DeadLetter(destination string) {
	if m != nil {
		m.DeadLetters.WithLabelValues(destination).Inc()
	}
}

// Publish records an outgoing message.
func (m *ConsumerMetrics) Publish(destination, msgType string) {
	if m != nil {
		m.Published.WithLabelValues(destination, msgType).Inc()
	}
}
