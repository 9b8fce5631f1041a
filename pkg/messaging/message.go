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
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/innovationmech/fulfillment/pkg/tracing"
)

// Well-known header keys carried by every transport.
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "correlation-id"
	HeaderAttempt       = "x-delivery-attempt"
	HeaderDeadReason    = "x-dead-letter-reason"
)

// Message is a transport-neutral envelope.
type Message struct {
	// ID is unique per logical message; redeliveries keep it.
	ID string `json:"id"`

	// Type selects the handler in a Router.
	Type string `json:"type"`

	// Key is the ordering/partition key. Fulfillment uses the order id.
	Key string `json:"key,omitempty"`

	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`

	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Destination is the queue or topic the message was delivered from.
	Destination string `json:"-"`

	// DeliveryAttempt starts at 1 and grows with every redelivery.
	DeliveryAttempt int `json:"-"`

	// BrokerMetadata holds transport-specific data such as an AMQP delivery tag.
	BrokerMetadata any `json:"-"`
}

// NewMessage builds a message with a fresh id.
func NewMessage(msgType string, payload []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Headers:   map[string]string{},
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep copy so transports never share mutable state between deliveries.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	cp.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		cp.Headers[k] = v
	}
	cp.BrokerMetadata = nil
	return &cp
}

// Header returns a header value or "".
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[key] = value
}

// Stamp prepares an outgoing message: it fills id and timestamp, mirrors the
// envelope fields into headers and injects the trace context of ctx.
func Stamp(ctx context.Context, msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.SetHeader(HeaderMessageID, msg.ID)
	msg.SetHeader(HeaderMessageType, msg.Type)
	if msg.CorrelationID != "" {
		msg.SetHeader(HeaderCorrelationID, msg.CorrelationID)
	}
	tracing.Inject(ctx, msg.Headers)
}

// FromHeaders restores envelope fields carried in headers by transports that
// only move a body and a header map.
func (m *Message) FromHeaders() {
	if m.ID == "" {
		m.ID = m.Header(HeaderMessageID)
	}
	if m.Type == "" {
		m.Type = m.Header(HeaderMessageType)
	}
	if m.CorrelationID == "" {
		m.CorrelationID = m.Header(HeaderCorrelationID)
	}
	if m.DeliveryAttempt == 0 {
		if n, err := strconv.Atoi(m.Header(HeaderAttempt)); err == nil && n > 0 {
			m.DeliveryAttempt = n
		}
	}
	if m.DeliveryAttempt == 0 {
		m.DeliveryAttempt = 1
	}
}
