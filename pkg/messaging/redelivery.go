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
	"time"
)

// RedeliveryPolicy is an explicit backoff schedule. Delays[i] is the wait
// before delivery attempt i+2; when the schedule runs out the message is dead-lettered.
type RedeliveryPolicy struct {
	Delays []time.Duration `mapstructure:"delays"`
}

// DefaultRedeliveryPolicy retries at 100ms, 500ms, 1s, 2s and 5s.
func DefaultRedeliveryPolicy() RedeliveryPolicy {
	return RedeliveryPolicy{Delays: []time.Duration{
		100 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		5 * time.Second,
	}}
}

// NoRedelivery dead-letters on the first failure.
func NoRedelivery() RedeliveryPolicy {
	return RedeliveryPolicy{Delays: []time.Duration{}}
}

// MaxAttempts is the total number of deliveries including the first.
func (p RedeliveryPolicy) MaxAttempts() int {
	return len(p.Delays) + 1
}

// Next returns the wait before the delivery after attempt, or false when exhausted.
func (p RedeliveryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Delays) {
		return 0, false
	}
	return p.Delays[attempt-1], true
}

// Validate rejects negative delays.
func (p RedeliveryPolicy) Validate() error {
	for i, d := range p.Delays {
		if d < 0 {
			return fmt.Errorf("redelivery delay %d is negative", i)
		}
	}
	return nil
}

// Decision is the transport-level outcome of one delivery.
type Decision struct {
	Ack        bool
	Redeliver  bool
	Delay      time.Duration
	DeadLetter bool
	Reason     string
}

// Decide maps a handler result onto an ack, a delayed redelivery or a dead letter.
func Decide(ctx context.Context, handler MessageHandler, msg *Message, err error, policy RedeliveryPolicy) Decision {
	if err == nil {
		return Decision{Ack: true}
	}

	switch handler.OnError(ctx, msg, err) {
	case ErrorActionDiscard:
		return Decision{Ack: true, Reason: err.Error()}
	case ErrorActionDeadLetter:
		return Decision{DeadLetter: true, Reason: err.Error()}
	default:
		delay, ok := policy.Next(msg.DeliveryAttempt)
		if !ok {
			return Decision{DeadLetter: true, Reason: fmt.Sprintf("redelivery exhausted after %d attempts: %v", msg.DeliveryAttempt, err)}
		}
		return Decision{Redeliver: true, Delay: delay, Reason: err.Error()}
	}
}
