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

	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/messaging"
)

const maxClearAttempts = 3

// dispatch sends every pending message of inst and then clears them from the
// stored instance. A send failure leaves the outbox intact so the next
// delivery of any event for this saga sends again.
func (o *Orchestrator) dispatch(ctx context.Context, inst *Instance) (*Instance, error) {
	if len(inst.Outbox) == 0 {
		return inst, nil
	}

	sent := make(map[string]struct{}, len(inst.Outbox))
	for _, out := range inst.Outbox {
		msg := &messaging.Message{
			ID:            out.ID,
			Type:          out.Type,
			Key:           inst.CorrelationID,
			CorrelationID: inst.CorrelationID,
			Payload:       out.Payload,
			Headers:       map[string]string{},
		}
		var err error
		if out.Broadcast {
			err = o.publisher.Publish(ctx, out.Destination, msg)
		} else {
			err = o.publisher.Send(ctx, out.Destination, msg)
		}
		if err != nil {
			return inst, fmt.Errorf("dispatch %s for saga %s: %w", out.Type, inst.CorrelationID, err)
		}
		sent[out.ID] = struct{}{}
	}

	cur := inst
	for attempt := 0; attempt < maxClearAttempts; attempt++ {
		next := cur.Clone()
		next.Outbox = remaining(cur.Outbox, sent)
		err := o.repo.Update(ctx, next, cur.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return cur, err
		}
		if cur, err = o.repo.Get(ctx, inst.CorrelationID); err != nil {
			return inst, err
		}
	}

	// the messages went out; a later event sends them again and consumers dedupe by id
	logger.Ctx(ctx).Warn("could not clear saga outbox", zap.String("order_id", inst.CorrelationID))
	return cur, nil
}

func remaining(outbox []Outgoing, sent map[string]struct{}) []Outgoing {
	var out []Outgoing
	for _, o := range outbox {
		if _, ok := sent[o.ID]; !ok {
			out = append(out, o)
		}
	}
	return out
}
