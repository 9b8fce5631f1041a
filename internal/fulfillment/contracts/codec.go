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

package contracts

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/innovationmech/fulfillment/pkg/messaging"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the struct tags of a contract.
func Validate(c Contract) error {
	if err := validatorInstance().Struct(c); err != nil {
		return messaging.NewValidationError(c.MessageType()+" failed validation", err)
	}
	return nil
}

// Encode validates c and wraps it in a message keyed and correlated by order id.
func Encode(c Contract) (*messaging.Message, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.MessageType(), err)
	}
	msg := messaging.NewMessage(c.MessageType(), body)
	msg.Key = c.CorrelationKey()
	msg.CorrelationID = c.CorrelationKey()
	return msg, nil
}

// Decode unmarshals and validates msg into T. Any failure is a validation error,
// so a malformed message is dead-lettered instead of retried.
func Decode[T Contract](msg *messaging.Message) (T, error) {
	var out T
	if msg.Type != "" && msg.Type != out.MessageType() {
		return out, messaging.NewValidationError(
			fmt.Sprintf("expected %s, got %s", out.MessageType(), msg.Type), nil)
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, messaging.NewValidationError("malformed "+out.MessageType()+" payload", err)
	}
	if err := Validate(out); err != nil {
		return out, err
	}
	return out, nil
}
