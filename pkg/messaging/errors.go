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
	"errors"
	"fmt"
)

// ErrorAction is what a transport does with a message whose handler failed.
type ErrorAction int

const (
	// ErrorActionRetry redelivers according to the consumer's RedeliveryPolicy.
	ErrorActionRetry ErrorAction = iota
	// ErrorActionDeadLetter moves the message to the dead-letter destination.
	ErrorActionDeadLetter
	// ErrorActionDiscard acknowledges and drops the message.
	ErrorActionDiscard
)

// String returns the string representation of ErrorAction.
func (ea ErrorAction) String() string {
	switch ea {
	case ErrorActionRetry:
		return "retry"
	case ErrorActionDeadLetter:
		return "dead_letter"
	case ErrorActionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker is closed")
	// ErrDiscard makes DefaultErrorAction drop the message.
	ErrDiscard = errors.New("message discarded")
)

// ValidationError marks a malformed message. It is never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid message: %s: %v", e.Reason, e.Err)
	}
	return "invalid message: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError.
func NewValidationError(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so it is dead-lettered without retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DefaultErrorAction dead-letters validation and permanent failures, drops
// ErrDiscard and retries everything else.
func DefaultErrorAction(err error) ErrorAction {
	switch {
	case err == nil:
		return ErrorActionDiscard
	case errors.Is(err, ErrDiscard):
		return ErrorActionDiscard
	case IsValidation(err), IsPermanent(err):
		return ErrorActionDeadLetter
	default:
		return ErrorActionRetry
	}
}
