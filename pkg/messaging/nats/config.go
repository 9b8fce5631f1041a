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

package nats

import (
	"errors"
	"time"
)

// Config configures the JetStream broker.
type Config struct {
	URL string `mapstructure:"url"`

	// AckWait is how long the server waits for an ack before redelivering on its own.
	AckWait time.Duration `mapstructure:"ack_wait"`

	// FetchWait bounds one pull request.
	FetchWait time.Duration `mapstructure:"fetch_wait"`

	// TopicMaxAge is how long broadcast events are kept for late subscribers.
	TopicMaxAge time.Duration `mapstructure:"topic_max_age"`

	// DuplicateWindow deduplicates publishes by message id.
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
}

// DefaultConfig targets a local server.
func DefaultConfig() Config {
	return Config{
		URL:             "nats://localhost:4222",
		AckWait:         30 * time.Second,
		FetchWait:       time.Second,
		TopicMaxAge:     24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("nats url is required")
	}
	if c.AckWait <= 0 || c.FetchWait <= 0 {
		return errors.New("nats ack_wait and fetch_wait must be positive")
	}
	return nil
}
