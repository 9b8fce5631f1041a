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

package kafka

import (
	"errors"
	"time"
)

// Config configures the Kafka broker.
type Config struct {
	Brokers []string `mapstructure:"brokers"`

	// MaxWait bounds how long a fetch waits for new records.
	MaxWait time.Duration `mapstructure:"max_wait"`

	// WriteTimeout bounds one produce call.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// StartFromLatest makes a new consumer group skip history.
	StartFromLatest bool `mapstructure:"start_from_latest"`
}

// DefaultConfig targets a local broker.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		MaxWait:      500 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	for _, b := range c.Brokers {
		if b == "" {
			return errors.New("kafka broker address must not be empty")
		}
	}
	return nil
}
