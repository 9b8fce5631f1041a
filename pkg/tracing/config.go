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

package tracing

import (
	"fmt"
	"time"
)

// Config controls trace export.
type Config struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	// SampleRate is the trace-id ratio in [0,1]; 1 samples everything.
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`

	Exporter ExporterConfig `yaml:"exporter" mapstructure:"exporter"`

	ResourceAttributes map[string]string `yaml:"resource_attributes" mapstructure:"resource_attributes"`
}

// ExporterConfig selects and configures the span exporter.
type ExporterConfig struct {
	// Type is console, otlp-http or otlp-grpc.
	Type     string            `yaml:"type" mapstructure:"type"`
	Endpoint string            `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure bool              `yaml:"insecure" mapstructure:"insecure"`
	Headers  map[string]string `yaml:"headers" mapstructure:"headers"`
	Timeout  time.Duration     `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns tracing disabled with a console exporter ready to switch on.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "fulfillment",
		SampleRate:  1,
		Exporter: ExporterConfig{
			Type:    "console",
			Timeout: 10 * time.Second,
		},
	}
}

// Validate checks an enabled configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when tracing is enabled")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1")
	}
	switch c.Exporter.Type {
	case "console":
	case "otlp-http", "otlp-grpc":
		if c.Exporter.Endpoint == "" {
			return fmt.Errorf("%s exporter requires endpoint", c.Exporter.Type)
		}
	default:
		return fmt.Errorf("unsupported exporter type: %s", c.Exporter.Type)
	}
	return nil
}
