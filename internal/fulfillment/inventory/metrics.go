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

package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts command outcomes. A nil *Metrics records nothing.
type Metrics struct {
	Reservations *prometheus.CounterVec
	Releases     *prometheus.CounterVec
	Conflicts    *prometheus.CounterVec
}

// NewMetrics registers the inventory collectors with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "fulfillment"
	}
	factory := promauto.With(reg)
	return &Metrics{
		Reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "reservations_total",
			Help:      "Reserve commands by outcome",
		}, []string{"outcome"}),
		Releases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "releases_total",
			Help:      "Release commands by outcome",
		}, []string{"outcome"}),
		Conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "version_conflicts_total",
			Help:      "Compare-and-swap attempts lost to a concurrent writer",
		}, []string{"command"}),
	}
}

func (m *Metrics) reserve(outcome string) {
	if m != nil {
		m.Reservations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) release(outcome string) {
	if m != nil {
		m.Releases.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) conflict(command string) {
	if m != nil {
		m.Conflicts.WithLabelValues(command).Inc()
	}
}
