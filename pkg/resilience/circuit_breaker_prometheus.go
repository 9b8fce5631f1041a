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

package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BreakerMetrics exports breaker activity. A nil *BreakerMetrics records nothing.
type BreakerMetrics struct {
	Requests     *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Rejections   *prometheus.CounterVec
	Abandoned    *prometheus.CounterVec
	StateChanges *prometheus.CounterVec
	State        *prometheus.GaugeVec
}

// NewBreakerMetrics creates the collectors and registers them with reg when reg is not nil.
func NewBreakerMetrics(namespace string, reg prometheus.Registerer) *BreakerMetrics {
	if namespace == "" {
		namespace = "fulfillment"
	}
	const subsystem = "circuit_breaker"
	factory := promauto.With(reg)

	return &BreakerMetrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Calls admitted by the circuit breaker",
		}, []string{"name"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Admitted calls that failed",
		}, []string{"name"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejections_total",
			Help:      "Calls rejected without reaching the dependency",
		}, []string{"name"}),
		Abandoned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "abandoned_total",
			Help:      "Admitted calls whose caller gave up before an outcome",
		}, []string{"name"}),
		StateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_changes_total",
			Help:      "State transitions by target state",
		}, []string{"name", "state"}),
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Current state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}
}

func (m *BreakerMetrics) request(name string) {
	if m != nil {
		m.Requests.WithLabelValues(name).Inc()
	}
}

func (m *BreakerMetrics) failure(name string) {
	if m != nil {
		m.Failures.WithLabelValues(name).Inc()
	}
}

func (m *BreakerMetrics) rejected(name string) {
	if m != nil {
		m.Rejections.WithLabelValues(name).Inc()
	}
}

func (m *BreakerMetrics) abandoned(name string) {
	if m != nil {
		m.Abandoned.WithLabelValues(name).Inc()
	}
}

func (m *BreakerMetrics) transition(name string, to State) {
	if m != nil {
		m.StateChanges.WithLabelValues(name, to.String()).Inc()
		m.observeState(name, to)
	}
}

func (m *BreakerMetrics) observeState(name string, s State) {
	if m != nil {
		m.State.WithLabelValues(name).Set(float64(s))
	}
}
