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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports orchestrator activity. A nil *Metrics records nothing.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Ignored     *prometheus.CounterVec
	Conflicts   prometheus.Counter
	Expired     prometheus.Counter
	Purged      prometheus.Counter
}

// NewMetrics registers the saga collectors with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "fulfillment"
	}
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "transitions_total",
			Help: "Saga state transitions",
		}, []string{"from", "to"}),
		Ignored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "ignored_events_total",
			Help: "Events acknowledged without effect, by state (Initial for strays)",
		}, []string{"state", "event"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "version_conflicts_total",
			Help: "Writes retried after a concurrent update",
		}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "expired_total",
			Help: "Pending sagas failed by the sweeper",
		}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "purged_total",
			Help: "Terminal sagas removed after retention",
		}),
	}
}

func (m *Metrics) transition(from, to State) {
	if m != nil {
		m.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (m *Metrics) ignored(state State, event string) {
	if m != nil {
		m.Ignored.WithLabelValues(string(state), event).Inc()
	}
}

func (m *Metrics) conflict() {
	if m != nil {
		m.Conflicts.Inc()
	}
}

func (m *Metrics) expired(n int) {
	if m != nil {
		m.Expired.Add(float64(n))
	}
}

func (m *Metrics) purged(n int) {
	if m != nil {
		m.Purged.Add(float64(n))
	}
}
