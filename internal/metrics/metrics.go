// Package metrics records dev-session counters and serves them, together
// with a small status endpoint, over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devloop"

// Recorder holds the session metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	restarts   prometheus.Counter
	changes    *prometheus.CounterVec
	childExits *prometheus.CounterVec
	state      prometheus.Gauge
}

// NewRecorder registers the session metrics with reg. A nil reg uses a
// fresh registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)

	return &Recorder{
		restarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Total number of application restarts",
		}),
		changes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "File changes observed, by classification",
		}, []string{"category"}),
		childExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Application process exits, by launch mode",
		}, []string{"mode"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current dev server state as an ordinal",
		}),
	}
}

// Restart counts one application restart.
func (r *Recorder) Restart() {
	if r == nil {
		return
	}

	r.restarts.Inc()
}

// Change counts one classified file change.
func (r *Recorder) Change(category string) {
	if r == nil {
		return
	}

	r.changes.WithLabelValues(category).Inc()
}

// ChildExit counts one application exit.
func (r *Recorder) ChildExit(mode string) {
	if r == nil {
		return
	}

	r.childExits.WithLabelValues(mode).Inc()
}

// State records the current state ordinal.
func (r *Recorder) State(ordinal int) {
	if r == nil {
		return
	}

	r.state.Set(float64(ordinal))
}
