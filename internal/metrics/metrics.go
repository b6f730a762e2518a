// Package metrics holds the Prometheus collectors of the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder groups the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	submissions *prometheus.CounterVec
	broadcasts  prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pitchsync_backend_attempts_total",
			Help: "Backend request attempts by endpoint and outcome code",
		}, []string{"endpoint", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pitchsync_backend_attempt_duration_seconds",
			Help:    "Duration of single backend request attempts",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pitchsync_phase_submissions_total",
			Help: "Evaluated phase submissions by resulting status",
		}, []string{"phase", "status"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pitchsync_broadcasts_received_total",
			Help: "Distinct operator broadcasts received",
		}),
	}

	if reg != nil {
		reg.MustRegister(r.attempts, r.latency, r.submissions, r.broadcasts)
	}
	return r
}

// ObserveAttempt records one backend attempt. code is "OK" on success.
func (r *Recorder) ObserveAttempt(endpoint, code string, d time.Duration) {
	if r == nil {
		return
	}
	r.attempts.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
	r.latency.With(prometheus.Labels{"endpoint": endpoint}).Observe(d.Seconds())
}

// ObserveSubmission records an evaluated phase submission
func (r *Recorder) ObserveSubmission(phase, status string) {
	if r == nil {
		return
	}
	r.submissions.With(prometheus.Labels{"phase": phase, "status": status}).Inc()
}

// ObserveBroadcast counts a newly seen broadcast
func (r *Recorder) ObserveBroadcast() {
	if r == nil {
		return
	}
	r.broadcasts.Inc()
}
