// Package metrics exposes Prometheus collectors for the approval workflow.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stagegate"

type Recorder struct {
	Registry *prometheus.Registry

	submissions      *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	versionConflicts prometheus.Counter
	stagesFinalized  *prometheus.CounterVec
	published        *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		Registry: reg,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_submissions_total",
			Help:      "Stage submissions by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Recorded approval decisions by decision.",
		}, []string{"decision"}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Initiative writes rejected by the version check.",
		}),
		stagesFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_finalized_total",
			Help:      "Stages approved and closed, by stage key.",
		}, []string{"stage"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_published_total",
			Help:      "Change event notifications by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		r.submissions,
		r.decisions,
		r.versionConflicts,
		r.stagesFinalized,
		r.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Submission outcome is "pending", "finalized" or a lower-case error kind.
func (r *Recorder) Submission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Decision(decision string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(decision).Inc()
}

func (r *Recorder) VersionConflict() {
	if r == nil {
		return
	}
	r.versionConflicts.Inc()
}

func (r *Recorder) StageFinalized(stage string) {
	if r == nil {
		return
	}
	r.stagesFinalized.WithLabelValues(stage).Inc()
}

func (r *Recorder) Published(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.published.WithLabelValues(result).Inc()
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
