// Package metrics defines the Prometheus collectors shared by the
// monitoring components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labwatch"

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeDiscarded = "discarded"
)

// Metrics groups the collectors.
type Metrics struct {
	polls             *prometheus.CounterVec
	pollDuration      *prometheus.HistogramVec
	streamConnections *prometheus.CounterVec
	streamBytes       prometheus.Counter
	downloads         *prometheus.CounterVec
	downloadBytes     prometheus.Counter
	viewTransitions   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll cycles by component and outcome.",
		}, []string{"component", "outcome"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Wall time of one poll cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"}),
		streamConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_stream_transitions_total",
			Help:      "Log stream state transitions.",
		}, []string{"state"}),
		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_stream_bytes_total",
			Help:      "Bytes appended to log buffers.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Artifact downloads by outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Artifact bytes saved.",
		}),
		viewTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_transitions_total",
			Help:      "Active view transitions by target view.",
		}, []string{"view"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.polls, m.pollDuration, m.streamConnections, m.streamBytes,
			m.downloads, m.downloadBytes, m.viewTransitions,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObservePoll records one poll cycle.
func (m *Metrics) ObservePoll(component, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(component, outcome).Inc()
	m.pollDuration.WithLabelValues(component).Observe(took.Seconds())
}

// StreamTransition records a log stream state change.
func (m *Metrics) StreamTransition(state string) {
	if m == nil {
		return
	}
	m.streamConnections.WithLabelValues(state).Inc()
}

// StreamBytes records appended log bytes.
func (m *Metrics) StreamBytes(n int) {
	if m == nil {
		return
	}
	m.streamBytes.Add(float64(n))
}

// Download records one download attempt.
func (m *Metrics) Download(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.downloadBytes.Add(float64(bytes))
	}
}

// ViewTransition records a change of the active view.
func (m *Metrics) ViewTransition(view string) {
	if m == nil {
		return
	}
	m.viewTransitions.WithLabelValues(view).Inc()
}
