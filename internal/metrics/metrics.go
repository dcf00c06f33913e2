// Package metrics records what one crane run did. A run is a short-lived
// process, so the numbers are pushed to a Pushgateway instead of scraped.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "crane"
	subsystem = "upgrade"

	LabelService = "service"
	LabelOutcome = "outcome"
)

// Recorder owns a registry per run so pushed values never mix with the
// default process collectors.
type Recorder struct {
	registry *prometheus.Registry
	started  time.Time

	pollTicks         prometheus.Counter
	transientFailures *prometheus.CounterVec
	submitted         *prometheus.CounterVec
	duration          prometheus.Gauge
	outcome           *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		pollTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_ticks_total",
			Help:      "Poll rounds made while waiting for services to converge.",
		}),
		transientFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transient_failures_total",
			Help:      "Failed state reads that were retried on the next tick.",
		}, []string{LabelService}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "submitted_total",
			Help:      "Upgrade requests accepted by the platform.",
		}, []string{LabelService}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Wall time of the run until its outcome was recorded.",
		}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outcome",
			Help:      "1 for the outcome the run ended with.",
		}, []string{LabelOutcome}),
	}
	r.registry.MustRegister(r.pollTicks, r.transientFailures, r.submitted, r.duration, r.outcome)
	return r
}

// Registry exposes the collectors, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) PollTick() {
	r.pollTicks.Inc()
}

func (r *Recorder) TransientFailure(service string) {
	r.transientFailures.WithLabelValues(service).Inc()
}

func (r *Recorder) Submitted(service string) {
	r.submitted.WithLabelValues(service).Inc()
}

// Finish records the outcome ("success" or "failure") and the elapsed time.
func (r *Recorder) Finish(outcome string) {
	r.duration.Set(time.Since(r.started).Seconds())
	r.outcome.Reset()
	r.outcome.WithLabelValues(outcome).Set(1)
}

// Push sends everything recorded so far to the Pushgateway at url under the
// "crane" job, replacing the previous push of the same grouping.
func (r *Recorder) Push(ctx context.Context, url string, grouping map[string]string, client *http.Client) error {
	pusher := push.New(url, "crane").Gatherer(r.registry)
	for name, value := range grouping {
		if value != "" {
			pusher = pusher.Grouping(name, value)
		}
	}
	if client != nil {
		pusher = pusher.Client(client)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return errors.Wrapf(err, "failed to push metrics to %s", url)
	}
	return nil
}
