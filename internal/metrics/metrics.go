package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// Observer records charge progress as Prometheus series. It satisfies
// resilience.Observer and never blocks.
type Observer struct {
	// AttemptsTotal counts submissions by corrective action
	AttemptsTotal *prometheus.CounterVec
	// FailuresTotal counts failed attempts by failure kind
	FailuresTotal *prometheus.CounterVec
	// RetryDelay tracks backoff waits between attempts
	RetryDelay prometheus.Histogram
	// ChargesTotal counts finished charges by final status and kind
	ChargesTotal *prometheus.CounterVec
	// ChargeAttempts tracks how many submissions a charge needed
	ChargeAttempts prometheus.Histogram
	// DialFailures counts failed network connections
	DialFailures *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscriptions_charge_attempts_total",
				Help: "Total number of on-chain charge submissions",
			},
			[]string{"action"},
		),
		FailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscriptions_charge_failures_total",
				Help: "Total number of failed charge attempts",
			},
			[]string{"kind"},
		),
		RetryDelay: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "subscriptions_retry_delay_seconds",
				Help:    "Backoff delay before a retried charge attempt",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
			},
		),
		ChargesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscriptions_charges_total",
				Help: "Total number of finished charges",
			},
			[]string{"status", "kind"},
		),
		ChargeAttempts: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "subscriptions_charge_attempt_count",
				Help:    "Submissions used per finished charge",
				Buckets: prometheus.LinearBuckets(0, 1, 8),
			},
		),
		DialFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscriptions_dial_failures_total",
				Help: "Total number of failed network dials",
			},
			[]string{"network"},
		),
	}
}

func (o *Observer) Observe(ev resilience.Event) {
	switch ev.Outcome {
	case resilience.OutcomeSubmitting:
		o.AttemptsTotal.WithLabelValues(string(ev.Action)).Inc()
	case resilience.OutcomeFailed:
		o.FailuresTotal.WithLabelValues(ev.Kind.String()).Inc()
	case resilience.OutcomeRetryWait:
		o.RetryDelay.Observe(ev.Delay.Seconds())
	}
}

// RecordResult counts a finished charge.
func (o *Observer) RecordResult(r resilience.Result) {
	o.ChargesTotal.WithLabelValues(string(r.Status), r.Kind.String()).Inc()
	o.ChargeAttempts.Observe(float64(r.Attempts))
}

// RecordDial counts a failed dial. Successful dials are not recorded.
func (o *Observer) RecordDial(network string, err error) {
	if err != nil {
		o.DialFailures.WithLabelValues(network).Inc()
	}
}
