// Package metrics exposes Prometheus observability primitives for the billing
// engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Provide(NewMetrics)

type Metrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobClaimed      *prometheus.CounterVec
	invoices        *prometheus.CounterVec
	invoiceAmount   *prometheus.HistogramVec
	paymentAttempts *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	sessionsMoved   *prometheus.CounterVec
}

// NewMetrics registers and returns Prometheus metrics.
func NewMetrics() *Metrics {
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_scheduler_job_runs_total",
		Help: "Scheduler job executions by job and status.",
	}, []string{"job", "status"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_scheduler_job_duration_seconds",
		Help:    "Scheduler job run durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	jobClaimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_scheduler_rows_claimed_total",
		Help: "Rows claimed per scheduler job.",
	}, []string{"job"})

	invoices := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_invoices_total",
		Help: "Invoices created by kind and status.",
	}, []string{"kind", "status"})

	invoiceAmount := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_invoice_amount_minor_units",
		Help:    "Invoice amount distribution in minor currency units.",
		Buckets: []float64{1000, 5000, 10000, 50000, 100000, 500000},
	}, []string{"kind"})

	paymentAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_payment_attempts_total",
		Help: "Payment collection attempts by outcome.",
	}, []string{"outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_subscription_transitions_total",
		Help: "Subscription state transitions by target state.",
	}, []string{"to"})

	sessionsMoved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_sessions_moved_total",
		Help: "Session units moved through the ledger by entry kind.",
	}, []string{"kind"})

	prometheus.MustRegister(
		jobRuns,
		jobDuration,
		jobClaimed,
		invoices,
		invoiceAmount,
		paymentAttempts,
		transitions,
		sessionsMoved,
	)

	return &Metrics{
		jobRuns:         jobRuns,
		jobDuration:     jobDuration,
		jobClaimed:      jobClaimed,
		invoices:        invoices,
		invoiceAmount:   invoiceAmount,
		paymentAttempts: paymentAttempts,
		transitions:     transitions,
		sessionsMoved:   sessionsMoved,
	}
}

// ObserveJobRun records one scheduler job execution.
func (m *Metrics) ObserveJobRun(job, status string, claimed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if claimed > 0 {
		m.jobClaimed.WithLabelValues(job).Add(float64(claimed))
	}
}

// ObserveInvoice records invoice creation by kind and status.
func (m *Metrics) ObserveInvoice(kind, status string, amount int64) {
	if m == nil {
		return
	}
	m.invoices.WithLabelValues(kind, status).Inc()
	m.invoiceAmount.WithLabelValues(kind).Observe(float64(amount))
}

// ObservePaymentAttempt records a collection attempt outcome.
func (m *Metrics) ObservePaymentAttempt(outcome string) {
	if m == nil {
		return
	}
	m.paymentAttempts.WithLabelValues(outcome).Inc()
}

// ObserveTransition records a subscription entering a state.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// ObserveSessionsMoved records units flowing through the ledger.
func (m *Metrics) ObserveSessionsMoved(kind string, units int64) {
	if m == nil || units == 0 {
		return
	}
	if units < 0 {
		units = -units
	}
	m.sessionsMoved.WithLabelValues(kind).Add(float64(units))
}
