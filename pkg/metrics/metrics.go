// Package metrics exports orchestrator activity as Prometheus metrics.
//
// The Observer plugs into an orchestrator like any other api.Observer:
//
//	reg := prometheus.NewRegistry()
//	obs, err := metrics.New(reg)
//	orch := txflow.NewInMemory(txflow.WithObserver(obs))
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/txflow/pkg/api"
)

const namespace = "txflow"

// Outcome label values of step metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Observer records transactions and step invocations.
type Observer struct {
	api.NoopObserver

	started       *prometheus.CounterVec
	finished      *prometheus.CounterVec
	inFlight      *prometheus.GaugeVec
	compensations *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
}

// New creates an Observer and registers its collectors with reg. A nil reg
// means prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Transactions created.",
		}, []string{"workflow_id"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_finished_total",
			Help:      "Transactions that reached a terminal state.",
		}, []string{"workflow_id", "state"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_in_flight",
			Help:      "Transactions started by this process and not yet terminal.",
		}, []string{"workflow_id"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Transactions that entered compensation.",
		}, []string{"workflow_id"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_invocations_total",
			Help:      "Step handler invocations by outcome.",
		}, []string{"workflow_id", "step_id", "action", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow_id", "action"}),
	}

	var err error
	if o.started, err = register(reg, o.started); err != nil {
		return nil, err
	}
	if o.finished, err = register(reg, o.finished); err != nil {
		return nil, err
	}
	if o.inFlight, err = register(reg, o.inFlight); err != nil {
		return nil, err
	}
	if o.compensations, err = register(reg, o.compensations); err != nil {
		return nil, err
	}
	if o.steps, err = register(reg, o.steps); err != nil {
		return nil, err
	}
	if o.stepDuration, err = register(reg, o.stepDuration); err != nil {
		return nil, err
	}
	return o, nil
}

// register adds c to reg, or returns the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (o *Observer) OnTransactionStart(ctx context.Context, tx *api.TransactionExecution) {
	o.started.WithLabelValues(tx.WorkflowID).Inc()
	o.inFlight.WithLabelValues(tx.WorkflowID).Inc()
}

func (o *Observer) OnTransactionFinished(ctx context.Context, tx *api.TransactionExecution) {
	o.finished.WithLabelValues(tx.WorkflowID, string(tx.State)).Inc()
	o.inFlight.WithLabelValues(tx.WorkflowID).Dec()
}

func (o *Observer) OnCompensationStart(ctx context.Context, tx *api.TransactionExecution, reason string) {
	o.compensations.WithLabelValues(tx.WorkflowID).Inc()
}

func (o *Observer) OnStepCompleted(ctx context.Context, tx *api.TransactionExecution, stepID string, action api.Action, err error, d time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	o.steps.WithLabelValues(tx.WorkflowID, stepID, string(action), outcome).Inc()
	o.stepDuration.WithLabelValues(tx.WorkflowID, string(action)).Observe(d.Seconds())
}
