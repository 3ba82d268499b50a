package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	fills         *prometheus.CounterVec
	fillNotional  *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	riskDecisions *prometheus.CounterVec
	gatewayAcks   *prometheus.CounterVec
	folds         *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		fills: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_fills_total",
				Help: "Total number of simulated fills",
			},
			[]string{"symbol"},
		),
		fillNotional: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_fill_notional_total",
				Help: "Absolute traded notional",
			},
			[]string{"symbol"},
		),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_order_rejections_total",
				Help: "Orders rejected by the engine, by reason",
			},
			[]string{"reason"},
		),
		riskDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_risk_decisions_total",
				Help: "Risk chain outcomes by deciding validator",
			},
			[]string{"validator", "outcome"},
		),
		gatewayAcks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_gateway_acks_total",
				Help: "Gateway submission results",
			},
			[]string{"status"},
		),
		folds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantlab_fold_duration_seconds",
				Help:    "Walk-forward fold wall time",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"status"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantlab_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordFill(symbol string, notional float64) {
	r.fills.WithLabelValues(symbol).Inc()
	if notional < 0 {
		notional = -notional
	}
	r.fillNotional.WithLabelValues(symbol).Add(notional)
}

func (r *Recorder) RecordOrderRejected(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordRiskDecision(validator, outcome string) {
	r.riskDecisions.WithLabelValues(validator, outcome).Inc()
}

func (r *Recorder) RecordGatewayAck(status string) {
	r.gatewayAcks.WithLabelValues(status).Inc()
}

func (r *Recorder) RecordFold(status string, seconds float64) {
	r.folds.WithLabelValues(status).Observe(seconds)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
