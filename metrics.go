package rnaqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every dispatcher; series are labelled by kind.
type Metrics struct {
	Received   *prometheus.CounterVec
	Contention *prometheus.CounterVec
	Retried    *prometheus.CounterVec
	Abandoned  *prometheus.CounterVec
	Completed  *prometheus.CounterVec
	Failed     *prometheus.CounterVec
	InFlight   *prometheus.GaugeVec
	Duration   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := []string{"kind"}
	return &Metrics{
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rnaqueue", Name: "tasks_received_total",
			Help: "Task deliveries received by dispatchers.",
		}, labels),
		Contention: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rnaqueue", Name: "lock_contention_total",
			Help: "Deliveries that found the user's lock held.",
		}, labels),
		Retried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rnaqueue", Name: "tasks_retried_total",
			Help: "Tasks re-published with a delay.",
		}, labels),
		Abandoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rnaqueue", Name: "tasks_abandoned_total",
			Help: "Tasks dropped after exhausting retries.",
		}, labels),
		Completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rnaqueue", Name: "tasks_completed_total",
			Help: "Tasks whose processor succeeded.",
		}, labels),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rnaqueue", Name: "tasks_failed_total",
			Help: "Tasks whose processor failed.",
		}, labels),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rnaqueue", Name: "tasks_in_flight",
			Help: "Tasks currently holding a lock and processing.",
		}, labels),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rnaqueue", Name: "processing_seconds",
			Help:    "Processor wall time.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, labels),
	}
}
