package signd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signd_uploads_total",
		Help: "Accepted upload requests.",
	})

	signsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signd_signs_total",
		Help: "Sign attempts by outcome.",
	}, []string{"outcome"})

	signDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signd_sign_duration_seconds",
		Help:    "Wall time of external signing tool invocations.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	sweepDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signd_sweep_deleted_total",
		Help: "Records and files removed by the expiry sweeper, by kind.",
	}, []string{"kind"})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signd_sweep_errors_total",
		Help: "Per-record sweep failures (logged and skipped).",
	})
)
