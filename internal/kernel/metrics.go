package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_attention_forward_total",
		Help: "Total number of attention forward passes by variant and result",
	}, []string{"variant", "result"})

	forwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_attention_errors_total",
		Help: "Total number of rejected or failed forward passes by error class",
	}, []string{"class"})

	workUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_attention_work_units_total",
		Help: "Total number of (batch, head, query tile) units processed",
	})

	planCompiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_attention_plan_compiles_total",
		Help: "Total number of kernel plans compiled",
	})

	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flash_attention_forward_duration_seconds",
		Help:    "Wall time of a forward pass by variant",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"variant"})
)
