package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_forward_total",
		Help: "Total number of result records forwarded by outcome",
	}, []string{"result"})

	forwardRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_forward_rows_total",
		Help: "Total number of output rows forwarded to the remote dataset",
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flash_forward_circuit_state",
		Help: "Forwarding circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)
