package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_device_launches_total",
		Help: "Total number of grid launches by result",
	}, []string{"result"})

	blocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_device_blocks_total",
		Help: "Total number of blocks executed",
	})

	copyBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_device_async_copy_bytes_total",
		Help: "Bytes moved from main memory to scratch by async copies",
	})

	barrierWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_device_barrier_waits_total",
		Help: "Total number of lane group barrier arrivals",
	})

	launchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flash_device_launch_duration_seconds",
		Help:    "Wall time of a grid launch",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})
)
