package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce        sync.Once
	driverCalls        *prometheus.CounterVec
	driverCallDuration *prometheus.HistogramVec
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		driverCalls = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lerobot",
			Subsystem: "session",
			Name:      "driver_calls_total",
			Help:      "Driver calls executed by session workers",
		}, []string{"robot_id", "op", "result"})
		driverCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lerobot",
			Subsystem: "session",
			Name:      "driver_call_duration_seconds",
			Help:      "Latency of driver calls executed by session workers",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"})
	})
}

func observeDriverCall(robotID, op string, start time.Time, err error) {
	ensureMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	driverCalls.WithLabelValues(robotID, op, result).Inc()
	driverCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
