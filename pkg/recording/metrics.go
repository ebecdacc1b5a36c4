package recording

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce    sync.Once
	framesCaptured *prometheus.CounterVec
	activeCaptures prometheus.Gauge
	playbacks      *prometheus.CounterVec
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		framesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lerobot",
			Subsystem: "recording",
			Name:      "frames_captured_total",
			Help:      "Frames appended by capture loops",
		}, []string{"robot_id"})
		activeCaptures = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "lerobot",
			Subsystem: "recording",
			Name:      "active_captures",
			Help:      "Capture loops currently running",
		})
		playbacks = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lerobot",
			Subsystem: "recording",
			Name:      "playbacks_total",
			Help:      "Finished playbacks by result",
		}, []string{"robot_id", "result"})
	})
}
