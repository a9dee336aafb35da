package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики Prometheus оркестратора генерации.
var (
	shotsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyboard_shots_generated_total",
			Help: "Total number of storyboard shots generated.",
		},
		[]string{"status"}, // "success", "error"
	)
	shotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyboard_shot_generation_duration_seconds",
		Help:    "Duration of a single shot generation.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	scenesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyboard_scenes_processed_total",
			Help: "Total number of scenes fully processed by the queue worker.",
		},
		[]string{"status"}, // "completed", "failed"
	)
	quotaPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyboard_quota_pauses_total",
		Help: "Total number of quota-triggered queue pauses.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyboard_generation_queue_depth",
		Help: "Current number of scenes waiting in the generation queue.",
	})
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyboard_shot_retries_total",
			Help: "Total number of manual single-shot retries.",
		},
		[]string{"status"}, // "success", "error"
	)
)
