// Package metrics exposes the coordinator's Prometheus instrumentation.
// The teacher's own go.mod carries github.com/prometheus/client_golang
// as a direct dependency (for its own operator-facing metrics endpoint,
// not included in the retrieved source slice); this package wires that
// same dependency using the library's own canonical promauto pattern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/histogram the coordinator emits, grouped
// by the component that owns them (pipeline, statemachine, settlement).
type Registry struct {
	MessagesSubmitted  *prometheus.CounterVec
	MessagesRejected   *prometheus.CounterVec
	PipelineLatency    *prometheus.HistogramVec
	LockWaitLatency    prometheus.Histogram
	ChannelsOpen       prometheus.Gauge
	ChannelsDisputed   prometheus.Counter
	CheckpointsBatched prometheus.Counter
	CheckpointBatchLag prometheus.Histogram
	SettlementRetries  prometheus.Counter
	SettlementFailures prometheus.Counter
}

// New registers every metric against a fresh registry. Production wiring
// uses prometheus.NewRegistry() rather than the global DefaultRegisterer
// so tests can construct isolated Registries without collector
// collisions.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		MessagesSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "photonx",
			Subsystem: "pipeline",
			Name:      "messages_submitted_total",
			Help:      "Messages accepted by the pipeline, labeled by message type.",
		}, []string{"type"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "photonx",
			Subsystem: "pipeline",
			Name:      "messages_rejected_total",
			Help:      "Messages rejected by the pipeline, labeled by message type and rejection kind.",
		}, []string{"type", "kind"}),
		PipelineLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "photonx",
			Subsystem: "pipeline",
			Name:      "submit_duration_seconds",
			Help:      "End-to-end Submit() latency, labeled by message type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		LockWaitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "photonx",
			Subsystem: "pipeline",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a channel's distributed lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		ChannelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "photonx",
			Subsystem: "statemachine",
			Name:      "channels_open",
			Help:      "Current count of channels in status active or checkpointing.",
		}),
		ChannelsDisputed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "photonx",
			Subsystem: "statemachine",
			Name:      "channels_disputed_total",
			Help:      "Channels that have transitioned to disputed.",
		}),
		CheckpointsBatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "photonx",
			Subsystem: "settlement",
			Name:      "checkpoints_batched_total",
			Help:      "Checkpoints flushed to the submitter, across all batches.",
		}),
		CheckpointBatchLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "photonx",
			Subsystem: "settlement",
			Name:      "checkpoint_batch_lag_seconds",
			Help:      "Time a checkpoint spent queued before its batch flushed.",
			Buckets:   prometheus.DefBuckets,
		}),
		SettlementRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "photonx",
			Subsystem: "settlement",
			Name:      "submission_retries_total",
			Help:      "Settlement submission retry attempts.",
		}),
		SettlementFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "photonx",
			Subsystem: "settlement",
			Name:      "submission_escalations_total",
			Help:      "Settlement submissions that exhausted retries and escalated to disputed.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
