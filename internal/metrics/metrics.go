// Package metrics exposes the orchestrator's Prometheus collectors,
// grouped by subsystem but centralized in one package since both
// binaries register their collectors against the default registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_jobs_enqueued_total",
			Help: "Total jobs enqueued, by kind",
		},
		[]string{"kind"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_jobs_completed_total",
			Help: "Total jobs reaching a terminal state, by kind and status",
		},
		[]string{"kind", "status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Number of jobs waiting in the priority queue",
		},
	)

	QueueInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_inflight",
			Help: "Number of jobs currently dispatched to a worker",
		},
	)

	RelayConnectedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_relay_connected_devices",
			Help: "Number of desktop devices currently holding a live relay connection",
		},
	)

	LedgerTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_ledger_transactions_total",
			Help: "Total ledger transactions recorded, by kind",
		},
		[]string{"kind"},
	)

	LedgerDiscrepancies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_ledger_discrepancies_total",
			Help: "Total account balance discrepancies found by a reconciliation sweep",
		},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_provider_request_duration_seconds",
			Help:    "LLM provider request latency, by provider and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "outcome"},
	)
)

// QueueGaugeSource is the subset of *jobqueue.Queue the gauge sampler
// reads from.
type QueueGaugeSource interface {
	QueueDepth() int
	InFlightCount() int
}

// RelayGaugeSource is the subset of *relay.Server the gauge sampler
// reads from.
type RelayGaugeSource interface {
	ConnectedDeviceCount() int
}

// SampleGauges periodically reads the queue and relay's current size
// into their gauges, since neither is a counter Prometheus can
// increment/decrement at the call site without threading a metrics
// dependency through the hot path.
func SampleGauges(ctx context.Context, queue QueueGaugeSource, relay RelayGaugeSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if queue != nil {
				QueueDepth.Set(float64(queue.QueueDepth()))
				QueueInFlight.Set(float64(queue.InFlightCount()))
			}
			if relay != nil {
				RelayConnectedDevices.Set(float64(relay.ConnectedDeviceCount()))
			}
		}
	}
}

// Handler returns the /metrics HTTP endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
