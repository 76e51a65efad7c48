package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksReceived tracks accepted chunk uploads, split by duplicate vs new.
	ChunksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_chunks_received_total",
			Help: "Total number of chunk uploads accepted by the ingestor",
		},
		[]string{"duplicate"},
	)

	// ChunkBytesReceived tracks bytes landed in staging.
	ChunkBytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_chunk_bytes_received_total",
			Help: "Total bytes received via chunk uploads",
		},
		[]string{"file_id"},
	)

	// ChunkRejections tracks rejected chunk uploads by reason.
	ChunkRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_chunk_rejections_total",
			Help: "Total number of rejected chunk uploads",
		},
		[]string{"reason"},
	)

	// TransferDuration tracks how long a transfer takes from manifest to assembly.
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_transfer_duration_seconds",
			Help:    "Duration of transfers from manifest registration to assembly",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"status"},
	)

	// ActiveTransfers tracks currently active (non-terminal) transfers.
	ActiveTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkrelay_active_transfers",
			Help: "Number of transfers currently in the active state",
		},
	)

	// TransferOutcomes tracks terminal transfer outcomes.
	TransferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_transfer_outcomes_total",
			Help: "Total number of transfers by terminal status",
		},
		[]string{"status"},
	)

	// ConnectedObservers tracks live event-bus subscribers.
	ConnectedObservers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkrelay_connected_observers",
			Help: "Number of currently connected event-stream observers",
		},
	)

	// ChecksumVerifications tracks checksum verification outcomes.
	ChecksumVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_checksum_verifications_total",
			Help: "Total number of chunk checksum verifications",
		},
		[]string{"result"},
	)

	// RetryAttempts tracks sender-side retry attempts.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkrelay_retry_attempts_total",
			Help: "Total number of sender-side chunk upload retries",
		},
		[]string{"outcome"},
	)

	// AdaptiveChunkSize tracks the sender's current chunk size decisions.
	AdaptiveChunkSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chunkrelay_adaptive_chunk_size_bytes",
			Help:    "Chunk size chosen by the adaptive sizing policy",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 9),
		},
	)

	// StaleSweeps tracks how many manifests a sweep pass marks stale.
	StaleSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkrelay_stale_sweeps_total",
			Help: "Total number of manifests transitioned to stale by the sweeper",
		},
	)
)

// Metrics provides a narrow facade over the package-level collectors above,
// mirroring how the teacher's observability package groups related metric
// updates behind named methods instead of scattering WithLabelValues calls.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordChunkAccepted records one accepted chunk upload.
func (m *Metrics) RecordChunkAccepted(fileID string, bytes int64, duplicate bool) {
	ChunksReceived.WithLabelValues(boolLabel(duplicate)).Inc()
	if !duplicate {
		ChunkBytesReceived.WithLabelValues(fileID).Add(float64(bytes))
	}
}

// RecordChunkRejected records one rejected chunk upload.
func (m *Metrics) RecordChunkRejected(reason string) {
	ChunkRejections.WithLabelValues(reason).Inc()
}

// RecordTransferOutcome records a terminal transfer outcome and its duration.
func (m *Metrics) RecordTransferOutcome(status string, seconds float64) {
	TransferOutcomes.WithLabelValues(status).Inc()
	TransferDuration.WithLabelValues(status).Observe(seconds)
}

// SetActiveTransfers sets the gauge of currently active transfers.
func (m *Metrics) SetActiveTransfers(count float64) {
	ActiveTransfers.Set(count)
}

// SetConnectedObservers sets the gauge of connected event-stream observers.
func (m *Metrics) SetConnectedObservers(count float64) {
	ConnectedObservers.Set(count)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
