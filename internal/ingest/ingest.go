// Package ingest implements the chunk-acceptance engine: the single entry
// point a chunk upload passes through before it is durable.
package ingest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/artemis/chunkrelay/internal/eventbus"
	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/observability"
	"github.com/artemis/chunkrelay/internal/staging"
	"github.com/artemis/chunkrelay/internal/store"
)

// Outcome classifies how an upload was handled, so the HTTP layer can pick
// the right status code without re-deriving it from the error type.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDuplicate
	OutcomeRejectedInput
	OutcomeNotFound
	OutcomeConflict
	OutcomeServerError
)

// Result is what Accept returns: enough for the HTTP handler to build both
// the success and error response bodies from a single value.
type Result struct {
	Outcome  Outcome
	Err      error
	Received int
	Total    int
	Speed    float64
	Progress float64
}

// Ingestor accepts chunk uploads: validates, verifies checksum, stages,
// commits, and emits.
type Ingestor struct {
	store   *store.Store
	staging *staging.Staging
	bus     *eventbus.Hub
	metrics *observability.Metrics
	logger  *observability.Logger
}

// New builds an Ingestor over its store, staging area, event hub, metrics,
// and logger.
func New(st *store.Store, stg *staging.Staging, bus *eventbus.Hub, metrics *observability.Metrics, logger *observability.Logger) *Ingestor {
	return &Ingestor{store: st, staging: stg, bus: bus, metrics: metrics, logger: logger}
}

// Accept runs one chunk upload through the full validate → verify → stage →
// commit → emit pipeline described for the ingestion engine.
func (ing *Ingestor) Accept(fileID string, chunkID int, declaredChecksum string, data []byte) Result {
	// 1. Input validation.
	if fileID == "" || declaredChecksum == "" || chunkID < 0 || len(data) == 0 {
		ing.metrics.RecordChunkRejected("malformed_input")
		return Result{Outcome: OutcomeRejectedInput, Err: fmt.Errorf("malformed chunk upload")}
	}

	// 2. Checksum verify, before any disk write.
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(actual), []byte(declaredChecksum)) != 1 {
		ing.metrics.RecordChunkRejected("checksum_mismatch")
		if stats, err := ing.store.GetStats(fileID); err == nil {
			if err := ing.store.UpdateStats(fileID, stats.TotalBytes, stats.ChunksReceived, stats.AvgSpeed, stats.Errors+1); err != nil {
				ing.logger.ErrorRedacted("failed to update transfer stats after checksum mismatch")
			}
		}
		ing.bus.Emit(eventbus.EventError, fileID, map[string]interface{}{
			"chunk_id": chunkID,
			"reason":   "checksum_mismatch",
		})
		return Result{Outcome: OutcomeRejectedInput, Err: staging.ErrChecksumMismatch}
	}

	// 3. Manifest lookup.
	manifest, err := ing.store.GetManifest(fileID)
	if errors.Is(err, store.ErrNotFound) {
		ing.metrics.RecordChunkRejected("unknown_file_id")
		return Result{Outcome: OutcomeNotFound, Err: err}
	}
	if err != nil {
		return Result{Outcome: OutcomeServerError, Err: err}
	}
	if manifest.Status != model.StatusActive {
		ing.metrics.RecordChunkRejected("inactive_transfer")
		return Result{Outcome: OutcomeConflict, Err: fmt.Errorf("transfer %s is %s, not active", fileID, manifest.Status)}
	}
	if chunkID >= manifest.TotalChunks {
		ing.metrics.RecordChunkRejected("chunk_id_out_of_range")
		return Result{Outcome: OutcomeRejectedInput, Err: fmt.Errorf("chunk_id %d out of range [0,%d)", chunkID, manifest.TotalChunks)}
	}
	row, err := ing.store.GetChunk(fileID, chunkID)
	if errors.Is(err, store.ErrNotFound) {
		ing.metrics.RecordChunkRejected("no_chunk_row")
		return Result{Outcome: OutcomeRejectedInput, Err: err}
	}
	if err != nil {
		return Result{Outcome: OutcomeServerError, Err: err}
	}

	// 4. Idempotency check.
	if row.Received {
		received, _ := ing.store.CountReceived(fileID)
		ing.metrics.RecordChunkAccepted(fileID, 0, true)
		return ing.successResult(fileID, received, manifest.TotalChunks, true)
	}

	// 5. Stage write (write-temp-then-rename), keyed to the manifest's own
	// declared checksum for this chunk, not just the caller's claim.
	if err := ing.staging.WriteChunk(fileID, chunkID, data, row.Checksum); err != nil {
		ing.metrics.RecordChunkRejected("stage_write_failed")
		return Result{Outcome: OutcomeServerError, Err: err}
	}

	// 6. Commit.
	prior, err := ing.store.MarkChunkReceived(fileID, chunkID, time.Now())
	if err != nil {
		return Result{Outcome: OutcomeServerError, Err: err}
	}
	if prior {
		received, _ := ing.store.CountReceived(fileID)
		return ing.successResult(fileID, received, manifest.TotalChunks, true)
	}

	received, err := ing.store.CountReceived(fileID)
	if err != nil {
		return Result{Outcome: OutcomeServerError, Err: err}
	}

	stats, _ := ing.store.GetStats(fileID)
	totalBytes := stats.TotalBytes + int64(len(data))
	elapsed := time.Since(stats.StartTime).Seconds()
	avgSpeed := 0.0
	if elapsed > 0 {
		avgSpeed = float64(totalBytes) / elapsed
	}
	if err := ing.store.UpdateStats(fileID, totalBytes, received, avgSpeed, stats.Errors); err != nil {
		ing.logger.ErrorRedacted("failed to update transfer stats")
	}

	ing.metrics.RecordChunkAccepted(fileID, int64(len(data)), false)

	// 7. Emit.
	ing.bus.Emit(eventbus.EventChunkReceived, fileID, map[string]interface{}{
		"chunk_id":   chunkID,
		"received":   received,
		"total":      manifest.TotalChunks,
		"filename":   manifest.Filename,
		"chunk_size": manifest.ChunkSize,
		"speed":      avgSpeed,
	})
	if received == manifest.TotalChunks {
		ing.bus.Emit(eventbus.EventTransferCompleted, fileID, map[string]interface{}{
			"filename": manifest.Filename,
		})
	}

	return ing.successResultWithSpeed(fileID, received, manifest.TotalChunks, false, avgSpeed)
}

func (ing *Ingestor) successResult(fileID string, received, total int, duplicate bool) Result {
	return ing.successResultWithSpeed(fileID, received, total, duplicate, 0)
}

func (ing *Ingestor) successResultWithSpeed(fileID string, received, total int, duplicate bool, speed float64) Result {
	outcome := OutcomeAccepted
	if duplicate {
		outcome = OutcomeDuplicate
	}
	progress := 0.0
	if total > 0 {
		progress = float64(received) / float64(total) * 100
	}
	return Result{
		Outcome:  outcome,
		Received: received,
		Total:    total,
		Speed:    speed,
		Progress: progress,
	}
}
