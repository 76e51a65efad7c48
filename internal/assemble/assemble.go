// Package assemble concatenates a transfer's staged chunks into the final
// output artifact.
package assemble

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/artemis/chunkrelay/internal/eventbus"
	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/observability"
	"github.com/artemis/chunkrelay/internal/staging"
	"github.com/artemis/chunkrelay/internal/store"
)

// ErrMissingChunk is returned when a chunk file is absent from staging at
// assembly time.
var ErrMissingChunk = errors.New("assemble: missing chunk")

// ErrCorrupt is returned when a staged chunk's bytes no longer match its
// stored checksum, which the spec treats as hard, non-retryable corruption.
var ErrCorrupt = errors.New("assemble: chunk corrupt")

// copyBufferSize bounds the memory used while streaming chunks together;
// it never holds more than one buffer's worth of any chunk in memory.
const copyBufferSize = 256 * 1024

// Assembler concatenates staged chunks into the final output file.
type Assembler struct {
	store   *store.Store
	staging *staging.Staging
	bus     *eventbus.Hub
	logger  *observability.Logger
}

// New builds an Assembler over its collaborators.
func New(st *store.Store, stg *staging.Staging, bus *eventbus.Hub, logger *observability.Logger) *Assembler {
	return &Assembler{store: st, staging: stg, bus: bus, logger: logger}
}

// outputPath returns the deterministic assembled-file path for a manifest.
func (a *Assembler) outputPath(dir, filename string) string {
	return filepath.Join(dir, "assembled_"+filename)
}

// Dir exposes the transfer's staging directory, so the download handler can
// locate an already-assembled output without duplicating path logic.
func (a *Assembler) Dir(fileID string) (string, error) {
	return a.staging.Dir(fileID)
}

// Assemble concatenates every chunk of fileID, in ascending chunk_id order,
// into a single output file, and marks the transfer completed on success.
func (a *Assembler) Assemble(fileID string) (string, error) {
	manifest, err := a.store.GetManifest(fileID)
	if err != nil {
		return "", err
	}

	dir, err := a.staging.Dir(fileID)
	if err != nil {
		return "", err
	}
	outPath := a.outputPath(dir, manifest.Filename)

	// Idempotent success: already completed and the artifact is still there.
	if manifest.Status == model.StatusCompleted {
		if _, err := os.Stat(outPath); err == nil {
			return outPath, nil
		}
	}

	// Verify all chunks exist in staging before attempting to concatenate.
	for c := 0; c < manifest.TotalChunks; c++ {
		if !a.staging.Exists(fileID, c) {
			return "", fmt.Errorf("%w: chunk %d", ErrMissingChunk, c)
		}
	}

	tmpPath := outPath + ".assembling"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	for c := 0; c < manifest.TotalChunks; c++ {
		row, err := a.store.GetChunk(fileID, c)
		if err != nil {
			out.Close()
			os.Remove(tmpPath)
			return "", err
		}

		if err := a.copyChunk(out, fileID, c, row.Checksum, buf); err != nil {
			out.Close()
			os.Remove(tmpPath)

			if errors.Is(err, ErrCorrupt) {
				now := time.Now()
				if setErr := a.store.SetStatus(fileID, model.StatusFailed, now); setErr != nil {
					a.logger.ErrorRedacted("failed to mark transfer failed after corruption")
				}
				a.bus.Emit(eventbus.EventError, fileID, map[string]interface{}{
					"reason":   "corrupt_chunk",
					"chunk_id": c,
				})
				return "", err
			}
			// Transient I/O failure: leave the manifest active so the sender
			// can retry assembly later without losing its staged chunks.
			return "", err
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename assembled output: %w", err)
	}

	if err := a.store.SetStatus(fileID, model.StatusCompleted, time.Now()); err != nil {
		return "", fmt.Errorf("mark completed: %w", err)
	}

	a.bus.Emit(eventbus.EventAssembled, fileID, map[string]interface{}{
		"filename": manifest.Filename,
		"path":     outPath,
	})

	return outPath, nil
}

func (a *Assembler) copyChunk(dst io.Writer, fileID string, chunkID int, expectedChecksum string, buf []byte) error {
	if err := a.staging.VerifyChunk(fileID, chunkID, expectedChecksum); err != nil {
		if errors.Is(err, staging.ErrChecksumMismatch) {
			return fmt.Errorf("%w: chunk %d: %v", ErrCorrupt, chunkID, err)
		}
		return err
	}

	f, err := os.Open(a.staging.ChunkPath(fileID, chunkID))
	if err != nil {
		return fmt.Errorf("open chunk %d: %w", chunkID, err)
	}
	defer f.Close()

	if _, err := io.CopyBuffer(dst, f, buf); err != nil {
		return fmt.Errorf("copy chunk %d: %w", chunkID, err)
	}
	return nil
}
