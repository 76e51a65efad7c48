package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemis/chunkrelay/internal/eventbus"
	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/observability"
	"github.com/artemis/chunkrelay/internal/staging"
	"github.com/artemis/chunkrelay/internal/store"
)

func newTestIngestor(t *testing.T) (*Ingestor, *store.Store, string) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	stg, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}

	logger, err := observability.NewLogger("error")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	hub := eventbus.NewHub(logger)
	metrics := observability.NewMetrics()

	fileID := "file-1"
	data := []byte("hello world, this is chunk zero")
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	manifest := model.Manifest{FileID: fileID, Filename: "test.bin", Size: int64(len(data))}
	chunks := []model.ChunkMeta{{ChunkID: 0, Size: int64(len(data)), Checksum: checksum}}
	if err := st.CreateManifest(manifest, chunks); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	return New(st, stg, hub, metrics, logger), st, fileID
}

func chunkChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestAcceptCommitsFirstChunk(t *testing.T) {
	ing, st, fileID := newTestIngestor(t)
	data := []byte("hello world, this is chunk zero")

	result := ing.Accept(fileID, 0, chunkChecksum(data), data)
	if result.Outcome != OutcomeAccepted {
		t.Fatalf("expected OutcomeAccepted, got %v (%v)", result.Outcome, result.Err)
	}
	if result.Received != 1 || result.Total != 1 {
		t.Errorf("expected 1/1, got %d/%d", result.Received, result.Total)
	}

	row, err := st.GetChunk(fileID, 0)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if !row.Received {
		t.Error("expected chunk row to be marked received")
	}
}

func TestAcceptDuplicateIsIdempotent(t *testing.T) {
	ing, _, fileID := newTestIngestor(t)
	data := []byte("hello world, this is chunk zero")
	sum := chunkChecksum(data)

	first := ing.Accept(fileID, 0, sum, data)
	if first.Outcome != OutcomeAccepted {
		t.Fatalf("expected first accept to succeed, got %v", first.Outcome)
	}

	second := ing.Accept(fileID, 0, sum, data)
	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("expected OutcomeDuplicate, got %v", second.Outcome)
	}
	if second.Received != 1 {
		t.Errorf("expected received count to stay at 1, got %d", second.Received)
	}
}

func TestAcceptRejectsChecksumMismatch(t *testing.T) {
	ing, _, fileID := newTestIngestor(t)
	data := []byte("hello world, this is chunk zero")

	result := ing.Accept(fileID, 0, chunkChecksum([]byte("not the real data")), data)
	if result.Outcome != OutcomeRejectedInput {
		t.Fatalf("expected OutcomeRejectedInput, got %v", result.Outcome)
	}
}

func TestAcceptRejectsUnknownFile(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	data := []byte("data")

	result := ing.Accept("does-not-exist", 0, chunkChecksum(data), data)
	if result.Outcome != OutcomeNotFound {
		t.Fatalf("expected OutcomeNotFound, got %v", result.Outcome)
	}
}

func TestAcceptRejectsOutOfRangeChunkID(t *testing.T) {
	ing, _, fileID := newTestIngestor(t)
	data := []byte("data")

	result := ing.Accept(fileID, 99, chunkChecksum(data), data)
	if result.Outcome != OutcomeRejectedInput {
		t.Fatalf("expected OutcomeRejectedInput for out-of-range chunk, got %v", result.Outcome)
	}
}

func TestAcceptRejectsMalformedInput(t *testing.T) {
	ing, _, fileID := newTestIngestor(t)

	result := ing.Accept(fileID, 0, "", nil)
	if result.Outcome != OutcomeRejectedInput {
		t.Fatalf("expected OutcomeRejectedInput for empty input, got %v", result.Outcome)
	}
}

func TestAcceptRejectsInactiveTransfer(t *testing.T) {
	ing, st, fileID := newTestIngestor(t)
	if err := st.SetStatus(fileID, model.StatusFailed, time.Now()); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	data := []byte("hello world, this is chunk zero")
	result := ing.Accept(fileID, 0, chunkChecksum(data), data)
	if result.Outcome != OutcomeConflict {
		t.Fatalf("expected OutcomeConflict for inactive transfer, got %v", result.Outcome)
	}
}
