package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemis/chunkrelay/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testManifest(fileID string, totalChunks int) (model.Manifest, []model.ChunkMeta) {
	m := model.Manifest{
		FileID:    fileID,
		Filename:  "test.bin",
		Size:      int64(totalChunks * 100),
		ChunkSize: 100,
	}
	chunks := make([]model.ChunkMeta, totalChunks)
	for i := 0; i < totalChunks; i++ {
		chunks[i] = model.ChunkMeta{ChunkID: i, Size: 100, Checksum: "sum"}
	}
	return m, chunks
}

func TestCreateAndGetManifest(t *testing.T) {
	s := openTestStore(t)
	m, chunks := testManifest("file-1", 3)

	if err := s.CreateManifest(m, chunks); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	got, err := s.GetManifest("file-1")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("expected new manifest to be active, got %s", got.Status)
	}
	if got.TotalChunks != 3 {
		t.Errorf("expected 3 chunks, got %d", got.TotalChunks)
	}

	missing, err := s.ListMissing("file-1")
	if err != nil {
		t.Fatalf("ListMissing: %v", err)
	}
	if len(missing) != 3 {
		t.Errorf("expected all 3 chunks missing, got %d", len(missing))
	}
}

func TestGetManifestNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetManifest("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateManifestReplacesChunkRows(t *testing.T) {
	s := openTestStore(t)
	m, chunks := testManifest("file-1", 3)
	if err := s.CreateManifest(m, chunks); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	if _, err := s.MarkChunkReceived("file-1", 0, time.Now()); err != nil {
		t.Fatalf("MarkChunkReceived: %v", err)
	}

	// Re-split mid-transfer with a different chunking.
	m2, chunks2 := testManifest("file-1", 5)
	if err := s.CreateManifest(m2, chunks2); err != nil {
		t.Fatalf("re-CreateManifest: %v", err)
	}

	missing, err := s.ListMissing("file-1")
	if err != nil {
		t.Fatalf("ListMissing: %v", err)
	}
	if len(missing) != 5 {
		t.Errorf("expected all 5 new chunks missing after re-split, got %d", len(missing))
	}
}

func TestMarkChunkReceivedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	m, chunks := testManifest("file-1", 2)
	if err := s.CreateManifest(m, chunks); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	prior, err := s.MarkChunkReceived("file-1", 0, time.Now())
	if err != nil {
		t.Fatalf("MarkChunkReceived: %v", err)
	}
	if prior {
		t.Error("expected prior=false on first commit")
	}

	prior, err = s.MarkChunkReceived("file-1", 0, time.Now())
	if err != nil {
		t.Fatalf("MarkChunkReceived (dup): %v", err)
	}
	if !prior {
		t.Error("expected prior=true on duplicate commit")
	}

	count, err := s.CountReceived("file-1")
	if err != nil {
		t.Fatalf("CountReceived: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 received chunk, got %d", count)
	}
}

func TestSetStatusEnforcesTransitions(t *testing.T) {
	s := openTestStore(t)
	m, chunks := testManifest("file-1", 1)
	if err := s.CreateManifest(m, chunks); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	if err := s.SetStatus("file-1", model.StatusCompleted, time.Now()); err != nil {
		t.Fatalf("SetStatus(completed): %v", err)
	}

	got, err := s.GetManifest("file-1")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be stamped")
	}

	// completed -> active is not a legal transition.
	if err := s.SetStatus("file-1", model.StatusActive, time.Now()); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestSweepStale(t *testing.T) {
	s := openTestStore(t)
	m, chunks := testManifest("file-1", 1)
	m.CreatedAt = time.Now().Add(-2 * time.Hour)
	if err := s.CreateManifest(m, chunks); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	swept, err := s.SweepStale(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 manifest swept, got %d", swept)
	}

	got, err := s.GetManifest("file-1")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Status != model.StatusStale {
		t.Errorf("expected stale, got %s", got.Status)
	}
}

func TestGetProgress(t *testing.T) {
	s := openTestStore(t)
	m, chunks := testManifest("file-1", 4)
	if err := s.CreateManifest(m, chunks); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	if _, err := s.MarkChunkReceived("file-1", 0, time.Now()); err != nil {
		t.Fatalf("MarkChunkReceived: %v", err)
	}
	if _, err := s.MarkChunkReceived("file-1", 1, time.Now()); err != nil {
		t.Fatalf("MarkChunkReceived: %v", err)
	}

	progress, err := s.GetProgress("file-1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.ReceivedChunks != 2 || progress.TotalChunksDeclared != 4 {
		t.Errorf("expected 2/4 received, got %d/%d", progress.ReceivedChunks, progress.TotalChunksDeclared)
	}
	if progress.ProgressPercent != 50 {
		t.Errorf("expected 50%%, got %v", progress.ProgressPercent)
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
