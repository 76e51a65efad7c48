package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/artemis/chunkrelay/internal/assemble"
	"github.com/artemis/chunkrelay/internal/config"
	"github.com/artemis/chunkrelay/internal/eventbus"
	"github.com/artemis/chunkrelay/internal/ingest"
	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/observability"
	"github.com/artemis/chunkrelay/internal/registry"
	"github.com/artemis/chunkrelay/internal/staging"
	"github.com/artemis/chunkrelay/internal/store"
	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	ingestor := ingest.New(st, stg, hub, metrics, logger)
	assembler := assemble.New(st, stg, hub, logger)
	reg := registry.New(st)
	health := observability.NewHealthChecker()

	cfg := config.DefaultConfig()

	return NewServer(cfg, st, ingestor, assembler, reg, health, metrics, hub, logger)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadInitAndMissing(t *testing.T) {
	s := newTestServer(t)
	router := s.GetRouter()

	data := []byte("chunk payload bytes")
	body, _ := json.Marshal(map[string]interface{}{
		"file_id":    "file-1",
		"filename":   "test.bin",
		"size":       len(data),
		"chunk_size": 64 * 1024,
		"chunks": []model.ChunkMeta{
			{ChunkID: 0, Size: int64(len(data)), Checksum: sha256Hex(data)},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/upload/init", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/upload/missing/file-1", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}

	var result struct {
		Missing []int `json:"missing"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Missing) != 1 || result.Missing[0] != 0 {
		t.Errorf("expected [0] missing, got %v", result.Missing)
	}
}

func buildChunkUploadBody(t *testing.T, fileID string, chunkID int, checksum string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("file_id", fileID)
	w.WriteField("chunk_id", strconv.Itoa(chunkID))
	w.WriteField("checksum", checksum)
	fw, err := w.CreateFormFile("chunk", "chunk")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(data)
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestUploadChunkFullLifecycle(t *testing.T) {
	s := newTestServer(t)
	router := s.GetRouter()

	data := []byte("the only chunk in this transfer")
	checksum := sha256Hex(data)

	initBody, _ := json.Marshal(map[string]interface{}{
		"file_id":    "file-1",
		"filename":   "test.bin",
		"size":       len(data),
		"chunk_size": 64 * 1024,
		"chunks": []model.ChunkMeta{
			{ChunkID: 0, Size: int64(len(data)), Checksum: checksum},
		},
	})
	initReq := httptest.NewRequest(http.MethodPost, "/upload/init", bytes.NewReader(initBody))
	initReq.Header.Set("Content-Type", "application/json")
	initRec := httptest.NewRecorder()
	router.ServeHTTP(initRec, initReq)
	if initRec.Code != http.StatusOK {
		t.Fatalf("init failed: %d %s", initRec.Code, initRec.Body.String())
	}

	buf, contentType := buildChunkUploadBody(t, "file-1", 0, checksum, data)
	chunkReq := httptest.NewRequest(http.MethodPost, "/upload/chunk", buf)
	chunkReq.Header.Set("Content-Type", contentType)
	chunkRec := httptest.NewRecorder()
	router.ServeHTTP(chunkRec, chunkReq)
	if chunkRec.Code != http.StatusOK {
		t.Fatalf("chunk upload failed: %d %s", chunkRec.Code, chunkRec.Body.String())
	}

	assembleReq := httptest.NewRequest(http.MethodPost, "/assemble/file-1", nil)
	assembleRec := httptest.NewRecorder()
	router.ServeHTTP(assembleRec, assembleReq)
	if assembleRec.Code != http.StatusOK {
		t.Fatalf("assemble failed: %d %s", assembleRec.Code, assembleRec.Body.String())
	}

	downloadReq := httptest.NewRequest(http.MethodGet, "/download/file-1", nil)
	downloadRec := httptest.NewRecorder()
	router.ServeHTTP(downloadRec, downloadReq)
	if downloadRec.Code != http.StatusOK {
		t.Fatalf("download failed: %d %s", downloadRec.Code, downloadRec.Body.String())
	}
	if downloadRec.Body.String() != string(data) {
		t.Errorf("downloaded content mismatch: got %q", downloadRec.Body.String())
	}
}

func TestUploadChunkRejectsBadChecksum(t *testing.T) {
	s := newTestServer(t)
	router := s.GetRouter()

	data := []byte("some data")
	initBody, _ := json.Marshal(map[string]interface{}{
		"file_id":    "file-1",
		"filename":   "test.bin",
		"size":       len(data),
		"chunk_size": 64 * 1024,
		"chunks": []model.ChunkMeta{
			{ChunkID: 0, Size: int64(len(data)), Checksum: sha256Hex(data)},
		},
	})
	initReq := httptest.NewRequest(http.MethodPost, "/upload/init", bytes.NewReader(initBody))
	initReq.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), initReq)

	buf, contentType := buildChunkUploadBody(t, "file-1", 0, "wrongchecksum", data)
	chunkReq := httptest.NewRequest(http.MethodPost, "/upload/chunk", buf)
	chunkReq.Header.Set("Content-Type", contentType)
	chunkRec := httptest.NewRecorder()
	router.ServeHTTP(chunkRec, chunkReq)

	if chunkRec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for checksum mismatch, got %d", chunkRec.Code)
	}
}

func TestDownloadBeforeCompletionConflicts(t *testing.T) {
	s := newTestServer(t)
	router := s.GetRouter()

	data := []byte("not yet downloaded")
	initBody, _ := json.Marshal(map[string]interface{}{
		"file_id":    "file-1",
		"filename":   "test.bin",
		"size":       len(data),
		"chunk_size": 64 * 1024,
		"chunks": []model.ChunkMeta{
			{ChunkID: 0, Size: int64(len(data)), Checksum: sha256Hex(data)},
		},
	})
	initReq := httptest.NewRequest(http.MethodPost, "/upload/init", bytes.NewReader(initBody))
	initReq.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), initReq)

	downloadReq := httptest.NewRequest(http.MethodGet, "/download/file-1", nil)
	downloadRec := httptest.NewRecorder()
	router.ServeHTTP(downloadRec, downloadReq)

	if downloadRec.Code != http.StatusConflict {
		t.Errorf("expected 409 before assembly, got %d", downloadRec.Code)
	}
}

func TestListFilesAndGetFile(t *testing.T) {
	s := newTestServer(t)
	router := s.GetRouter()

	data := []byte("payload")
	initBody, _ := json.Marshal(map[string]interface{}{
		"file_id":    "file-1",
		"filename":   "test.bin",
		"size":       len(data),
		"chunk_size": 64 * 1024,
		"chunks": []model.ChunkMeta{
			{ChunkID: 0, Size: int64(len(data)), Checksum: sha256Hex(data)},
		},
	})
	initReq := httptest.NewRequest(http.MethodPost, "/upload/init", bytes.NewReader(initBody))
	initReq.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), initReq)

	listReq := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/files/file-1", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}

	getMissingReq := httptest.NewRequest(http.MethodGet, "/api/files/does-not-exist", nil)
	getMissingRec := httptest.NewRecorder()
	router.ServeHTTP(getMissingRec, getMissingReq)
	if getMissingRec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown file, got %d", getMissingRec.Code)
	}
}

func TestNoRouteReturnsJSON404(t *testing.T) {
	s := newTestServer(t)
	router := s.GetRouter()

	req := httptest.NewRequest(http.MethodGet, "/not-a-real-route", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
