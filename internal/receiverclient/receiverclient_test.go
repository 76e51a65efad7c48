package receiverclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemis/chunkrelay/internal/model"
)

func TestListFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/files" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]model.Manifest{
			{FileID: "a", Filename: "a.bin"},
			{FileID: "b", Filename: "b.bin"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	files, err := c.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
}

func TestGetFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if _, err := c.GetFile("missing"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestDownloadVerifiesSize(t *testing.T) {
	content := []byte("the assembled file contents")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files/file-1":
			json.NewEncoder(w).Encode(model.Progress{
				Manifest: model.Manifest{FileID: "file-1", Filename: "out.bin", Size: int64(len(content))},
			})
		case "/download/file-1":
			w.Write(content)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	outPath := filepath.Join(t.TempDir(), "out.bin")

	var lastDownloaded int64
	err := c.Download("file-1", outPath, func(downloaded, total int64, elapsed time.Duration) {
		lastDownloaded = downloaded
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if lastDownloaded != int64(len(content)) {
		t.Errorf("expected progress callback to report full size, got %d", lastDownloaded)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded content mismatch")
	}
}

func TestDownloadRejectsSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files/file-1":
			json.NewEncoder(w).Encode(model.Progress{
				Manifest: model.Manifest{FileID: "file-1", Filename: "out.bin", Size: 999},
			})
		case "/download/file-1":
			w.Write([]byte("short"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	outPath := filepath.Join(t.TempDir(), "out.bin")

	if err := c.Download("file-1", outPath, nil); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestDownloadConflictWhenNotCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files/file-1":
			json.NewEncoder(w).Encode(model.Progress{
				Manifest: model.Manifest{FileID: "file-1", Filename: "out.bin", Size: 10},
			})
		case "/download/file-1":
			w.WriteHeader(http.StatusConflict)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	outPath := filepath.Join(t.TempDir(), "out.bin")

	if err := c.Download("file-1", outPath, nil); err == nil {
		t.Fatal("expected error for not-yet-completed transfer")
	}
}
