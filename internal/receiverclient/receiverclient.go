// Package receiverclient is a thin HTTP client over the coordinator's
// read/download surface: listing available files and streaming one down
// to local disk.
package receiverclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/artemis/chunkrelay/internal/model"
)

// Client talks to one coordinator over HTTP.
type Client struct {
	server string
	http   *http.Client
}

// New builds a Client against the given coordinator base URL.
func New(server string, timeout time.Duration) *Client {
	return &Client{
		server: server,
		http:   &http.Client{Timeout: timeout},
	}
}

// ListFiles returns every manifest known to the coordinator.
func (c *Client) ListFiles() ([]model.Manifest, error) {
	resp, err := c.http.Get(c.server + "/api/files")
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list files: HTTP %d", resp.StatusCode)
	}

	var manifests []model.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifests); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return manifests, nil
}

// GetFile returns one manifest's progress snapshot.
func (c *Client) GetFile(fileID string) (model.Progress, error) {
	var progress model.Progress

	resp, err := c.http.Get(c.server + "/api/files/" + fileID)
	if err != nil {
		return progress, fmt.Errorf("get file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return progress, fmt.Errorf("file %s not found", fileID)
	}
	if resp.StatusCode != http.StatusOK {
		return progress, fmt.Errorf("get file: HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		return progress, fmt.Errorf("decode file info: %w", err)
	}
	return progress, nil
}

// ProgressFunc is invoked periodically during Download so the CLI can
// render a progress indicator.
type ProgressFunc func(downloaded, total int64, elapsed time.Duration)

// Download streams the assembled file for fileID to outputPath, verifying
// the downloaded size against the manifest's declared size.
func (c *Client) Download(fileID, outputPath string, onProgress ProgressFunc) error {
	info, err := c.GetFile(fileID)
	if err != nil {
		return err
	}

	resp, err := c.http.Get(c.server + "/download/" + fileID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("transfer %s is not completed yet", fileID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	start := time.Now()
	var downloaded int64
	buf := make([]byte, 8192)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write output: %w", werr)
			}
			downloaded += int64(n)
			if onProgress != nil {
				onProgress(downloaded, info.Size, time.Since(start))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read download stream: %w", readErr)
		}
	}

	if downloaded != info.Size {
		return fmt.Errorf("size mismatch: expected %d, got %d", info.Size, downloaded)
	}

	return nil
}
