// Package uploader implements the sender's adaptive chunked upload loop:
// splitting, manifest registration, retry-with-backoff chunk uploads, and
// resume via missing-chunk reconciliation.
package uploader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/netmon"
	"github.com/google/uuid"
)

// Exit codes, per the sender CLI contract.
const (
	ExitSuccess       = 0
	ExitUnexpectedErr = 1
	ExitAborted       = 2
	ExitAssemblyFail  = 3
	ExitInterrupted   = 130
)

// permanentStatusCodes are the HTTP statuses the sender never retries.
var permanentStatusCodes = map[int]bool{400: true, 404: true, 409: true}

// Config holds the tunables an Uploader needs; it's the sender-side
// counterpart of the coordinator's config.Config.
type Config struct {
	Server     string
	Timeout    time.Duration
	ChunkSize  int
	MaxRetries int
	Priority   model.Priority
	Adaptive   bool
}

// ProgressFunc is called after each chunk attempt so the CLI can render a
// progress bar without the uploader knowing anything about terminals.
type ProgressFunc func(completed, total int, bytesTransferred int64, elapsed time.Duration)

// Uploader drives one file's transfer from splitting through assembly.
type Uploader struct {
	cfg     Config
	client  *http.Client
	monitor *netmon.Monitor
	onProgress ProgressFunc
}

// New builds an Uploader. onProgress may be nil.
func New(cfg Config, onProgress ProgressFunc) *Uploader {
	return &Uploader{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		monitor:    netmon.New(),
		onProgress: onProgress,
	}
}

// Run uploads path to the coordinator and returns the sender's exit code.
func (u *Uploader) Run(path string) int {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "file not found: %s\n", path)
		return ExitUnexpectedErr
	}
	if !info.Mode().IsRegular() {
		fmt.Fprintf(os.Stderr, "not a regular file: %s\n", path)
		return ExitUnexpectedErr
	}
	if info.Size() == 0 {
		fmt.Fprintln(os.Stderr, "cannot send empty file")
		return ExitUnexpectedErr
	}

	fileID := uuid.NewString()
	currentChunkSize := u.cfg.ChunkSize
	startTime := time.Now()
	var totalBytesTransferred int64

	chunksMeta, err := splitFile(path, currentChunkSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to split file: %v\n", err)
		return ExitUnexpectedErr
	}

	if _, err := u.sendManifest(fileID, path, info.Size(), currentChunkSize, chunksMeta); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register manifest: %v\n", err)
		return ExitUnexpectedErr
	}

	retryCount := 0
	consecutiveFailures := 0
	const maxConsecutiveFailures = 5
	adaptiveSize := currentChunkSize

	for {
		missing, err := u.getMissing(fileID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to query missing chunks: %v\n", err)
			return ExitUnexpectedErr
		}
		if len(missing) == 0 {
			break
		}

		if u.cfg.Adaptive && len(missing) > 1 {
			// Uploads keep the chunking declared to the coordinator until the
			// adapted size drifts more than half away from it; only then is
			// the file re-split and the manifest re-registered.
			adaptiveSize = u.monitor.AdaptiveChunkSize(adaptiveSize)
			if abs(adaptiveSize-currentChunkSize) > currentChunkSize/2 {
				currentChunkSize = adaptiveSize
				chunksMeta, err = splitFile(path, currentChunkSize)
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to re-split file: %v\n", err)
					return ExitUnexpectedErr
				}
				if _, err := u.sendManifest(fileID, path, info.Size(), currentChunkSize, chunksMeta); err != nil {
					fmt.Fprintf(os.Stderr, "failed to re-register manifest: %v\n", err)
					return ExitUnexpectedErr
				}
				continue
			}
		}

		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open file: %v\n", err)
			return ExitUnexpectedErr
		}

		for i, chunkID := range missing {
			chunkStart := int64(chunkID) * int64(currentChunkSize)
			data := make([]byte, currentChunkSize)
			n, readErr := f.ReadAt(data, chunkStart)
			if n == 0 {
				continue
			}
			data = data[:n]

			sum := sha256.Sum256(data)
			checksum := hex.EncodeToString(sum[:])

			if u.onProgress != nil {
				completed := len(chunksMeta) - len(missing) + i
				u.onProgress(completed, len(chunksMeta), totalBytesTransferred, time.Since(startTime))
			}

			success, statusCode := u.uploadChunk(fileID, chunkID, data, checksum)
			if success {
				totalBytesTransferred += int64(len(data))
				consecutiveFailures = 0
				retryCount = 0
			} else {
				consecutiveFailures++
				retryCount++

				if permanentStatusCodes[statusCode] {
					f.Close()
					fmt.Fprintf(os.Stderr, "chunk %d rejected with HTTP %d, aborting\n", chunkID, statusCode)
					return ExitAborted
				}
				if consecutiveFailures >= maxConsecutiveFailures {
					f.Close()
					fmt.Fprintf(os.Stderr, "too many consecutive failures (%d), aborting\n", consecutiveFailures)
					return ExitAborted
				}
				if retryCount > u.cfg.MaxRetries*2 {
					f.Close()
					fmt.Fprintf(os.Stderr, "too many total retries (%d), aborting\n", retryCount)
					return ExitAborted
				}
				break
			}

			if readErr == io.EOF {
				break
			}
		}
		f.Close()

		time.Sleep(100 * time.Millisecond)
	}

	if _, err := u.assemble(fileID); err != nil {
		fmt.Fprintf(os.Stderr, "assembly failed: %v\n", err)
		return ExitAssemblyFail
	}

	return ExitSuccess
}

func splitFile(path string, chunkSize int) ([]model.ChunkMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []model.ChunkMeta
	buf := make([]byte, chunkSize)
	idx := 0
	for {
		n, err := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		data := buf[:n]
		sum := sha256.Sum256(data)
		chunks = append(chunks, model.ChunkMeta{
			ChunkID:  idx,
			Size:     int64(n),
			Checksum: hex.EncodeToString(sum[:]),
		})
		idx++
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

func (u *Uploader) sendManifest(fileID, path string, size int64, chunkSize int, chunks []model.ChunkMeta) (map[string]interface{}, error) {
	priority := u.cfg.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	payload := map[string]interface{}{
		"file_id":    fileID,
		"filename":   baseName(path),
		"size":       size,
		"chunk_size": chunkSize,
		"chunks":     chunks,
		"priority":   priority,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := u.client.Post(u.cfg.Server+"/upload/init", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest rejected: HTTP %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

func (u *Uploader) uploadChunk(fileID string, chunkID int, data []byte, checksum string) (bool, int) {
	for attempt := 1; attempt <= u.cfg.MaxRetries; attempt++ {
		start := time.Now()

		statusCode, err := u.postChunk(fileID, chunkID, data, checksum)
		duration := time.Since(start).Seconds()

		if err == nil && statusCode == http.StatusOK {
			u.monitor.RecordSuccess(int64(len(data)), duration)
			return true, statusCode
		}

		u.monitor.RecordFailure()

		if err == nil && permanentStatusCodes[statusCode] {
			return false, statusCode
		}

		if attempt < u.cfg.MaxRetries {
			var backoff time.Duration
			if u.monitor.SuccessRate() < 0.5 {
				backoff = time.Duration(minFloat(pow2(attempt), 30)) * time.Second
			} else {
				backoff = time.Duration(minFloat(0.5*float64(attempt), 5) * float64(time.Second))
			}
			time.Sleep(backoff)
		}
	}

	return false, 0
}

func (u *Uploader) postChunk(fileID string, chunkID int, data []byte, checksum string) (int, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("file_id", fileID); err != nil {
		return 0, err
	}
	if err := w.WriteField("chunk_id", strconv.Itoa(chunkID)); err != nil {
		return 0, err
	}
	if err := w.WriteField("checksum", checksum); err != nil {
		return 0, err
	}
	fw, err := w.CreateFormFile("chunk", "chunk")
	if err != nil {
		return 0, err
	}
	if _, err := fw.Write(data); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, u.cfg.Server+"/upload/chunk", &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

func (u *Uploader) getMissing(fileID string) ([]int, error) {
	resp, err := u.client.Get(u.cfg.Server + "/upload/missing/" + fileID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("missing query failed: HTTP %d", resp.StatusCode)
	}

	var result struct {
		Missing []int `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Missing, nil
}

func (u *Uploader) assemble(fileID string) (string, error) {
	resp, err := u.client.Post(u.cfg.Server+"/assemble/"+fileID, "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Status string `json:"status"`
		Path   string `json:"path"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Status != "ok" {
		return "", fmt.Errorf("%s", result.Error)
	}
	return result.Path, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func pow2(attempt int) float64 {
	result := 1.0
	for i := 0; i < attempt; i++ {
		result *= 2
	}
	return result
}
