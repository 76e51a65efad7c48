package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/artemis/chunkrelay/internal/assemble"
	"github.com/artemis/chunkrelay/internal/eventbus"
	"github.com/artemis/chunkrelay/internal/ingest"
	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// manifestRequest mirrors the POST /upload/init body.
type manifestRequest struct {
	FileID    string            `json:"file_id" binding:"required"`
	Filename  string            `json:"filename" binding:"required"`
	Size      int64             `json:"size" binding:"required"`
	ChunkSize int               `json:"chunk_size" binding:"required"`
	Chunks    []model.ChunkMeta `json:"chunks" binding:"required"`
	Priority  model.Priority    `json:"priority"`
}

// UploadInit registers (or re-registers) a manifest.
func (s *Server) UploadInit(c *gin.Context) {
	var req manifestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Size <= 0 || len(req.Chunks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size and chunks are required"})
		return
	}
	if req.ChunkSize < s.config.MinChunkSize || req.ChunkSize > s.config.MaxChunkSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("chunk_size out of bounds [%d,%d]", s.config.MinChunkSize, s.config.MaxChunkSize)})
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	// Re-registering an existing file_id replaces all chunk rows atomically
	// (§9): a sender that re-split mid-transfer gets a fresh chunking rather
	// than a merge of old and new boundaries.
	existing, err := s.store.GetManifest(req.FileID)
	resumed := err == nil && existing.Status == model.StatusActive

	manifest := model.Manifest{
		FileID:    req.FileID,
		Filename:  req.Filename,
		Size:      req.Size,
		ChunkSize: req.ChunkSize,
		Priority:  priority,
		Status:    model.StatusActive,
	}

	if err := s.store.CreateManifest(manifest, req.Chunks); err != nil {
		s.logger.ErrorRedacted("failed to create manifest", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.hub.Emit(eventbus.EventManifestRegistered, req.FileID, gin.H{
		"filename": req.Filename,
		"size":     req.Size,
	})

	if resumed {
		received, _ := s.store.CountReceived(req.FileID)
		c.JSON(http.StatusOK, gin.H{"status": "resumed", "received_chunks": received})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UploadChunk accepts one multipart chunk upload.
func (s *Server) UploadChunk(c *gin.Context) {
	fileID := c.PostForm("file_id")
	chunkIDStr := c.PostForm("chunk_id")
	checksum := c.PostForm("checksum")

	chunkID, err := strconv.Atoi(chunkIDStr)
	if err != nil || chunkID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunk_id must be a non-negative integer"})
		return
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing chunk file part"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read chunk upload"})
		return
	}
	data := make([]byte, fileHeader.Size)
	if _, err := f.Read(data); err != nil && fileHeader.Size > 0 {
		f.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read chunk upload"})
		return
	}
	f.Close()

	result := s.ingestor.Accept(fileID, chunkID, checksum, data)

	switch result.Outcome {
	case ingest.OutcomeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": result.Err.Error()})
	case ingest.OutcomeConflict:
		c.JSON(http.StatusConflict, gin.H{"error": result.Err.Error()})
	case ingest.OutcomeRejectedInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": result.Err.Error()})
	case ingest.OutcomeServerError:
		s.logger.ErrorRedacted("chunk ingest failed", zap.Error(result.Err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Err.Error()})
	case ingest.OutcomeDuplicate:
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"received":  result.Received,
			"total":     result.Total,
			"speed":     result.Speed,
			"progress":  result.Progress,
			"duplicate": true,
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"received": result.Received,
			"total":    result.Total,
			"speed":    result.Speed,
			"progress": result.Progress,
		})
	}
}

// UploadMissing returns the ascending list of not-yet-received chunk ids.
func (s *Server) UploadMissing(c *gin.Context) {
	fileID := c.Param("file_id")

	missing, err := s.registry.ListMissing(fileID)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown file_id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"missing": missing})
}

// Assemble concatenates a transfer's chunks into the final output file.
func (s *Server) Assemble(c *gin.Context) {
	fileID := c.Param("file_id")

	path, err := s.assembly.Assemble(fileID)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown file_id"})
			return
		}
		if errors.Is(err, assemble.ErrMissingChunk) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": path})
}

// ListFiles returns every manifest.
func (s *Server) ListFiles(c *gin.Context) {
	manifests, err := s.registry.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, manifests)
}

// GetFile returns one manifest joined with its progress.
func (s *Server) GetFile(c *gin.Context) {
	fileID := c.Param("file_id")

	progress, err := s.registry.Get(fileID)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown file_id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// Download streams the assembled file back to the client.
func (s *Server) Download(c *gin.Context) {
	fileID := c.Param("file_id")

	manifest, err := s.store.GetManifest(fileID)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown file_id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if manifest.Status != model.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "transfer not completed"})
		return
	}

	dir, err := s.assembly.Dir(fileID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	path := filepath.Join(dir, "assembled_"+manifest.Filename)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "assembled file not found"})
		return
	}

	c.FileAttachment(path, manifest.Filename)
}

// HandleWebSocket upgrades a connection to the event stream.
func (s *Server) HandleWebSocket(c *gin.Context) {
	if err := s.hub.Upgrade(c.Writer, c.Request); err != nil {
		s.logger.Error("failed to upgrade websocket", zap.Error(err))
	}
}
