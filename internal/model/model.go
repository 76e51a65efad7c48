// Package model holds the persistent record types shared by the store,
// ingestor, assembler, and registry.
package model

import "time"

// Priority is the sender-declared urgency of a transfer.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusStale     Status = "stale"
	StatusFailed    Status = "failed"
)

// Manifest describes one transfer: the file being sent, its chunking, and
// its current lifecycle state.
type Manifest struct {
	FileID       string     `json:"file_id"`
	Filename     string     `json:"filename"`
	Size         int64      `json:"size"`
	ChunkSize    int        `json:"chunk_size"`
	TotalChunks  int        `json:"total_chunks"`
	Priority     Priority   `json:"priority"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ChunkMeta is the sender-declared description of one chunk, carried in the
// manifest POST body.
type ChunkMeta struct {
	ChunkID  int    `json:"chunk_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// ChunkRow is the durable per-(file_id,chunk_id) bookkeeping row.
type ChunkRow struct {
	FileID     string     `json:"file_id"`
	ChunkID    int        `json:"chunk_id"`
	Checksum   string     `json:"checksum"`
	Received   bool       `json:"received"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// TransferStats tracks the running aggregate counters for one transfer.
type TransferStats struct {
	FileID         string     `json:"file_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	TotalBytes     int64      `json:"total_bytes"`
	ChunksReceived int        `json:"chunks_received"`
	Errors         int        `json:"errors"`
	AvgSpeed       float64    `json:"avg_speed"`
}

// Progress is a read-side snapshot joining a manifest with its received
// count, as returned by the registry and the §6 "GET /api/files/<id>" route.
type Progress struct {
	Manifest
	TotalChunksDeclared int     `json:"total_chunks"`
	ReceivedChunks      int     `json:"received_chunks"`
	ProgressPercent     float64 `json:"progress"`
}
