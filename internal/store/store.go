// Package store provides durable, transactional persistence for manifests,
// chunk rows, and transfer stats, backed by a single bbolt database file.
//
// bbolt gives every operation below a serialized, ACID transaction for free:
// writers are mutually exclusive and readers see a consistent snapshot, which
// satisfies the "serialized per-file or better" concurrency requirement on
// the Store without any hand-rolled per-file locking.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/artemis/chunkrelay/internal/model"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketManifests = []byte("manifests")
	bucketChunks    = []byte("chunks")
	bucketStats     = []byte("stats")
)

// ErrNotFound is returned when a manifest lookup misses.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrIllegalTransition is returned by SetStatus for a disallowed transition.
var ErrIllegalTransition = fmt.Errorf("store: illegal status transition")

// Store is the durable authority for manifest, chunk, and stats rows.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database at path, waiting up to 30s for
// the database file lock rather than failing outright. Once open, concurrent
// writers block on one another without a timeout.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketManifests, bucketChunks, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable, for health checks.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func chunkKey(fileID string, chunkID int) []byte {
	return []byte(fmt.Sprintf("%s/%06d", fileID, chunkID))
}

func chunkPrefix(fileID string) []byte {
	return []byte(fileID + "/")
}

// CreateManifest inserts or replaces the manifest row and all of its chunk
// rows in a single transaction, and initializes the stats row. Re-registering
// an existing file_id (e.g. after a sender re-split mid-transfer, §9) wipes
// and replaces every chunk row for that file_id atomically.
func (s *Store) CreateManifest(m model.Manifest, chunks []model.ChunkMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketManifests)
		cb := tx.Bucket(bucketChunks)
		sb := tx.Bucket(bucketStats)

		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if m.Status == "" {
			m.Status = model.StatusActive
		}
		m.TotalChunks = len(chunks)

		if err := putJSON(mb, []byte(m.FileID), m); err != nil {
			return err
		}

		// Drop any chunk rows from a previous registration of this file_id
		// before writing the new set, so old and new chunkings never mix.
		c := cb.Cursor()
		prefix := chunkPrefix(m.FileID)
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := cb.Delete(k); err != nil {
				return err
			}
		}

		for _, ch := range chunks {
			row := model.ChunkRow{
				FileID:   m.FileID,
				ChunkID:  ch.ChunkID,
				Checksum: ch.Checksum,
				Received: false,
			}
			if err := putJSON(cb, chunkKey(m.FileID, ch.ChunkID), row); err != nil {
				return err
			}
		}

		stats := model.TransferStats{
			FileID:    m.FileID,
			StartTime: time.Now(),
		}
		return putJSON(sb, []byte(m.FileID), stats)
	})
}

// GetManifest returns the manifest for fileID, or ErrNotFound.
func (s *Store) GetManifest(fileID string) (model.Manifest, error) {
	var m model.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketManifests), []byte(fileID), &m)
	})
	return m, err
}

// GetChunk returns one chunk row, or ErrNotFound.
func (s *Store) GetChunk(fileID string, chunkID int) (model.ChunkRow, error) {
	var row model.ChunkRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketChunks), chunkKey(fileID, chunkID), &row)
	})
	return row, err
}

// MarkChunkReceived is a CAS-style update: it sets received=1 and bumps
// retry_count only if the row exists, and returns the value of `received`
// as it stood before this call so the ingestor can tell idempotent
// duplicates (prior=true) from first-time commits (prior=false).
func (s *Store) MarkChunkReceived(fileID string, chunkID int, when time.Time) (prior bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketChunks)
		key := chunkKey(fileID, chunkID)

		var row model.ChunkRow
		if err := getJSON(cb, key, &row); err != nil {
			return err
		}

		prior = row.Received
		row.Received = true
		row.ReceivedAt = &when
		row.RetryCount++

		return putJSON(cb, key, row)
	})
	return prior, err
}

// CountReceived returns the number of chunk rows with received=1.
func (s *Store) CountReceived(fileID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachChunk(tx, fileID, func(row model.ChunkRow) {
			if row.Received {
				count++
			}
		})
	})
	return count, err
}

// ListMissing returns the ascending list of chunk_ids with received=0.
func (s *Store) ListMissing(fileID string) ([]int, error) {
	var missing []int
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachChunk(tx, fileID, func(row model.ChunkRow) {
			if !row.Received {
				missing = append(missing, row.ChunkID)
			}
		})
	})
	sort.Ints(missing)
	return missing, err
}

// UpdateStats overwrites the cumulative counters for a transfer.
func (s *Store) UpdateStats(fileID string, totalBytes int64, chunksReceived int, avgSpeed float64, errors int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketStats)
		var st model.TransferStats
		if err := getJSON(sb, []byte(fileID), &st); err != nil {
			return err
		}
		st.TotalBytes = totalBytes
		st.ChunksReceived = chunksReceived
		st.AvgSpeed = avgSpeed
		st.Errors = errors
		return putJSON(sb, []byte(fileID), st)
	})
}

// GetStats returns the stats row for fileID.
func (s *Store) GetStats(fileID string) (model.TransferStats, error) {
	var st model.TransferStats
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketStats), []byte(fileID), &st)
	})
	return st, err
}

// legalTransitions enumerates the status transitions the state machine
// allows; anything else is rejected so a caller can't, say, resurrect a
// stale transfer by setting it back to active through this path.
var legalTransitions = map[model.Status]map[model.Status]bool{
	model.StatusActive: {
		model.StatusCompleted: true,
		model.StatusStale:     true,
		model.StatusFailed:    true,
	},
}

// SetStatus enforces the manifest lifecycle transitions from §3 and stamps
// completed_at when transitioning into the completed state.
func (s *Store) SetStatus(fileID string, newStatus model.Status, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketManifests)
		var m model.Manifest
		if err := getJSON(mb, []byte(fileID), &m); err != nil {
			return err
		}

		if m.Status != newStatus {
			allowed := legalTransitions[m.Status]
			if !allowed[newStatus] {
				return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.Status, newStatus)
			}
		}

		m.Status = newStatus
		if newStatus == model.StatusCompleted {
			t := at
			m.CompletedAt = &t
		}
		return putJSON(mb, []byte(fileID), m)
	})
}

// SweepStale marks every active manifest created before `before` as stale.
// Returns the count of manifests swept, for metrics/logging.
func (s *Store) SweepStale(before time.Time) (int, error) {
	swept := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketManifests)
		return mb.ForEach(func(k, v []byte) error {
			var m model.Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Status == model.StatusActive && m.CreatedAt.Before(before) {
				m.Status = model.StatusStale
				swept++
				return putJSON(mb, k, m)
			}
			return nil
		})
	})
	return swept, err
}

// ListManifests returns every manifest row, in no particular order; callers
// that need an ordering (e.g. newest-first for the API) sort the result.
func (s *Store) ListManifests() ([]model.Manifest, error) {
	var out []model.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketManifests)
		return mb.ForEach(func(k, v []byte) error {
			var m model.Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// GetProgress joins a manifest with its received-chunk count.
func (s *Store) GetProgress(fileID string) (model.Progress, error) {
	var p model.Progress
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx.Bucket(bucketManifests), []byte(fileID), &p.Manifest); err != nil {
			return err
		}
		received := 0
		if err := forEachChunkTx(tx, fileID, func(row model.ChunkRow) {
			if row.Received {
				received++
			}
		}); err != nil {
			return err
		}
		p.TotalChunksDeclared = p.Manifest.TotalChunks
		p.ReceivedChunks = received
		if p.TotalChunksDeclared > 0 {
			p.ProgressPercent = float64(received) / float64(p.TotalChunksDeclared) * 100
		}
		return nil
	})
	return p, err
}

func forEachChunk(tx *bolt.Tx, fileID string, fn func(model.ChunkRow)) error {
	return forEachChunkTx(tx, fileID, fn)
}

func forEachChunkTx(tx *bolt.Tx, fileID string, fn func(model.ChunkRow)) error {
	cb := tx.Bucket(bucketChunks)
	c := cb.Cursor()
	prefix := chunkPrefix(fileID)
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var row model.ChunkRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		fn(row)
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
