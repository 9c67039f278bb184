package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BboltMetadataStore stores stream metadata in bbolt
type BboltMetadataStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// persistedMetadata is the serialized form of StreamMetadata
type persistedMetadata struct {
	Path          string `json:"path"`
	ContentType   string `json:"content_type"`
	CurrentOffset string `json:"current_offset"` // Offset as string for easy serialization
	LastSeq       string `json:"last_seq"`
	TTLSeconds    *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64 `json:"expires_at,omitempty"` // Unix timestamp
	CreatedAt     int64  `json:"created_at"`           // Unix timestamp
	DirectoryName string `json:"directory_name"`
	// Idempotent producer state, keyed by producer id.
	Producers map[string]*persistedProducerState `json:"producers,omitempty"`
	Closed    bool                                `json:"closed,omitempty"`
	ClosedBy  *persistedClosedBy                  `json:"closed_by,omitempty"`
}

// persistedClosedBy is the serialized form of ClosedByProducer
type persistedClosedBy struct {
	ProducerId string `json:"producer_id"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
}

// persistedProducerState is the serialized form of ProducerState
type persistedProducerState struct {
	Epoch       int64 `json:"epoch"`
	LastSeq     int64 `json:"last_seq"`
	LastUpdated int64 `json:"last_updated"`
}

func (bm *persistedMetadata) fromMetadata(meta *StreamMetadata, directoryName string) {
	bm.Path = meta.Path
	bm.ContentType = meta.ContentType
	bm.CurrentOffset = meta.CurrentOffset.String()
	bm.LastSeq = meta.LastSeq
	bm.TTLSeconds = meta.TTLSeconds
	bm.CreatedAt = meta.CreatedAt.Unix()
	bm.DirectoryName = directoryName
	bm.Closed = meta.Closed
	bm.ExpiresAt = nil
	if meta.ExpiresAt != nil {
		ts := meta.ExpiresAt.Unix()
		bm.ExpiresAt = &ts
	}

	bm.Producers = nil
	if len(meta.Producers) > 0 {
		bm.Producers = make(map[string]*persistedProducerState, len(meta.Producers))
		for id, state := range meta.Producers {
			bm.Producers[id] = &persistedProducerState{
				Epoch:       state.Epoch,
				LastSeq:     state.LastSeq,
				LastUpdated: state.LastUpdated,
			}
		}
	}

	bm.ClosedBy = nil
	if meta.ClosedBy != nil {
		bm.ClosedBy = &persistedClosedBy{
			ProducerId: meta.ClosedBy.ProducerId,
			Epoch:      meta.ClosedBy.Epoch,
			Seq:        meta.ClosedBy.Seq,
		}
	}
}

// toMetadata rebuilds the in-memory StreamMetadata from its persisted form.
// Returns the directory name alongside it since callers index streams by it.
func (bm *persistedMetadata) toMetadata() (*StreamMetadata, string, error) {
	offset, err := ParseOffset(bm.CurrentOffset)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse offset: %w", err)
	}

	meta := &StreamMetadata{
		Path:          bm.Path,
		ContentType:   bm.ContentType,
		CurrentOffset: offset,
		LastSeq:       bm.LastSeq,
		TTLSeconds:    bm.TTLSeconds,
		Closed:        bm.Closed,
		CreatedAt:     timeFromUnix(bm.CreatedAt),
	}
	if bm.ExpiresAt != nil {
		t := timeFromUnix(*bm.ExpiresAt)
		meta.ExpiresAt = &t
	}

	if len(bm.Producers) > 0 {
		meta.Producers = make(map[string]*ProducerState, len(bm.Producers))
		for id, state := range bm.Producers {
			meta.Producers[id] = &ProducerState{
				Epoch:       state.Epoch,
				LastSeq:     state.LastSeq,
				LastUpdated: state.LastUpdated,
			}
		}
	}

	if bm.ClosedBy != nil {
		meta.ClosedBy = &ClosedByProducer{
			ProducerId: bm.ClosedBy.ProducerId,
			Epoch:      bm.ClosedBy.Epoch,
			Seq:        bm.ClosedBy.Seq,
		}
	}

	return meta, bm.DirectoryName, nil
}

var metadataBucket = []byte("metadata")

// NewBboltMetadataStore creates a new bbolt-backed metadata store
func NewBboltMetadataStore(dataDir string) (*BboltMetadataStore, error) {
	// Create data directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Open bbolt database
	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	// Create the metadata bucket if it doesn't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metadata bucket: %w", err)
	}

	return &BboltMetadataStore{
		db:   db,
		path: dataDir,
	}, nil
}

// withRecord reads the persisted record at path, hands it to mutate for
// in-place edits, and writes the result back in the same transaction. Every
// write path below (UpdateOffset, UpdateAppendState, SetClosed) is a
// read-decode-mutate-encode-write cycle that differs only in what mutate
// does, so the bbolt transaction plumbing lives here exactly once.
func (s *BboltMetadataStore) withRecord(path string, mutate func(bm *persistedMetadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrMetadataStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)

		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var bm persistedMetadata
		if err := json.Unmarshal(dataCopy, &bm); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		mutate(&bm)

		newData, err := json.Marshal(&bm)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		return b.Put([]byte(path), newData)
	})
}

// Put stores metadata for a stream
func (s *BboltMetadataStore) Put(meta *StreamMetadata, directoryName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrMetadataStoreClosed
	}

	var bm persistedMetadata
	bm.fromMetadata(meta, directoryName)

	data, err := json.Marshal(&bm)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		return b.Put([]byte(meta.Path), data)
	})
}

// Get retrieves metadata for a stream
func (s *BboltMetadataStore) Get(path string) (*StreamMetadata, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, "", ErrMetadataStoreClosed
	}

	var meta *StreamMetadata
	var directoryName string

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}

		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var bm persistedMetadata
		if err := json.Unmarshal(dataCopy, &bm); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		var err error
		meta, directoryName, err = bm.toMetadata()
		return err
	})

	if err != nil {
		return nil, "", err
	}
	return meta, directoryName, nil
}

// Has checks if a stream exists
func (s *BboltMetadataStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	exists := false
	s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		exists = b.Get([]byte(path)) != nil
		return nil
	})
	return exists
}

// Delete removes metadata for a stream
func (s *BboltMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrMetadataStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b.Get([]byte(path)) == nil {
			return ErrStreamNotFound
		}
		return b.Delete([]byte(path))
	})
}

// UpdateOffset updates only the offset for a stream
func (s *BboltMetadataStore) UpdateOffset(path string, offset Offset, lastSeq string) error {
	return s.withRecord(path, func(bm *persistedMetadata) {
		bm.CurrentOffset = offset.String()
		if lastSeq != "" {
			bm.LastSeq = lastSeq
		}
	})
}

// UpdateAppendState updates offset, lastSeq, producer state, and optionally closed state atomically
func (s *BboltMetadataStore) UpdateAppendState(path string, offset Offset, lastSeq string, producerId string, producerState *ProducerState, closed bool, closedBy *ClosedByProducer) error {
	return s.withRecord(path, func(bm *persistedMetadata) {
		bm.CurrentOffset = offset.String()
		if lastSeq != "" {
			bm.LastSeq = lastSeq
		}

		if producerId != "" && producerState != nil {
			if bm.Producers == nil {
				bm.Producers = make(map[string]*persistedProducerState)
			}
			bm.Producers[producerId] = &persistedProducerState{
				Epoch:       producerState.Epoch,
				LastSeq:     producerState.LastSeq,
				LastUpdated: producerState.LastUpdated,
			}
		}

		if closed {
			bm.Closed = true
			if closedBy != nil {
				bm.ClosedBy = &persistedClosedBy{
					ProducerId: closedBy.ProducerId,
					Epoch:      closedBy.Epoch,
					Seq:        closedBy.Seq,
				}
			}
		}
	})
}

// SetClosed updates only the closed state for a stream
func (s *BboltMetadataStore) SetClosed(path string, closed bool, closedBy *ClosedByProducer) error {
	return s.withRecord(path, func(bm *persistedMetadata) {
		bm.Closed = closed
		if closedBy != nil {
			bm.ClosedBy = &persistedClosedBy{
				ProducerId: closedBy.ProducerId,
				Epoch:      closedBy.Epoch,
				Seq:        closedBy.Seq,
			}
		}
	})
}

// List returns all stream paths
func (s *BboltMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrMetadataStoreClosed
	}

	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		return b.ForEach(func(k, v []byte) error {
			pathCopy := make([]byte, len(k))
			copy(pathCopy, k)
			paths = append(paths, string(pathCopy))
			return nil
		})
	})

	return paths, err
}

// ForEach iterates over all streams
func (s *BboltMetadataStore) ForEach(fn func(meta *StreamMetadata, directoryName string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrMetadataStoreClosed
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		return b.ForEach(func(k, v []byte) error {
			dataCopy := make([]byte, len(v))
			copy(dataCopy, v)

			var bm persistedMetadata
			if err := json.Unmarshal(dataCopy, &bm); err != nil {
				return err
			}

			meta, directoryName, err := bm.toMetadata()
			if err != nil {
				return err
			}

			return fn(meta, directoryName)
		})
	})
}

// Close closes the bbolt database
func (s *BboltMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Sync forces a sync of the bbolt database to disk
func (s *BboltMetadataStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrMetadataStoreClosed
	}

	return s.db.Sync()
}

// Path returns the path to the bbolt database
func (s *BboltMetadataStore) Path() string {
	return s.path
}

// timeFromUnix converts a Unix timestamp to time.Time
func timeFromUnix(ts int64) (t time.Time) {
	return time.Unix(ts, 0)
}
