package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is a file-backed implementation of the Store interface.
type FileStore struct {
	dataDir    string
	metaStore  *BboltMetadataStore
	writerPool *FilePool
	longPoll   *longPollManager

	mu        sync.RWMutex
	metaCache map[string]*StreamMetadata
	dirCache  map[string]string
	indexes   map[string]*SegmentIndex

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// FileStoreConfig contains configuration for the file store.
type FileStoreConfig struct {
	DataDir         string
	MaxFileHandles  int
	CleanupInterval time.Duration // 0 disables background cleanup
}

// NewFileStore creates a new file-backed store.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	metaDir := filepath.Join(cfg.DataDir, "metadata")
	metaStore, err := NewBboltMetadataStore(metaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata store: %w", err)
	}

	maxHandles := cfg.MaxFileHandles
	if maxHandles <= 0 {
		maxHandles = 100
	}

	fs := &FileStore{
		dataDir:    cfg.DataDir,
		metaStore:  metaStore,
		writerPool: NewFilePool(maxHandles),
		longPoll: &longPollManager{
			waiters: make(map[string][]chan struct{}),
		},
		metaCache:   make(map[string]*StreamMetadata),
		dirCache:    make(map[string]string),
		indexes:     make(map[string]*SegmentIndex),
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	if err := fs.loadCache(); err != nil {
		metaStore.Close()
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}

	if cfg.CleanupInterval > 0 {
		go fs.backgroundCleanup(cfg.CleanupInterval)
	} else {
		close(fs.cleanupDone)
	}

	return fs, nil
}

// loadCache loads all stream metadata and rebuilds each segment index by
// scanning its file once.
func (s *FileStore) loadCache() error {
	return s.metaStore.ForEach(func(meta *StreamMetadata, dirName string) error {
		s.metaCache[meta.Path] = meta
		s.dirCache[meta.Path] = dirName

		segPath := filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)
		idx, tail, err := BuildSegmentIndex(segPath, IsJSONContentType(meta.ContentType))
		if err != nil {
			return err
		}
		s.indexes[meta.Path] = idx
		meta.CurrentOffset = tail
		return nil
	})
}

func (s *FileStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.metaCache[path]; ok {
		if existing.IsExpired() {
			s.removeLocked(path)
		} else if existing.ConfigMatches(opts) {
			return existing, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	dirName, err := generateDirectoryName(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate directory name: %w", err)
	}

	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create stream directory: %w", err)
	}

	segPath := filepath.Join(streamDir, SegmentFileName)
	if err := CreateSegmentFile(segPath); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := &StreamMetadata{
		Path:          path,
		ContentType:   contentType,
		CurrentOffset: ZeroOffset,
		TTLSeconds:    opts.TTLSeconds,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now(),
		Closed:        opts.Closed,
	}

	idx := NewSegmentIndex(IsJSONContentType(contentType))

	if len(opts.InitialData) > 0 {
		newOffset, err := s.appendToStream(meta, idx, dirName, opts.InitialData, true)
		if err != nil {
			os.RemoveAll(streamDir)
			return nil, false, err
		}
		meta.CurrentOffset = newOffset
	}

	if err := s.metaStore.Put(meta, dirName); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("failed to store metadata: %w", err)
	}

	s.metaCache[path] = meta
	s.dirCache[path] = dirName
	s.indexes[path] = idx

	return meta, true, nil
}

func (s *FileStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return nil, ErrStreamNotFound
	}

	metaCopy := *meta
	return &metaCopy, nil
}

func (s *FileStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metaCache[path]
	return ok && !meta.IsExpired()
}

func (s *FileStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metaCache[path]; !ok {
		return ErrStreamNotFound
	}
	return s.removeLocked(path)
}

// removeLocked deletes a stream's metadata, index, and on-disk segment.
// Caller must hold s.mu.
func (s *FileStore) removeLocked(path string) error {
	dirName := s.dirCache[path]

	segPath := filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)
	s.writerPool.Remove(segPath)

	if err := s.metaStore.Delete(path); err != nil {
		return err
	}

	delete(s.metaCache, path)
	delete(s.dirCache, path)
	delete(s.indexes, path)

	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	deletedDir := filepath.Join(s.dataDir, "streams", ".deleted~"+dirName+"~"+fmt.Sprintf("%d", time.Now().UnixNano()))
	os.Rename(streamDir, deletedDir)
	go os.RemoveAll(deletedDir)

	return nil
}

func (s *FileStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, ErrPartialProducer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return AppendResult{}, ErrStreamNotFound
	}

	var producerResult ProducerResult
	var producerState *ProducerState
	var producerLastSeq int64

	if opts.HasAllProducerHeaders() {
		result, newState, err := validateProducer(meta, opts, time.Now())
		if err != nil {
			result.Offset = meta.CurrentOffset
			return result, err
		}
		if result.ProducerResult == ProducerResultDuplicate {
			return AppendResult{
				Offset:         meta.CurrentOffset,
				ProducerResult: ProducerResultDuplicate,
				LastSeq:        result.LastSeq,
				StreamClosed:   meta.Closed,
			}, nil
		}
		producerState = newState
		producerResult = result.ProducerResult
		producerLastSeq = result.LastSeq
	}

	if meta.Closed && !(opts.Close && len(data) == 0) {
		return AppendResult{StreamClosed: true}, ErrStreamClosed
	}

	if opts.ContentType != "" && !ContentTypeMatches(meta.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	if opts.Seq != "" {
		if meta.LastSeq != "" && opts.Seq <= meta.LastSeq {
			return AppendResult{}, ErrSequenceConflict
		}
	}

	idx := s.indexes[path]
	dirName := s.dirCache[path]

	newOffset := meta.CurrentOffset
	if len(data) > 0 {
		var err error
		newOffset, err = s.appendToStream(meta, idx, dirName, data, false)
		if err != nil {
			return AppendResult{}, err
		}
	}

	meta.CurrentOffset = newOffset
	if opts.Seq != "" {
		meta.LastSeq = opts.Seq
	}
	if producerState != nil {
		if meta.Producers == nil {
			meta.Producers = make(map[string]*ProducerState)
		}
		meta.Producers[opts.ProducerId] = producerState
	}

	var closedBy *ClosedByProducer
	if opts.Close {
		meta.Closed = true
		if opts.ProducerId != "" {
			closedBy = &ClosedByProducer{ProducerId: opts.ProducerId, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
			meta.ClosedBy = closedBy
		}
	}

	if err := s.metaStore.UpdateAppendState(path, newOffset, opts.Seq, opts.ProducerId, producerState, opts.Close, closedBy); err != nil {
		// The segment file is the durable source of truth for offsets; the
		// in-memory cache stays authoritative for this process, and the next
		// NewFileStore rebuilds each stream's offset from its segment in loadCache.
	}

	s.longPoll.notify(path)

	return AppendResult{
		Offset:         newOffset,
		ProducerResult: producerResult,
		LastSeq:        producerLastSeq,
		StreamClosed:   meta.Closed,
	}, nil
}

// CloseStream closes a stream without appending data. Idempotent.
func (s *FileStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return nil, ErrStreamNotFound
	}

	if meta.Closed {
		return &CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: true}, nil
	}

	meta.Closed = true
	if err := s.metaStore.SetClosed(path, true, nil); err != nil {
		return nil, err
	}

	s.longPoll.notify(path)

	return &CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: false}, nil
}

// appendToStream writes data to the stream's segment file and advances its index.
func (s *FileStore) appendToStream(meta *StreamMetadata, idx *SegmentIndex, dirName string, data []byte, allowEmpty bool) (Offset, error) {
	segPath := filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)

	file, err := s.writerPool.GetWriter(segPath)
	if err != nil {
		return Offset(0), fmt.Errorf("failed to get writer: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		return Offset(0), err
	}
	pos := info.Size()

	isJSON := IsJSONContentType(meta.ContentType)
	current := meta.CurrentOffset

	if isJSON {
		messages, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return Offset(0), err
		}
		for _, msgData := range messages {
			n, err := WriteMessage(file, msgData)
			if err != nil {
				return Offset(0), err
			}
			pos += int64(n)
			current = idx.Append(current, len(msgData), pos)
		}
	} else {
		n, err := WriteMessage(file, data)
		if err != nil {
			return Offset(0), err
		}
		pos += int64(n)
		current = idx.Append(current, len(data), pos)
	}

	if err := s.writerPool.Sync(segPath); err != nil {
		return Offset(0), err
	}

	return current, nil
}

func (s *FileStore) Read(path string, offset Offset) ([]Message, bool, error) {
	s.mu.RLock()
	meta, ok := s.metaCache[path]
	dirName := s.dirCache[path]
	idx := s.indexes[path]
	s.mu.RUnlock()

	if !ok || meta.IsExpired() {
		return nil, false, ErrStreamNotFound
	}

	if offset.Equal(meta.CurrentOffset) {
		return nil, true, nil
	}

	segPath := filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)
	reader, err := NewSegmentReader(segPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open segment: %w", err)
	}
	defer reader.Close()

	messages, err := reader.ReadFrom(idx, offset)
	if err != nil {
		return nil, false, err
	}

	upToDate := len(messages) == 0 || messages[len(messages)-1].Offset.Equal(meta.CurrentOffset)

	return messages, upToDate, nil
}

func (s *FileStore) WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}

	s.mu.RLock()
	meta, ok := s.metaCache[path]
	s.mu.RUnlock()
	if ok && meta.Closed {
		return nil, false, true, nil
	}

	ch := make(chan struct{}, 1)
	s.longPoll.register(path, ch)
	defer s.longPoll.unregister(path, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		messages, _, err := s.Read(path, offset)
		s.mu.RLock()
		closed := false
		if m, ok := s.metaCache[path]; ok {
			closed = m.Closed
		}
		s.mu.RUnlock()
		return messages, false, closed && len(messages) == 0, err
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

func (s *FileStore) GetCurrentOffset(path string) (Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metaCache[path]
	if !ok {
		return Offset(0), ErrStreamNotFound
	}
	return meta.CurrentOffset, nil
}

func (s *FileStore) Close() error {
	close(s.cleanupStop)
	<-s.cleanupDone

	var lastErr error
	if err := s.writerPool.Close(); err != nil {
		lastErr = err
	}
	if err := s.metaStore.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func (s *FileStore) backgroundCleanup(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.cleanupExpiredStreams()
		}
	}
}

func (s *FileStore) cleanupExpiredStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiredPaths []string
	for path, meta := range s.metaCache {
		if meta.IsExpired() {
			expiredPaths = append(expiredPaths, path)
		}
	}

	for _, path := range expiredPaths {
		s.removeLocked(path)
	}
}

// FormatResponse formats messages for HTTP response based on content type.
func (s *FileStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	meta, ok := s.metaCache[path]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrStreamNotFound
	}

	if IsJSONContentType(meta.ContentType) {
		return FormatJSONResponse(messages), nil
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes(), nil
}

// generateDirectoryName creates a unique directory name for a stream.
// Format: encoded_path~timestamp~random
func generateDirectoryName(path string) (string, error) {
	encoded := url.PathEscape(path)
	timestamp := time.Now().UnixNano()

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	randomHex := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s~%d~%s", encoded, timestamp, randomHex), nil
}

// RecoverStore reconciles bbolt metadata with on-disk segments, for use
// before a FileStore is opened after an unclean shutdown.
func RecoverStore(dataDir string) error {
	metaDir := filepath.Join(dataDir, "metadata")
	metaStore, err := NewBboltMetadataStore(metaDir)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer metaStore.Close()

	streamsDir := filepath.Join(dataDir, "streams")

	return metaStore.ForEach(func(meta *StreamMetadata, dirName string) error {
		segPath := filepath.Join(streamsDir, dirName, SegmentFileName)

		if _, err := os.Stat(segPath); os.IsNotExist(err) {
			return metaStore.Delete(meta.Path)
		}

		_, trueOffset, err := BuildSegmentIndex(segPath, IsJSONContentType(meta.ContentType))
		if err != nil {
			return fmt.Errorf("failed to scan segment for %s: %w", meta.Path, err)
		}

		if !meta.CurrentOffset.Equal(trueOffset) {
			if err := metaStore.UpdateOffset(meta.Path, trueOffset, ""); err != nil {
				return fmt.Errorf("failed to update offset for %s: %w", meta.Path, err)
			}
		}

		return nil
	})
}
