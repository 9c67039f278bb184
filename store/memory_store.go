package store

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store, used for tests and
// whenever the module is configured without a data directory.
type MemoryStore struct {
	mu       sync.RWMutex
	streams  map[string]*memoryStream
	longPoll *longPollManager
}

type memoryStream struct {
	metadata StreamMetadata
	messages []Message
	data     []byte // raw accumulated data for non-JSON streams; FormatResponse reads messages, not this
}

type longPollManager struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memoryStream),
		longPoll: &longPollManager{
			waiters: make(map[string][]chan struct{}),
		},
	}
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.metadata.IsExpired() {
			delete(s.streams, path)
		} else if existing.metadata.ConfigMatches(opts) {
			return &existing.metadata, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := StreamMetadata{
		Path:          path,
		ContentType:   contentType,
		CurrentOffset: ZeroOffset,
		TTLSeconds:    opts.TTLSeconds,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now(),
		Closed:        opts.Closed,
	}

	stream := &memoryStream{
		metadata: meta,
		messages: make([]Message, 0),
		data:     make([]byte, 0),
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.appendToStream(stream, opts.InitialData, true)
		if err != nil {
			return nil, false, err
		}
		stream.metadata.CurrentOffset = newOffset
	}

	s.streams[path] = stream
	return &stream.metadata, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}

	meta := stream.metadata
	return &meta, nil
}

func (s *MemoryStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	return ok && !stream.metadata.IsExpired()
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[path]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, path)
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, ErrPartialProducer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return AppendResult{}, ErrStreamNotFound
	}

	var producerState *ProducerState
	var producerResult ProducerResult = ProducerResultNone
	var producerLastSeq int64

	if opts.HasAllProducerHeaders() {
		result, newState, err := validateProducer(&stream.metadata, opts, time.Now())
		if err != nil {
			result.Offset = stream.metadata.CurrentOffset
			return result, err
		}
		if result.ProducerResult == ProducerResultDuplicate {
			return AppendResult{
				Offset:         stream.metadata.CurrentOffset,
				ProducerResult: ProducerResultDuplicate,
				LastSeq:        result.LastSeq,
				StreamClosed:   stream.metadata.Closed,
			}, nil
		}
		producerState = newState
		producerResult = result.ProducerResult
		producerLastSeq = result.LastSeq
	}

	if stream.metadata.Closed && !(opts.Close && len(data) == 0) {
		return AppendResult{StreamClosed: true}, ErrStreamClosed
	}

	if opts.ContentType != "" && !ContentTypeMatches(stream.metadata.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	if opts.Seq != "" {
		if stream.metadata.LastSeq != "" && opts.Seq <= stream.metadata.LastSeq {
			return AppendResult{}, ErrSequenceConflict
		}
	}

	newOffset := stream.metadata.CurrentOffset
	if len(data) > 0 {
		var err error
		newOffset, err = s.appendToStream(stream, data, false)
		if err != nil {
			return AppendResult{}, err
		}
	}

	stream.metadata.CurrentOffset = newOffset
	if opts.Seq != "" {
		stream.metadata.LastSeq = opts.Seq
	}
	if producerState != nil {
		if stream.metadata.Producers == nil {
			stream.metadata.Producers = make(map[string]*ProducerState)
		}
		stream.metadata.Producers[opts.ProducerId] = producerState
	}
	if opts.Close {
		stream.metadata.Closed = true
		if opts.ProducerId != "" {
			stream.metadata.ClosedBy = &ClosedByProducer{ProducerId: opts.ProducerId, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
		}
	}

	s.longPoll.notify(path)

	return AppendResult{
		Offset:         newOffset,
		ProducerResult: producerResult,
		LastSeq:        producerLastSeq,
		StreamClosed:   stream.metadata.Closed,
	}, nil
}

// CloseStream closes a stream without appending data. Idempotent.
func (s *MemoryStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}

	if stream.metadata.Closed {
		return &CloseResult{FinalOffset: stream.metadata.CurrentOffset, AlreadyClosed: true}, nil
	}

	stream.metadata.Closed = true
	s.longPoll.notify(path)

	return &CloseResult{FinalOffset: stream.metadata.CurrentOffset, AlreadyClosed: false}, nil
}

// appendToStream handles the actual append logic, including JSON flattening.
func (s *MemoryStore) appendToStream(stream *memoryStream, data []byte, allowEmpty bool) (Offset, error) {
	isJSON := isJSONContentType(stream.metadata.ContentType)

	if isJSON {
		messages, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return Offset(0), err
		}

		currentOffset := stream.metadata.CurrentOffset
		for _, msgData := range messages {
			currentOffset = currentOffset.Add(1)
			stream.messages = append(stream.messages, Message{
				Data:   msgData,
				Offset: currentOffset,
			})
		}
		return currentOffset, nil
	}

	newOffset := stream.metadata.CurrentOffset.Add(uint64(len(data)))
	stream.messages = append(stream.messages, Message{
		Data:   data,
		Offset: newOffset,
	})
	stream.data = append(stream.data, data...)
	return newOffset, nil
}

func (s *MemoryStore) Read(path string, offset Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, false, ErrStreamNotFound
	}

	var messages []Message
	for _, msg := range stream.messages {
		if msg.Offset > offset {
			messages = append(messages, msg)
		}
	}

	upToDate := len(messages) == 0 || messages[len(messages)-1].Offset.Equal(stream.metadata.CurrentOffset)
	return messages, upToDate, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}

	s.mu.RLock()
	stream, ok := s.streams[path]
	closedNow := ok && stream.metadata.Closed
	s.mu.RUnlock()
	if closedNow {
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
		if stream, ok := s.streams[path]; ok {
			closed = stream.metadata.Closed
		}
		s.mu.RUnlock()
		return messages, false, closed && len(messages) == 0, err
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

func (s *MemoryStore) GetCurrentOffset(path string) (Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok {
		return Offset(0), ErrStreamNotFound
	}
	return stream.metadata.CurrentOffset, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// FormatResponse formats messages for HTTP response based on content type.
func (s *MemoryStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	stream, ok := s.streams[path]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrStreamNotFound
	}

	if isJSONContentType(stream.metadata.ContentType) {
		return formatJSONResponse(messages), nil
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes(), nil
}

// Long-poll manager methods, shared by MemoryStore and FileStore.
func (m *longPollManager) register(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[path] = append(m.waiters[path], ch)
}

func (m *longPollManager) unregister(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiters := m.waiters[path]
	for i, w := range waiters {
		if w == ch {
			m.waiters[path] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

func (m *longPollManager) notify(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.waiters[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// isJSONContentType returns true if the content type is application/json.
func isJSONContentType(ct string) bool {
	mediaType := strings.ToLower(extractMediaType(ct))
	return mediaType == "application/json"
}

// processJSONAppend processes JSON data for append, flattening top-level arrays.
func processJSONAppend(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		result := make([][]byte, len(arr))
		for i, elem := range arr {
			result[i] = []byte(elem)
		}
		return result, nil
	}

	return [][]byte{trimmed}, nil
}

// formatJSONResponse formats messages as a JSON array.
func formatJSONResponse(messages []Message) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, msg := range messages {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(msg.Data)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
