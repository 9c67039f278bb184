package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Segment file format:
//   [4-byte big-endian length][data bytes], repeated, no separators.
//
// A JSON stream stores one frame per flattened message; a raw stream stores
// one frame per POST body. The wire-visible Offset does not track physical
// file position: for raw streams it counts content bytes, for JSON streams
// it counts messages. indexEntry bridges the two by recording, for each
// frame boundary, the Offset reached and the file position to resume
// reading from.

const (
	// SegmentFileName is the name of the segment file within a stream directory.
	SegmentFileName = "data.seg"

	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// MaxMessageSize is the maximum allowed message size (64MB).
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrCorruptedSegment is returned when segment file appears corrupted.
	ErrCorruptedSegment = errors.New("corrupted segment file")
)

// WriteMessage writes a single frame to the segment file. Returns the
// number of bytes written, including the length prefix.
func WriteMessage(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}

	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// ReadMessage reads a single frame from the segment file.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// indexEntry records the file position immediately following one frame and
// the Offset reached once that frame is applied.
type indexEntry struct {
	offset Offset
	endPos int64
}

// SegmentIndex maps Offsets to file positions so reads can resume without
// rescanning a segment from the start. It is built once at load time and
// extended incrementally as frames are appended.
type SegmentIndex struct {
	isJSON  bool
	entries []indexEntry
}

// NewSegmentIndex creates an empty index for a stream with the given codec.
func NewSegmentIndex(isJSON bool) *SegmentIndex {
	return &SegmentIndex{isJSON: isJSON}
}

// Append records that the frame of length frameDataLen ends at file position
// endPos, advancing the running offset by one message (JSON) or by the data
// length (raw).
func (idx *SegmentIndex) Append(prevOffset Offset, frameDataLen int, endPos int64) Offset {
	var next Offset
	if idx.isJSON {
		next = prevOffset.Add(1)
	} else {
		next = prevOffset.Add(uint64(frameDataLen))
	}
	idx.entries = append(idx.entries, indexEntry{offset: next, endPos: endPos})
	return next
}

// positionFor returns the file position to start reading from in order to
// return all frames strictly after startOffset, plus whether that is
// already the tail (no entries beyond it).
func (idx *SegmentIndex) positionFor(startOffset Offset) (pos int64, atTail bool) {
	// Binary search for the first entry with offset > startOffset.
	lo, hi := 0, len(idx.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if idx.entries[mid].offset.LessThanOrEqual(startOffset) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(idx.entries) {
		if lo == 0 {
			return 0, true
		}
		return idx.entries[lo-1].endPos, true
	}
	if lo == 0 {
		return 0, false
	}
	return idx.entries[lo-1].endPos, false
}

// tail returns the current tail offset recorded by the index.
func (idx *SegmentIndex) tail() Offset {
	if len(idx.entries) == 0 {
		return ZeroOffset
	}
	return idx.entries[len(idx.entries)-1].offset
}

// BuildSegmentIndex scans a segment file from the start and builds a full
// index, returning the resulting tail offset. Used once at store load time
// and for crash recovery.
func BuildSegmentIndex(path string, isJSON bool) (*SegmentIndex, Offset, error) {
	idx := NewSegmentIndex(isJSON)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, ZeroOffset, nil
		}
		return nil, ZeroOffset, err
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var pos int64
	current := ZeroOffset

	for {
		var lenBuf [LengthPrefixSize]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			break // partial trailing write: treat as truncated, stop here
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > MaxMessageSize {
			break
		}
		skipped, err := io.CopyN(io.Discard, reader, int64(length))
		if err != nil || skipped != int64(length) {
			break
		}
		pos += int64(LengthPrefixSize) + int64(length)
		current = idx.Append(current, int(length), pos)
	}

	return idx, current, nil
}

// SegmentReader reads frames from a segment file starting at an arbitrary
// file position.
type SegmentReader struct {
	file   *os.File
	reader *bufio.Reader
}

// NewSegmentReader creates a new segment reader.
func NewSegmentReader(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &SegmentReader{file: file, reader: bufio.NewReaderSize(file, 64*1024)}, nil
}

// seekTo repositions the reader at an absolute file offset.
func (r *SegmentReader) seekTo(pos int64) error {
	if _, err := r.file.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	r.reader.Reset(r.file)
	return nil
}

// ReadFrom reads every remaining frame starting at the given index position,
// translating frame boundaries into Offsets via idx's codec convention.
func (r *SegmentReader) ReadFrom(idx *SegmentIndex, startOffset Offset) ([]Message, error) {
	pos, atTail := idx.positionFor(startOffset)
	if atTail {
		return nil, nil
	}
	if err := r.seekTo(pos); err != nil {
		return nil, err
	}

	var messages []Message
	current := ZeroOffset
	// Recompute current from the index entry immediately before pos, if any.
	if found := idx.entryBefore(pos); found != nil {
		current = found.offset
	}

	for {
		data, err := ReadMessage(r.reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return messages, err
		}
		if idx.isJSON {
			current = current.Add(1)
		} else {
			current = current.Add(uint64(len(data)))
		}
		messages = append(messages, Message{Data: data, Offset: current})
	}

	return messages, nil
}

// entryBefore returns the index entry whose endPos equals pos, if any.
func (idx *SegmentIndex) entryBefore(pos int64) *indexEntry {
	for i := len(idx.entries) - 1; i >= 0; i-- {
		if idx.entries[i].endPos == pos {
			return &idx.entries[i]
		}
		if idx.entries[i].endPos < pos {
			break
		}
	}
	return nil
}

// Close closes the segment reader.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// CreateSegmentFile creates an empty segment file.
func CreateSegmentFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	return file.Close()
}

// SegmentFileSize returns the size of a segment file.
func SegmentFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
