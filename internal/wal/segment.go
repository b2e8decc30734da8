package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

// SegmentID uniquely identifies a WAL segment file
type SegmentID uint64

// DefaultSegmentSize is the default maximum size for a WAL segment (64MB)
const DefaultSegmentSize = 64 * 1024 * 1024

// maxRecordSize bounds a single record when scanning (sanity check).
const maxRecordSize = 16 * 1024 * 1024

// Segment header: magic (8 bytes) + first LSN of the segment (8 bytes).
const segmentHeaderSize = 16

var segmentMagic = []byte("YTWAL\x00\x00\x01")

func segmentName(id SegmentID) string {
	return fmt.Sprintf("wal-%016x.log", id)
}

// Segment represents a single WAL segment file
type Segment struct {
	ID       SegmentID
	path     string
	fs       afero.Fs
	file     afero.File
	size     int64
	maxSize  int64
	startLSN LSN
	endLSN   LSN // last LSN written, 0 when empty
	mu       sync.RWMutex
}

// NewSegment creates a new WAL segment whose first record will carry startLSN
func NewSegment(fs afero.Fs, dir string, id SegmentID, startLSN LSN, maxSize int64) (*Segment, error) {
	path := filepath.Join(dir, segmentName(id))

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL segment: %w", err)
	}

	header := make([]byte, segmentHeaderSize)
	copy(header, segmentMagic)
	binary.LittleEndian.PutUint64(header[8:], uint64(startLSN))
	if _, err := file.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}

	return &Segment{
		ID:       id,
		path:     path,
		fs:       fs,
		file:     file,
		size:     segmentHeaderSize,
		maxSize:  maxSize,
		startLSN: startLSN,
	}, nil
}

// OpenSegment opens an existing WAL segment and scans it to find its LSN range.
// When repair is set a torn tail is truncated, otherwise it is reported as corruption.
func OpenSegment(fs afero.Fs, dir string, id SegmentID, maxSize int64, repair bool) (*Segment, error) {
	path := filepath.Join(dir, segmentName(id))

	file, err := fs.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL segment: %w", err)
	}

	s := &Segment{ID: id, path: path, fs: fs, file: file, maxSize: maxSize}

	startLSN, err := s.readHeader()
	if err != nil {
		file.Close()
		return nil, err
	}
	s.startLSN = startLSN

	var last LSN
	valid, scanErr := s.scan(unbounded, func(r *Record) error {
		last = r.LSN
		return nil
	})
	if scanErr != nil {
		if !repair {
			file.Close()
			return nil, scanErr
		}
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
		}
	}
	s.size = valid
	s.endLSN = last
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", storeerr.ErrDiskReadFailed, err)
	}
	return s, nil
}

func (s *Segment) readHeader() (LSN, error) {
	header := make([]byte, segmentHeaderSize)
	if _, err := s.file.ReadAt(header, 0); err != nil {
		return 0, fmt.Errorf("%w: segment %s header: %v", storeerr.ErrWALCorrupt, s.path, err)
	}
	if !bytes.Equal(header[:8], segmentMagic) {
		return 0, fmt.Errorf("%w: segment %s has bad magic", storeerr.ErrWALCorrupt, s.path)
	}
	return LSN(binary.LittleEndian.Uint64(header[8:])), nil
}

const unbounded = int64(1) << 62

// scan decodes records between the header and limit and returns the offset just
// past the last intact record. A non-nil error means the tail is torn or corrupt.
func (s *Segment) scan(limit int64, fn func(*Record) error) (int64, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(s.file, segmentHeaderSize, limit-segmentHeaderSize), 64*1024)
	valid := int64(segmentHeaderSize)
	lenBuf := make([]byte, 4)

	for {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if errors.Is(err, io.EOF) {
				return valid, nil
			}
			return valid, fmt.Errorf("%w: incomplete length header", storeerr.ErrWALCorrupt)
		}

		recordLen := int(binary.LittleEndian.Uint32(lenBuf))
		if recordLen < RecordHeaderSize || recordLen > maxRecordSize {
			return valid, fmt.Errorf("%w: invalid record length %d", storeerr.ErrWALCorrupt, recordLen)
		}

		data := make([]byte, recordLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return valid, fmt.Errorf("%w: incomplete record data", storeerr.ErrWALCorrupt)
		}

		record, err := Decode(data)
		if err != nil {
			return valid, fmt.Errorf("%w: %v", storeerr.ErrWALCorrupt, err)
		}
		if err := fn(record); err != nil {
			return valid, err
		}
		valid += int64(4 + recordLen)
	}
}

// Write writes a record to the segment
func (s *Segment) Write(record *Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := record.Encode()
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)

	if _, err := s.file.Write(buf); err != nil {
		return 0, fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}

	s.size += int64(len(buf))
	s.endLSN = record.LSN
	return len(buf), nil
}

// Sync flushes the segment to disk
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}
	return nil
}

// IsFull returns true if the segment has reached its maximum size
func (s *Segment) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size >= s.maxSize
}

// Size returns the current size of the segment
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// StartLSN is the LSN the first record of the segment carries (or will carry).
func (s *Segment) StartLSN() LSN {
	return s.startLSN
}

// EndLSN is the LSN of the last record in the segment, 0 if it is empty.
func (s *Segment) EndLSN() LSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endLSN
}

// Close closes the segment file
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return err
		}
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// ReadRecords reads all records from the segment
func (s *Segment) ReadRecords() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*Record
	if _, err := s.scan(s.size, func(r *Record) error {
		records = append(records, r)
		return nil
	}); err != nil {
		return nil, err
	}
	return records, nil
}

// GetPath returns the file path of the segment
func (s *Segment) GetPath() string {
	return s.path
}
