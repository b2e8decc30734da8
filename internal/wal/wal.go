// Package wal implements Write-Ahead Logging for durability.
//
// The WAL records every physical page change, and the markers that bracket
// atomic operations, before the change reaches the data files. After a crash the
// log is replayed to bring the data files to the last committed state.
//
// Key Components:
//   - WAL: The main coordinator managing segments and log appends.
//   - Segment: A single log file (rotated when full).
//   - Record: A single log entry (header + before/after images).
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
)

// Options configures a WAL.
type Options struct {
	Fs          afero.Fs
	Dir         string
	SegmentSize int64
	// MinLSN is a floor for the next LSN, used when every segment was removed.
	MinLSN LSN
}

// WAL represents the Write-Ahead Log Manager.
// It manages a sequence of log segments and handles atomic appends.
type WAL struct {
	fs             afero.Fs
	dir            string
	segmentSize    int64
	currentSegment *Segment    // The active segment being written to
	sealed         []*Segment // Older segments, oldest first (closed files, metadata only)
	nextLSN        LSN
	lastLSN        atomic.Uint64 // Last appended LSN
	flushedLSN     atomic.Uint64 // Last LSN known to be on stable storage
	closed         bool
	mu             sync.Mutex
}

// Open opens the WAL in dir, creating the first segment if none exists. A torn
// tail in the newest segment is truncated.
func Open(opts Options) (*WAL, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if err := opts.Fs.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	ids, err := listSegments(opts.Fs, opts.Dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{fs: opts.Fs, dir: opts.Dir, segmentSize: opts.SegmentSize}
	next := max(opts.MinLSN, 1)

	for i, id := range ids {
		last := i == len(ids)-1
		seg, err := OpenSegment(opts.Fs, opts.Dir, id, opts.SegmentSize, last)
		if err != nil {
			w.closeSegments()
			return nil, err
		}
		if seg.EndLSN() > 0 {
			next = max(next, seg.EndLSN()+1)
		}
		next = max(next, seg.StartLSN())
		if last {
			w.currentSegment = seg
			continue
		}
		if err := seg.Close(); err != nil {
			w.closeSegments()
			return nil, err
		}
		w.sealed = append(w.sealed, seg)
	}

	if w.currentSegment == nil {
		seg, err := NewSegment(opts.Fs, opts.Dir, 0, next, opts.SegmentSize)
		if err != nil {
			return nil, err
		}
		w.currentSegment = seg
	}

	w.nextLSN = next
	w.lastLSN.Store(uint64(next - 1))
	w.flushedLSN.Store(uint64(next - 1))
	return w, nil
}

func listSegments(fs afero.Fs, dir string) ([]SegmentID, error) {
	files, err := afero.Glob(fs, filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}
	var ids []SegmentID
	for _, file := range files {
		var segID uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &segID); err != nil {
			continue // Skip invalid files
		}
		ids = append(ids, SegmentID(segID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Append appends a record to the WAL and returns its LSN
func (w *WAL) Append(record *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(record)
}

// AppendBatch appends multiple records to the WAL and returns the last LSN
func (w *WAL) AppendBatch(records []*Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lastLSN LSN
	for _, record := range records {
		lsn, err := w.appendLocked(record)
		if err != nil {
			return 0, err
		}
		lastLSN = lsn
	}
	return lastLSN, nil
}

func (w *WAL) appendLocked(record *Record) (LSN, error) {
	if w.closed {
		return 0, storeerr.ErrWALClosed
	}

	// Check if we need to rotate segment
	if w.currentSegment.IsFull() {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	record.LSN = w.nextLSN
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixNano()
	}

	n, err := w.currentSegment.Write(record)
	if err != nil {
		return 0, err
	}
	w.nextLSN++
	w.lastLSN.Store(uint64(record.LSN))

	metrics.WALRecordsTotal.WithLabelValues(record.Type.String()).Inc()
	metrics.WALBytesTotal.Add(float64(n))
	return record.LSN, nil
}

// Sync forces a sync of the WAL to disk
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return storeerr.ErrWALClosed
	}
	if err := w.currentSegment.Sync(); err != nil {
		return err
	}
	w.flushedLSN.Store(w.lastLSN.Load())
	return nil
}

// Rotate seals the current segment and starts a new one.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return storeerr.ErrWALClosed
	}
	return w.rotateLocked()
}

// rotateLocked creates a new segment and closes the current one
func (w *WAL) rotateLocked() error {
	if err := w.currentSegment.Close(); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}
	// A closed segment is durable
	w.flushedLSN.Store(w.lastLSN.Load())

	newSegment, err := NewSegment(w.fs, w.dir, w.currentSegment.ID+1, w.nextLSN, w.segmentSize)
	if err != nil {
		return err
	}

	w.sealed = append(w.sealed, w.currentSegment)
	w.currentSegment = newSegment
	return nil
}

// LastLSN returns the LSN of the last appended record
func (w *WAL) LastLSN() LSN {
	return LSN(w.lastLSN.Load())
}

// FlushedLSN returns the LSN up to which the log is durable
func (w *WAL) FlushedLSN() LSN {
	return LSN(w.flushedLSN.Load())
}

// FirstLSN returns the smallest LSN still retained in the log.
func (w *WAL) FirstLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sealed) > 0 {
		return w.sealed[0].StartLSN()
	}
	return w.currentSegment.StartLSN()
}

// Size returns the total size of retained segments in bytes
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := w.currentSegment.Size()
	for _, s := range w.sealed {
		total += s.size
	}
	return total
}

// SegmentCount returns the number of retained segments
func (w *WAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sealed) + 1
}

// TruncateBefore removes whole sealed segments whose records all precede lsn.
// The current segment is never removed. It returns the number of removed segments.
func (w *WAL) TruncateBefore(lsn LSN) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for len(w.sealed) > 0 {
		seg := w.sealed[0]
		// The segment ends right before its successor starts
		next := w.currentSegment.StartLSN()
		if len(w.sealed) > 1 {
			next = w.sealed[1].StartLSN()
		}
		if next > lsn {
			break
		}
		if err := w.fs.Remove(seg.GetPath()); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove WAL segment: %w", err)
		}
		w.sealed = w.sealed[1:]
		removed++
	}
	return removed, nil
}

// Replay calls fn for every retained record with LSN >= from, in LSN order.
func (w *WAL) Replay(from LSN, fn func(*Record) error) error {
	w.mu.Lock()
	segments := make([]*Segment, 0, len(w.sealed)+1)
	segments = append(segments, w.sealed...)
	segments = append(segments, w.currentSegment)
	w.mu.Unlock()

	for i, seg := range segments {
		if i+1 < len(segments) && segments[i+1].StartLSN() <= from {
			continue
		}
		if err := w.replaySegment(seg, from, fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replaySegment(seg *Segment, from LSN, fn func(*Record) error) error {
	file, err := w.fs.Open(seg.GetPath())
	if err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrDiskReadFailed, err)
	}
	defer file.Close()

	reader := &Segment{ID: seg.ID, path: seg.path, fs: w.fs, file: file}
	// Bounded by the size seen now so records appended concurrently are not read half-written
	_, err = reader.scan(seg.Size(), func(r *Record) error {
		if r.LSN < from {
			return nil
		}
		return fn(r)
	})
	return err
}

// ReadAllRecords reads all records from all WAL segments
func (w *WAL) ReadAllRecords() ([]*Record, error) {
	var all []*Record
	err := w.Replay(0, func(r *Record) error {
		all = append(all, r)
		return nil
	})
	return all, err
}

func (w *WAL) closeSegments() {
	if w.currentSegment != nil {
		w.currentSegment.Close()
	}
	for _, s := range w.sealed {
		s.Close()
	}
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.currentSegment.Close(); err != nil {
		return err
	}
	w.flushedLSN.Store(w.lastLSN.Load())
	return nil
}

// Abandon closes the file handles without syncing. Unsynced data may be lost,
// which is what a process crash looks like to the next Open.
func (w *WAL) Abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if f := w.currentSegment.file; f != nil {
		f.Close()
		w.currentSegment.file = nil
	}
}
