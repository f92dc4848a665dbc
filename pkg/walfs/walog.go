// Package walfs is a write-ahead log of sequence-numbered records stored in
// memory-mapped segment files.
package walfs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
)

var ErrRecordTooLarge = errors.New("record exceeds segment capacity")

// Option configures a WALog.
type Option func(*WALog)

// WithSegmentSize sets the size of new segment files.
func WithSegmentSize(size int64) Option {
	return func(wl *WALog) {
		if size > 0 {
			wl.segmentSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(wl *WALog) {
		if logger != nil {
			wl.logger = logger
		}
	}
}

// WALog manages the segment files in one directory: opening and recovering
// them, rotating the active segment when it fills up, and removing sealed
// segments once their records are no longer needed.
//
// Sequence numbers are contiguous across segments. Callers pick them; the
// log only checks that each one follows the last.
type WALog struct {
	dir         string
	ext         string
	segmentSize int64
	logger      *slog.Logger

	mu sync.RWMutex
	// ordered by id, the last one is active
	segments []*Segment
}

// Open recovers the segments in dir, creating the directory and a first
// segment if there are none. All but the newest segment are sealed.
func Open(dir, ext string, opts ...Option) (*WALog, error) {
	wl := &WALog{
		dir:         dir,
		ext:         ext,
		segmentSize: DefaultSegmentSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(wl)
	}
	if wl.segmentSize <= headerSize+recordHeaderSize+trailerSize {
		return nil, fmt.Errorf("segment size %d too small", wl.segmentSize)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}
	if err := wl.recoverSegments(); err != nil {
		wl.closeSegments()
		return nil, fmt.Errorf("recover segments: %w", err)
	}
	return wl, nil
}

func (wl *WALog) recoverSegments() error {
	files, err := os.ReadDir(wl.dir)
	if err != nil {
		return err
	}

	var ids []SegmentID
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), wl.ext) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(f.Name(), wl.ext), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, SegmentID(id))
	}
	slices.Sort(ids)

	if len(ids) == 0 {
		return wl.addSegment(1)
	}

	for i, id := range ids {
		seg, err := openSegment(wl.dir, wl.ext, id, wl.segmentSize)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", id, err)
		}
		wl.segments = append(wl.segments, seg)
		if i < len(ids)-1 && !seg.IsSealed() {
			if err := seg.Seal(); err != nil {
				return fmt.Errorf("seal segment %d: %w", id, err)
			}
		}
	}

	wl.logger.Debug("wal segments recovered",
		"dir", wl.dir,
		"segments", len(wl.segments),
		"first_sequence", wl.firstSequenceLocked(),
		"last_sequence", wl.lastSequenceLocked())
	return nil
}

func (wl *WALog) addSegment(id SegmentID) error {
	seg, err := openSegment(wl.dir, wl.ext, id, wl.segmentSize)
	if err != nil {
		return err
	}
	wl.segments = append(wl.segments, seg)
	if err := syncDir(wl.dir); err != nil {
		return fmt.Errorf("fsync wal directory: %w", err)
	}
	return nil
}

func (wl *WALog) current() *Segment {
	return wl.segments[len(wl.segments)-1]
}

// Write appends record under sequence number seq, rotating to a new segment
// when the active one is full. seq must directly follow LastSequence unless
// the log is empty.
func (wl *WALog) Write(record []byte, seq uint64) error {
	if entrySize(len(record)) > wl.segmentSize-headerSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()

	if last := wl.lastSequenceLocked(); last != 0 && seq != last+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, last+1, seq)
	}

	_, err := wl.current().Write(record, seq)
	// a crash between sealing and creating the next segment leaves the
	// newest segment sealed
	if errors.Is(err, ErrSegmentFull) || errors.Is(err, ErrSegmentSealed) {
		if err := wl.rotateLocked(); err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
		_, err = wl.current().Write(record, seq)
	}
	return err
}

func (wl *WALog) rotateLocked() error {
	sealed := wl.current()
	if err := sealed.Seal(); err != nil {
		return err
	}
	if err := wl.addSegment(sealed.ID() + 1); err != nil {
		return err
	}
	wl.logger.Debug("wal segment rotated",
		"sealed", sealed.ID(),
		"first_sequence", sealed.FirstSequence(),
		"last_sequence", sealed.LastSequence())
	return nil
}

// Read returns a copy of the record with sequence number seq.
func (wl *WALog) Read(seq uint64) ([]byte, error) {
	wl.mu.RLock()
	defer wl.mu.RUnlock()

	for _, seg := range wl.segments {
		if first := seg.FirstSequence(); first != 0 && seq >= first && seq <= seg.LastSequence() {
			data, err := seg.Read(seq)
			if err != nil {
				return nil, err
			}
			return slices.Clone(data), nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
}

// Replay calls fn for every record in sequence order. The data slice is only
// valid for the duration of the call. Replay stops at the first error fn
// returns.
func (wl *WALog) Replay(fn func(seq uint64, data []byte) error) error {
	wl.mu.RLock()
	defer wl.mu.RUnlock()

	for _, seg := range wl.segments {
		first := seg.FirstSequence()
		if first == 0 {
			continue
		}
		for seq := first; seq <= seg.LastSequence(); seq++ {
			data, err := seg.Read(seq)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.ID(), err)
			}
			if err := fn(seq, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveThrough deletes sealed segments whose records all have sequence
// numbers at or below seq. The active segment is always kept. It returns
// the number of segments removed.
func (wl *WALog) RemoveThrough(seq uint64) (int, error) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	removed := 0
	for len(wl.segments) > 1 {
		seg := wl.segments[0]
		if last := seg.LastSequence(); last > seq {
			break
		}
		if err := seg.remove(); err != nil {
			return removed, err
		}
		wl.segments = wl.segments[1:]
		removed++
	}
	if removed > 0 {
		if err := syncDir(wl.dir); err != nil {
			return removed, fmt.Errorf("fsync wal directory: %w", err)
		}
	}
	return removed, nil
}

// FirstSequence returns the lowest sequence number held, 0 if empty.
func (wl *WALog) FirstSequence() uint64 {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	return wl.firstSequenceLocked()
}

func (wl *WALog) firstSequenceLocked() uint64 {
	for _, seg := range wl.segments {
		if first := seg.FirstSequence(); first != 0 {
			return first
		}
	}
	return 0
}

// LastSequence returns the highest sequence number held, 0 if empty.
func (wl *WALog) LastSequence() uint64 {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	return wl.lastSequenceLocked()
}

func (wl *WALog) lastSequenceLocked() uint64 {
	for i := len(wl.segments) - 1; i >= 0; i-- {
		if last := wl.segments[i].LastSequence(); last != 0 {
			return last
		}
	}
	return 0
}

// SegmentCount returns how many segment files the log holds.
func (wl *WALog) SegmentCount() int {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	return len(wl.segments)
}

// Sync makes the active segment durable. Sealed segments were synced when
// they were sealed.
func (wl *WALog) Sync() error {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	return wl.current().Sync()
}

// Close closes every segment.
func (wl *WALog) Close() error {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.closeSegments()
}

func (wl *WALog) closeSegments() error {
	var errs []error
	for _, seg := range wl.segments {
		if err := seg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// syncDir fsyncs a directory so created and removed files survive a crash.
func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
