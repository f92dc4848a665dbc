package walfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
)

var (
	ErrClosed          = errors.New("segment file is closed")
	ErrInvalidCRC      = errors.New("invalid crc, the record may be corrupted")
	ErrIncompleteEntry = errors.New("incomplete or torn record")
	ErrSegmentSealed   = errors.New("cannot write to sealed segment")
	ErrSegmentFull     = errors.New("segment is full")
	ErrOutOfOrder      = errors.New("sequence number out of order")
	ErrNotFound        = errors.New("sequence number not found")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	// DefaultSegmentSize is the mapped size of a new segment file.
	DefaultSegmentSize int64 = 16 << 20
	maxSegmentSize     int64 = 4 << 30

	flagActive uint32 = 1 << 0
	flagSealed uint32 = 1 << 1

	headerSize = 64
	// "SGLW"
	segmentMagic   = 0x53474C57
	segmentVersion = 1

	// 4 (crc) + 4 (length)
	recordHeaderSize = 8
	// written after every record so a torn write stops replay there
	trailerSize = 8
	trailerWord = uint64(0xCEFAEDFEEFBEADDE)

	alignSize int64 = 8
	alignMask       = alignSize - 1

	fileMode = 0o644
)

// SegmentID numbers segment files in creation order, starting at 1.
type SegmentID = uint32

/* Header layout, little endian:
0..3    magic
4..7    version
8..15   created at (unix nanos)
16..23  last modified at (unix nanos)
24..31  write offset
32..39  entry count
40..43  flags
44..51  first sequence number
56..59  CRC32C of bytes 0..55
*/

/* Record layout:
0..3             CRC32C(length || data)
4..7             u32 length
8..8+len         data
8+len..16+len    trailer
zero padding to the next 8 byte boundary
*/

// Segment is one memory-mapped WAL file. Records in a segment carry
// contiguous sequence numbers starting at FirstSequence.
type Segment struct {
	path string
	id   SegmentID
	fd   *os.File
	data mmap.MMap
	size int64

	mu          sync.RWMutex
	writeOffset int64
	firstSeq    uint64
	// offsets[i] holds the record for firstSeq+i
	offsets []int64
	sealed  bool

	closed atomic.Bool
}

// SegmentFileName returns the path of segment id in dir.
func SegmentFileName(dir, ext string, id SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("%09d%s", id, ext))
}

func alignUp(n int64) int64 {
	return (n + alignMask) &^ alignMask
}

func entrySize(dataLen int) int64 {
	return alignUp(recordHeaderSize + int64(dataLen) + trailerSize)
}

func checksum(lengthField, data []byte) uint32 {
	sum := crc32.Checksum(lengthField, crcTable)
	return crc32.Update(sum, crcTable, data)
}

// openSegment maps an existing segment file, or creates one of size bytes.
// An existing file is scanned up to its first invalid record.
func openSegment(dir, ext string, id SegmentID, size int64) (*Segment, error) {
	if size > maxSegmentSize {
		return nil, fmt.Errorf("segment size %d exceeds 4 GiB limit", size)
	}

	path := SegmentFileName(dir, ext, id)
	isNew := false
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		isNew = true
	case err != nil:
		return nil, fmt.Errorf("stat segment: %w", err)
	default:
		// keep the size the file was created with
		size = info.Size()
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return nil, err
	}
	if isNew {
		if err := fd.Truncate(size); err != nil {
			fd.Close()
			return nil, fmt.Errorf("truncate segment: %w", err)
		}
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	s := &Segment{
		path:        path,
		id:          id,
		fd:          fd,
		data:        data,
		size:        size,
		writeOffset: headerSize,
	}

	if isNew {
		s.writeInitialHeader()
		return s, nil
	}

	if err := s.loadHeader(); err != nil {
		_ = data.Unmap()
		_ = fd.Close()
		return nil, err
	}
	s.scan()
	return s, nil
}

func (s *Segment) writeInitialHeader() {
	now := uint64(time.Now().UnixNano())
	binary.LittleEndian.PutUint32(s.data[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(s.data[4:8], segmentVersion)
	binary.LittleEndian.PutUint64(s.data[8:16], now)
	binary.LittleEndian.PutUint64(s.data[16:24], now)
	binary.LittleEndian.PutUint64(s.data[24:32], headerSize)
	binary.LittleEndian.PutUint64(s.data[32:40], 0)
	binary.LittleEndian.PutUint32(s.data[40:44], flagActive)
	binary.LittleEndian.PutUint64(s.data[44:52], 0)
	s.updateHeaderCRC()
}

func (s *Segment) updateHeaderCRC() {
	binary.LittleEndian.PutUint32(s.data[56:60], crc32.Checksum(s.data[0:56], crcTable))
}

func (s *Segment) loadHeader() error {
	if s.size < headerSize {
		return fmt.Errorf("segment %d: file shorter than header", s.id)
	}
	saved := binary.LittleEndian.Uint32(s.data[56:60])
	if computed := crc32.Checksum(s.data[0:56], crcTable); saved != computed {
		return fmt.Errorf("segment %d: header crc mismatch: stored %08x, computed %08x", s.id, saved, computed)
	}
	if magic := binary.LittleEndian.Uint32(s.data[0:4]); magic != segmentMagic {
		return fmt.Errorf("segment %d: bad magic %08x", s.id, magic)
	}
	s.firstSeq = binary.LittleEndian.Uint64(s.data[44:52])
	s.sealed = binary.LittleEndian.Uint32(s.data[40:44])&flagSealed != 0
	return nil
}

// scan walks the records from the header on and stops at the first one whose
// checksum or trailer does not verify. The header's write offset is not
// trusted, a crash may have happened between the record and header updates.
func (s *Segment) scan() {
	offset := int64(headerSize)
	for offset+recordHeaderSize <= s.size {
		length := binary.LittleEndian.Uint32(s.data[offset+4 : offset+8])
		saved := binary.LittleEndian.Uint32(s.data[offset : offset+4])
		if saved == 0 && length == 0 {
			break
		}
		next := offset + entrySize(int(length))
		if next > s.size {
			break
		}
		body := s.data[offset+recordHeaderSize : offset+recordHeaderSize+int64(length)]
		trailerAt := offset + recordHeaderSize + int64(length)
		if saved != checksum(s.data[offset+4:offset+8], body) ||
			binary.LittleEndian.Uint64(s.data[trailerAt:trailerAt+trailerSize]) != trailerWord {
			break
		}
		s.offsets = append(s.offsets, offset)
		offset = next
	}
	s.writeOffset = offset
}

// Write appends one record carrying sequence number seq. The first record
// fixes the segment's FirstSequence; later ones must follow it directly.
func (s *Segment) Write(record []byte, seq uint64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return 0, ErrSegmentSealed
	}
	if len(s.offsets) > 0 {
		if want := s.firstSeq + uint64(len(s.offsets)); seq != want {
			return 0, fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, want, seq)
		}
	}

	offset := s.writeOffset
	size := entrySize(len(record))
	if offset+size > s.size {
		return 0, ErrSegmentFull
	}

	if len(s.offsets) == 0 {
		s.firstSeq = seq
		binary.LittleEndian.PutUint64(s.data[44:52], seq)
	}

	binary.LittleEndian.PutUint32(s.data[offset+4:offset+8], uint32(len(record)))
	copy(s.data[offset+recordHeaderSize:], record)
	binary.LittleEndian.PutUint32(s.data[offset:offset+4],
		checksum(s.data[offset+4:offset+8], record))
	trailerAt := offset + recordHeaderSize + int64(len(record))
	binary.LittleEndian.PutUint64(s.data[trailerAt:trailerAt+trailerSize], trailerWord)
	clear(s.data[trailerAt+trailerSize : offset+size])

	s.writeOffset = offset + size
	s.offsets = append(s.offsets, offset)

	binary.LittleEndian.PutUint64(s.data[16:24], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(s.data[24:32], uint64(s.writeOffset))
	binary.LittleEndian.PutUint64(s.data[32:40], uint64(len(s.offsets)))
	s.updateHeaderCRC()
	return offset, nil
}

// Read returns the record with sequence number seq. The slice aliases the
// mapped file and is only valid until the segment is closed.
func (s *Segment) Read(seq uint64) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.offsets) == 0 || seq < s.firstSeq || seq >= s.firstSeq+uint64(len(s.offsets)) {
		return nil, fmt.Errorf("%w: %d in segment %d", ErrNotFound, seq, s.id)
	}
	return s.readAt(s.offsets[seq-s.firstSeq])
}

func (s *Segment) readAt(offset int64) ([]byte, error) {
	length := int64(binary.LittleEndian.Uint32(s.data[offset+4 : offset+8]))
	if offset+entrySize(int(length)) > s.writeOffset {
		return nil, ErrIncompleteEntry
	}
	trailerAt := offset + recordHeaderSize + length
	if binary.LittleEndian.Uint64(s.data[trailerAt:trailerAt+trailerSize]) != trailerWord {
		return nil, ErrIncompleteEntry
	}
	body := s.data[offset+recordHeaderSize : trailerAt]
	if binary.LittleEndian.Uint32(s.data[offset:offset+4]) != checksum(s.data[offset+4:offset+8], body) {
		return nil, ErrInvalidCRC
	}
	return body, nil
}

// Seal marks the segment read-only, on disk and in memory.
func (s *Segment) Seal() error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	flags := binary.LittleEndian.Uint32(s.data[40:44])
	flags = (flags &^ flagActive) | flagSealed
	binary.LittleEndian.PutUint32(s.data[40:44], flags)
	binary.LittleEndian.PutUint64(s.data[16:24], uint64(time.Now().UnixNano()))
	s.updateHeaderCRC()
	s.sealed = true
	s.mu.Unlock()

	return s.Sync()
}

// Sync flushes the mapping and fsyncs the file.
func (s *Segment) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.data.Flush(); err != nil {
		return fmt.Errorf("mmap flush: %w", err)
	}
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// Close syncs and unmaps the segment. It is safe to call more than once.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil
	}
	var errs []error
	if err := s.data.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("mmap flush: %w", err))
	}
	s.closed.Store(true)
	if err := s.data.Unmap(); err != nil {
		errs = append(errs, fmt.Errorf("unmap: %w", err))
	}
	if err := s.fd.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}

// remove closes the segment and deletes its file.
func (s *Segment) remove() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", s.id, err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove segment %d: %w", s.id, err)
	}
	return nil
}

func (s *Segment) ID() SegmentID {
	return s.id
}

func (s *Segment) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// FirstSequence is the sequence number of the first record, 0 if empty.
func (s *Segment) FirstSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.offsets) == 0 {
		return 0
	}
	return s.firstSeq
}

// LastSequence is the sequence number of the last record, 0 if empty.
func (s *Segment) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.offsets) == 0 {
		return 0
	}
	return s.firstSeq + uint64(len(s.offsets)) - 1
}

func (s *Segment) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}

func (s *Segment) WriteOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeOffset
}
