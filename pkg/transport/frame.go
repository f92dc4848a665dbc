package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

const (
	lengthSize   = 4
	checksumSize = 8
	headerSize   = lengthSize + checksumSize
)

var (
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// writeFrame writes one frame:
//
//	+----------------+------------------+-----------+
//	| length (4, BE) | xxhash64 (8, BE) | payload   |
//	+----------------+------------------+-----------+
func writeFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxSize)
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:lengthSize], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[lengthSize:headerSize], xxhash.Sum64(payload))
	copy(buf[headerSize:], payload)

	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame and verifies its checksum. A clean EOF before the
// header is returned as io.EOF.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:lengthSize])
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}
	checksum := binary.BigEndian.Uint64(header[lengthSize:headerSize])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if got := xxhash.Sum64(payload); got != checksum {
		return nil, fmt.Errorf("%w: want %x, got %x", ErrChecksumMismatch, checksum, got)
	}
	return payload, nil
}
