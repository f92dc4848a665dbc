package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OperationType identifies what an operation does to the container.
type OperationType uint8

const (
	OperationCreateSegment OperationType = 1
	OperationAppend        OperationType = 2
	OperationSealSegment   OperationType = 3
)

func (t OperationType) String() string {
	switch t {
	case OperationCreateSegment:
		return "CREATE_SEGMENT"
	case OperationAppend:
		return "APPEND"
	case OperationSealSegment:
		return "SEAL_SEGMENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Operation is the WAL record for one logged container mutation.
type Operation struct {
	// Assigned by OperationLog.Append
	SequenceNumber int64         `json:"seq"`
	Type           OperationType `json:"type"`
	Segment        string        `json:"segment"`

	// Append only
	WriterID    uuid.UUID `json:"writer_id"`
	EventNumber int64     `json:"event_number,omitempty"`
	// Segment offset the data was written at
	Offset int64  `json:"offset,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// Encode serializes the Operation to JSON bytes.
func (o *Operation) Encode() ([]byte, error) {
	return json.Marshal(o)
}

func DecodeOperation(data []byte) (*Operation, error) {
	var o Operation
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	return &o, nil
}

// EncodeSequence converts a sequence number to big-endian bytes for BoltDB.
func EncodeSequence(seq int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

// DecodeSequence converts big-endian bytes back to a sequence number.
func DecodeSequence(data []byte) int64 {
	if len(data) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}
