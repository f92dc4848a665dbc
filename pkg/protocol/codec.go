package protocol

import (
	"errors"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"
)

const oneKB = 1024

var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownCommand   = errors.New("unknown command type")
)

// Every command is one flatbuffers table. Absent fields read back as zero.
//
//	table WireCommand {
//	  type:uint8;               // 0
//	  request_id:int64;         // 1
//	  writer_id:[ubyte];        // 2
//	  segment:string;           // 3
//	  delegation_token:string;  // 4
//	  event_number:int64;       // 5
//	  expected_offset:int64;    // 6
//	  data:[ubyte];             // 7
//	  last_event_number:int64;  // 8
//	  write_offset:int64;       // 9
//	  correct_host:string;      // 10
//	}
const (
	slotType = iota
	slotRequestID
	slotWriterID
	slotSegment
	slotDelegationToken
	slotEventNumber
	slotExpectedOffset
	slotData
	slotLastEventNumber
	slotWriteOffset
	slotCorrectHost

	numSlots
)

// Codec encodes commands as FlatBuffers. It is safe for concurrent use.
type Codec struct {
	pool sync.Pool
}

// NewCodec creates a codec with a pool of reusable builders.
func NewCodec() *Codec {
	return &Codec{
		pool: sync.Pool{
			New: func() interface{} {
				return flatbuffers.NewBuilder(oneKB)
			},
		},
	}
}

func (c *Codec) getBuilder() *flatbuffers.Builder {
	return c.pool.Get().(*flatbuffers.Builder)
}

func (c *Codec) putBuilder(b *flatbuffers.Builder) {
	b.Reset()
	c.pool.Put(b)
}

// fields is the flattened form of any command.
type fields struct {
	typ             CommandType
	requestID       int64
	writerID        *uuid.UUID
	segment         string
	delegationToken string
	eventNumber     int64
	expectedOffset  int64
	data            []byte
	lastEventNumber int64
	writeOffset     int64
	correctHost     string
}

func flatten(cmd Command) (fields, error) {
	if cmd == nil {
		return fields{}, fmt.Errorf("%w: nil", ErrUnknownCommand)
	}
	f := fields{typ: cmd.Type(), requestID: cmd.GetRequestID()}
	switch c := cmd.(type) {
	case *SetupAppend:
		f.writerID = &c.WriterID
		f.segment = c.Segment
		f.delegationToken = c.DelegationToken
	case *ConditionalAppend:
		f.writerID = &c.WriterID
		f.eventNumber = c.EventNumber
		f.expectedOffset = c.ExpectedOffset
		f.data = c.Data
	case *AppendSetup:
		f.segment = c.Segment
		f.writerID = &c.WriterID
		f.lastEventNumber = c.LastEventNumber
	case *DataAppended:
		f.writerID = &c.WriterID
		f.eventNumber = c.EventNumber
		f.writeOffset = c.CurrentSegmentWriteOffset
	case *ConditionalCheckFailed:
		f.writerID = &c.WriterID
		f.eventNumber = c.EventNumber
	case *WrongHost:
		f.segment = c.Segment
		f.correctHost = c.CorrectHost
	case *NoSuchSegment:
		f.segment = c.Segment
	case *SegmentIsSealed:
		f.segment = c.Segment
	case *ContainerRecovering:
		f.segment = c.Segment
	default:
		return fields{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	return f, nil
}

// Encode serializes cmd. The returned slice is owned by the caller.
func (c *Codec) Encode(cmd Command) ([]byte, error) {
	f, err := flatten(cmd)
	if err != nil {
		return nil, err
	}

	builder := c.getBuilder()
	defer c.putBuilder(builder)

	// vectors and strings must be created before the table starts
	var writerOffset, segmentOffset, tokenOffset, dataOffset, hostOffset flatbuffers.UOffsetT
	if f.writerID != nil {
		writerOffset = builder.CreateByteVector(f.writerID[:])
	}
	if f.segment != "" {
		segmentOffset = builder.CreateString(f.segment)
	}
	if f.delegationToken != "" {
		tokenOffset = builder.CreateString(f.delegationToken)
	}
	if f.data != nil {
		dataOffset = builder.CreateByteVector(f.data)
	}
	if f.correctHost != "" {
		hostOffset = builder.CreateString(f.correctHost)
	}

	builder.StartObject(numSlots)
	builder.PrependInt64Slot(slotRequestID, f.requestID, 0)
	builder.PrependInt64Slot(slotEventNumber, f.eventNumber, 0)
	builder.PrependInt64Slot(slotExpectedOffset, f.expectedOffset, 0)
	builder.PrependInt64Slot(slotLastEventNumber, f.lastEventNumber, 0)
	builder.PrependInt64Slot(slotWriteOffset, f.writeOffset, 0)
	builder.PrependUOffsetTSlot(slotWriterID, writerOffset, 0)
	builder.PrependUOffsetTSlot(slotSegment, segmentOffset, 0)
	builder.PrependUOffsetTSlot(slotDelegationToken, tokenOffset, 0)
	builder.PrependUOffsetTSlot(slotData, dataOffset, 0)
	builder.PrependUOffsetTSlot(slotCorrectHost, hostOffset, 0)
	builder.PrependUint8Slot(slotType, uint8(f.typ), 0)
	root := builder.EndObject()

	builder.Finish(root)
	data := builder.FinishedBytes()
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// table reads fields of an encoded WireCommand.
type table struct {
	tab flatbuffers.Table
}

func (t *table) offset(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (t *table) getUint8(slot int) uint8 {
	if o := t.offset(slot); o != 0 {
		return t.tab.GetUint8(o + t.tab.Pos)
	}
	return 0
}

func (t *table) getInt64(slot int) int64 {
	if o := t.offset(slot); o != 0 {
		return t.tab.GetInt64(o + t.tab.Pos)
	}
	return 0
}

func (t *table) getBytes(slot int) []byte {
	if o := t.offset(slot); o != 0 {
		return t.tab.ByteVector(o + t.tab.Pos)
	}
	return nil
}

func (t *table) getString(slot int) string {
	return string(t.getBytes(slot))
}

func (t *table) writerID() (uuid.UUID, error) {
	raw := t.getBytes(slotWriterID)
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: writer id: %v", ErrMalformedCommand, err)
	}
	return id, nil
}

// Decode parses a command produced by Encode. Data is copied out of buf.
func (c *Codec) Decode(buf []byte) (cmd Command, err error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCommand, len(buf))
	}

	// flatbuffers accessors index without bounds checks of their own
	defer func() {
		if r := recover(); r != nil {
			cmd = nil
			err = fmt.Errorf("%w: %v", ErrMalformedCommand, r)
		}
	}()

	root := flatbuffers.GetUOffsetT(buf)
	if int(root) >= len(buf) {
		return nil, fmt.Errorf("%w: root offset %d beyond %d bytes", ErrMalformedCommand, root, len(buf))
	}
	t := &table{tab: flatbuffers.Table{Bytes: buf, Pos: root}}

	typ := CommandType(t.getUint8(slotType))
	requestID := t.getInt64(slotRequestID)

	switch typ {
	case CommandTypeSetupAppend:
		id, err := t.writerID()
		if err != nil {
			return nil, err
		}
		return &SetupAppend{
			RequestID:       requestID,
			WriterID:        id,
			Segment:         t.getString(slotSegment),
			DelegationToken: t.getString(slotDelegationToken),
		}, nil

	case CommandTypeConditionalAppend:
		id, err := t.writerID()
		if err != nil {
			return nil, err
		}
		raw := t.getBytes(slotData)
		data := make([]byte, len(raw))
		copy(data, raw)
		return &ConditionalAppend{
			RequestID:      requestID,
			WriterID:       id,
			EventNumber:    t.getInt64(slotEventNumber),
			ExpectedOffset: t.getInt64(slotExpectedOffset),
			Data:           data,
		}, nil

	case CommandTypeAppendSetup:
		id, err := t.writerID()
		if err != nil {
			return nil, err
		}
		return &AppendSetup{
			RequestID:       requestID,
			Segment:         t.getString(slotSegment),
			WriterID:        id,
			LastEventNumber: t.getInt64(slotLastEventNumber),
		}, nil

	case CommandTypeDataAppended:
		id, err := t.writerID()
		if err != nil {
			return nil, err
		}
		return &DataAppended{
			RequestID:                 requestID,
			WriterID:                  id,
			EventNumber:               t.getInt64(slotEventNumber),
			CurrentSegmentWriteOffset: t.getInt64(slotWriteOffset),
		}, nil

	case CommandTypeConditionalCheckFailed:
		id, err := t.writerID()
		if err != nil {
			return nil, err
		}
		return &ConditionalCheckFailed{
			RequestID:   requestID,
			WriterID:    id,
			EventNumber: t.getInt64(slotEventNumber),
		}, nil

	case CommandTypeWrongHost:
		return &WrongHost{
			RequestID:   requestID,
			Segment:     t.getString(slotSegment),
			CorrectHost: t.getString(slotCorrectHost),
		}, nil

	case CommandTypeNoSuchSegment:
		return &NoSuchSegment{RequestID: requestID, Segment: t.getString(slotSegment)}, nil

	case CommandTypeSegmentIsSealed:
		return &SegmentIsSealed{RequestID: requestID, Segment: t.getString(slotSegment)}, nil

	case CommandTypeContainerRecovering:
		return &ContainerRecovering{RequestID: requestID, Segment: t.getString(slotSegment)}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, typ)
	}
}

// DecodeRequest decodes buf and checks that it holds a Request.
func (c *Codec) DecodeRequest(buf []byte) (Request, error) {
	cmd, err := c.Decode(buf)
	if err != nil {
		return nil, err
	}
	req, ok := cmd.(Request)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a request", ErrMalformedCommand, cmd.Type())
	}
	return req, nil
}

// DecodeReply decodes buf and checks that it holds a Reply.
func (c *Codec) DecodeReply(buf []byte) (Reply, error) {
	cmd, err := c.Decode(buf)
	if err != nil {
		return nil, err
	}
	reply, ok := cmd.(Reply)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a reply", ErrMalformedCommand, cmd.Type())
	}
	return reply, nil
}
