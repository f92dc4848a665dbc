// Package protocol defines the append-path commands exchanged between a
// writer and a storage node.
//
// Requests and replies are closed sets: only the types in this package
// implement Request and Reply. A writer dispatches on a reply with a type
// switch whose default branch is the protocol-violation path.
package protocol

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// NoEventNumber is reported in AppendSetup for writers the node has never seen.
const NoEventNumber int64 = math.MinInt64

// CommandType tags a command on the wire.
type CommandType uint8

const (
	CommandTypeSetupAppend CommandType = iota + 1
	CommandTypeConditionalAppend
	CommandTypeAppendSetup
	CommandTypeDataAppended
	CommandTypeConditionalCheckFailed
	CommandTypeWrongHost
	CommandTypeNoSuchSegment
	CommandTypeSegmentIsSealed
	CommandTypeContainerRecovering
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeSetupAppend:
		return "SETUP_APPEND"
	case CommandTypeConditionalAppend:
		return "CONDITIONAL_APPEND"
	case CommandTypeAppendSetup:
		return "APPEND_SETUP"
	case CommandTypeDataAppended:
		return "DATA_APPENDED"
	case CommandTypeConditionalCheckFailed:
		return "CONDITIONAL_CHECK_FAILED"
	case CommandTypeWrongHost:
		return "WRONG_HOST"
	case CommandTypeNoSuchSegment:
		return "NO_SUCH_SEGMENT"
	case CommandTypeSegmentIsSealed:
		return "SEGMENT_IS_SEALED"
	case CommandTypeContainerRecovering:
		return "CONTAINER_RECOVERING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Command is anything that can be framed on the wire.
type Command interface {
	Type() CommandType
	GetRequestID() int64
}

// Request is sent by a writer.
type Request interface {
	Command
	isRequest()
}

// Reply is sent by a storage node in response to exactly one Request.
type Reply interface {
	Command
	isReply()
}

// SetupAppend opens an append session for a writer on a segment.
type SetupAppend struct {
	RequestID       int64
	WriterID        uuid.UUID
	Segment         string
	DelegationToken string
}

// ConditionalAppend appends Data only if the segment length equals ExpectedOffset.
type ConditionalAppend struct {
	RequestID      int64
	WriterID       uuid.UUID
	EventNumber    int64
	ExpectedOffset int64
	Data           []byte
}

// AppendSetup acknowledges SetupAppend and reports the last event number
// the node has durably applied for the writer.
type AppendSetup struct {
	RequestID       int64
	Segment         string
	WriterID        uuid.UUID
	LastEventNumber int64
}

// DataAppended acknowledges a ConditionalAppend.
type DataAppended struct {
	RequestID                 int64
	WriterID                  uuid.UUID
	EventNumber               int64
	CurrentSegmentWriteOffset int64
}

// ConditionalCheckFailed reports that ExpectedOffset did not match the segment length.
type ConditionalCheckFailed struct {
	RequestID   int64
	WriterID    uuid.UUID
	EventNumber int64
}

// WrongHost reports that the contacted node does not own the segment.
type WrongHost struct {
	RequestID   int64
	Segment     string
	CorrectHost string
}

// NoSuchSegment reports that the segment does not exist.
type NoSuchSegment struct {
	RequestID int64
	Segment   string
}

// SegmentIsSealed reports that the segment no longer accepts appends.
type SegmentIsSealed struct {
	RequestID int64
	Segment   string
}

// ContainerRecovering reports that the owning container is replaying its log.
type ContainerRecovering struct {
	RequestID int64
	Segment   string
}

func (*SetupAppend) Type() CommandType            { return CommandTypeSetupAppend }
func (*ConditionalAppend) Type() CommandType      { return CommandTypeConditionalAppend }
func (*AppendSetup) Type() CommandType            { return CommandTypeAppendSetup }
func (*DataAppended) Type() CommandType           { return CommandTypeDataAppended }
func (*ConditionalCheckFailed) Type() CommandType { return CommandTypeConditionalCheckFailed }
func (*WrongHost) Type() CommandType              { return CommandTypeWrongHost }
func (*NoSuchSegment) Type() CommandType          { return CommandTypeNoSuchSegment }
func (*SegmentIsSealed) Type() CommandType        { return CommandTypeSegmentIsSealed }
func (*ContainerRecovering) Type() CommandType    { return CommandTypeContainerRecovering }

func (c *SetupAppend) GetRequestID() int64            { return c.RequestID }
func (c *ConditionalAppend) GetRequestID() int64      { return c.RequestID }
func (c *AppendSetup) GetRequestID() int64            { return c.RequestID }
func (c *DataAppended) GetRequestID() int64           { return c.RequestID }
func (c *ConditionalCheckFailed) GetRequestID() int64 { return c.RequestID }
func (c *WrongHost) GetRequestID() int64              { return c.RequestID }
func (c *NoSuchSegment) GetRequestID() int64          { return c.RequestID }
func (c *SegmentIsSealed) GetRequestID() int64        { return c.RequestID }
func (c *ContainerRecovering) GetRequestID() int64    { return c.RequestID }

func (*SetupAppend) isRequest()       {}
func (*ConditionalAppend) isRequest() {}

func (*AppendSetup) isReply()            {}
func (*DataAppended) isReply()           {}
func (*ConditionalCheckFailed) isReply() {}
func (*WrongHost) isReply()              {}
func (*NoSuchSegment) isReply()          {}
func (*SegmentIsSealed) isReply()        {}
func (*ContainerRecovering) isReply()    {}

func (c *AppendSetup) String() string {
	return fmt.Sprintf("AppendSetup{requestId=%d, segment=%s, writerId=%s, lastEventNumber=%d}",
		c.RequestID, c.Segment, c.WriterID, c.LastEventNumber)
}

func (c *DataAppended) String() string {
	return fmt.Sprintf("DataAppended{requestId=%d, writerId=%s, eventNumber=%d, offset=%d}",
		c.RequestID, c.WriterID, c.EventNumber, c.CurrentSegmentWriteOffset)
}

func (c *ConditionalCheckFailed) String() string {
	return fmt.Sprintf("ConditionalCheckFailed{requestId=%d, writerId=%s, eventNumber=%d}",
		c.RequestID, c.WriterID, c.EventNumber)
}

func (c *WrongHost) String() string {
	return fmt.Sprintf("WrongHost{requestId=%d, segment=%s, correctHost=%s}",
		c.RequestID, c.Segment, c.CorrectHost)
}

func (c *NoSuchSegment) String() string {
	return fmt.Sprintf("NoSuchSegment{requestId=%d, segment=%s}", c.RequestID, c.Segment)
}

func (c *SegmentIsSealed) String() string {
	return fmt.Sprintf("SegmentIsSealed{requestId=%d, segment=%s}", c.RequestID, c.Segment)
}

func (c *ContainerRecovering) String() string {
	return fmt.Sprintf("ContainerRecovering{requestId=%d, segment=%s}", c.RequestID, c.Segment)
}
