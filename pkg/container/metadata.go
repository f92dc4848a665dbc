package container

import (
	"fmt"
	"sync/atomic"
)

// InitialOperationSequenceNumber is the sequence number of an empty container.
// The first accepted operation gets InitialOperationSequenceNumber + 1.
const InitialOperationSequenceNumber int64 = 0

// Metadata is the read-only view of a segment container's sequencing state.
type Metadata interface {
	// ContainerID identifies the container.
	ContainerID() string
	// OperationSequenceNumber is the number of the last accepted operation.
	OperationSequenceNumber() int64
	// IsRecoveryMode is true while the container replays its operation log.
	// No new sequence numbers are issued while it is true.
	IsRecoveryMode() bool
}

// SegmentContainerMetadata holds a container's operation sequence number and
// recovery flag. Readers may call the accessors from any goroutine; only the
// OperationLog mutates it.
type SegmentContainerMetadata struct {
	containerID  string
	sequence     atomic.Int64
	recoveryMode atomic.Bool
}

// NewSegmentContainerMetadata creates metadata at the initial sequence number, in recovery mode.
func NewSegmentContainerMetadata(containerID string) *SegmentContainerMetadata {
	m := &SegmentContainerMetadata{containerID: containerID}
	m.sequence.Store(InitialOperationSequenceNumber)
	m.recoveryMode.Store(true)
	return m
}

func (m *SegmentContainerMetadata) ContainerID() string {
	return m.containerID
}

func (m *SegmentContainerMetadata) OperationSequenceNumber() int64 {
	return m.sequence.Load()
}

func (m *SegmentContainerMetadata) IsRecoveryMode() bool {
	return m.recoveryMode.Load()
}

func (m *SegmentContainerMetadata) String() string {
	return fmt.Sprintf("ContainerMetadata{id=%s, seqNo=%d, recovery=%t}",
		m.containerID, m.OperationSequenceNumber(), m.IsRecoveryMode())
}

func (m *SegmentContainerMetadata) exitRecoveryMode() {
	m.recoveryMode.Store(false)
}

// resetSequence is only valid in recovery mode, before replay starts.
func (m *SegmentContainerMetadata) resetSequence(seq int64) error {
	if !m.IsRecoveryMode() {
		return ErrNotRecoveryMode
	}
	m.sequence.Store(seq)
	return nil
}

// advance publishes seq, which must directly follow the current number.
func (m *SegmentContainerMetadata) advance(seq int64) error {
	current := m.sequence.Load()
	if seq != current+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, current+1, seq)
	}
	if !m.sequence.CompareAndSwap(current, seq) {
		return fmt.Errorf("%w: concurrent update at %d", ErrSequenceGap, current)
	}
	return nil
}

var _ Metadata = (*SegmentContainerMetadata)(nil)
