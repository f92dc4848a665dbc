// Package segmentstore is an in-memory storage node for the append path.
//
// It answers SetupAppend and ConditionalAppend requests, de-duplicates
// retried appends by writer event number, and records every accepted
// mutation through the owning container's operation log so the state can be
// rebuilt by replay.
package segmentstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/unijord/seglog/pkg/container"
	"github.com/unijord/seglog/pkg/protocol"
)

var (
	ErrSegmentExists   = errors.New("segment already exists")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrSegmentSealed   = errors.New("segment is sealed")
	ErrUnknownRequest  = errors.New("unknown request")
	ErrNoAppendSetup   = errors.New("append without setup")
)

// OperationLog is the container log mutations are recorded through.
type OperationLog interface {
	Append(op container.Operation) (int64, error)
	Recover(ctx context.Context, apply container.ApplyFunc) error
	Metadata() container.Metadata
}

// Config holds Store configuration Options.
type Config struct {
	// Endpoint this node is reachable at.
	Endpoint string
	// Optional. Without it nothing is durable and recovery mode never applies.
	Log    OperationLog
	Logger *slog.Logger
}

type segmentState struct {
	data   []byte
	sealed bool
	// last applied event number per writer
	writers map[uuid.UUID]int64
	// set when the segment is owned by another node
	movedTo string
}

// Store holds segments owned by one storage node.
type Store struct {
	endpoint string
	log      OperationLog
	logger   *slog.Logger

	mu       sync.Mutex
	segments map[string]*segmentState
	// segment each writer last set up on
	writerSegments map[uuid.UUID]string
}

// New creates an empty Store.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		endpoint:       cfg.Endpoint,
		log:            cfg.Log,
		logger:         cfg.Logger.With("component", "segment-store", "endpoint", cfg.Endpoint),
		segments:       make(map[string]*segmentState),
		writerSegments: make(map[uuid.UUID]string),
	}
}

// Recover rebuilds segment state from the operation log. It must be called
// after New when a log is configured; until then appends are refused. State
// is rebuilt from scratch, so a failed Recover can be retried.
func (s *Store) Recover(ctx context.Context) error {
	if s.log == nil {
		return nil
	}

	s.mu.Lock()
	s.segments = make(map[string]*segmentState)
	s.writerSegments = make(map[uuid.UUID]string)
	s.mu.Unlock()

	return s.log.Recover(ctx, func(op *container.Operation) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.applyLocked(op)
	})
}

// CreateSegment creates an empty segment.
func (s *Store) CreateSegment(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segments[name]; ok {
		return fmt.Errorf("%w: %s", ErrSegmentExists, name)
	}
	op := &container.Operation{Type: container.OperationCreateSegment, Segment: name}
	if err := s.logLocked(op); err != nil {
		return err
	}
	return s.applyLocked(op)
}

// SealSegment stops a segment from accepting further appends.
func (s *Store) SealSegment(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	if seg.sealed {
		return nil
	}
	op := &container.Operation{Type: container.OperationSealSegment, Segment: name}
	if err := s.logLocked(op); err != nil {
		return err
	}
	return s.applyLocked(op)
}

// MoveSegment marks a segment as owned by another node. Requests for it get
// WrongHost pointing at endpoint. Moving it back to this node's endpoint
// restores ownership.
func (s *Store) MoveSegment(name, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	if endpoint == s.endpoint {
		endpoint = ""
	}
	seg.movedTo = endpoint
	return nil
}

// Length returns the number of bytes appended to a segment.
func (s *Store) Length(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	return int64(len(seg.data)), nil
}

// Contents returns a copy of a segment's bytes.
func (s *Store) Contents(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	out := make([]byte, len(seg.data))
	copy(out, seg.data)
	return out, nil
}

// LastEventNumber returns the last event number applied for writer, or
// protocol.NoEventNumber.
func (s *Store) LastEventNumber(name string, writer uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	if last, ok := seg.writers[writer]; ok {
		return last, nil
	}
	return protocol.NoEventNumber, nil
}

// Handle answers one append-path request.
func (s *Store) Handle(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	switch r := req.(type) {
	case *protocol.SetupAppend:
		return s.setupAppend(r), nil
	case *protocol.ConditionalAppend:
		return s.conditionalAppend(r)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
	}
}

func (s *Store) recovering() bool {
	return s.log != nil && s.log.Metadata().IsRecoveryMode()
}

func (s *Store) setupAppend(req *protocol.SetupAppend) protocol.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[req.Segment]
	if !ok {
		return &protocol.NoSuchSegment{RequestID: req.RequestID, Segment: req.Segment}
	}
	if seg.movedTo != "" {
		return &protocol.WrongHost{RequestID: req.RequestID, Segment: req.Segment, CorrectHost: seg.movedTo}
	}
	if s.recovering() {
		return &protocol.ContainerRecovering{RequestID: req.RequestID, Segment: req.Segment}
	}

	last, ok := seg.writers[req.WriterID]
	if !ok {
		last = protocol.NoEventNumber
	}
	s.writerSegments[req.WriterID] = req.Segment
	s.logger.Debug("append setup",
		"segment", req.Segment,
		"writer_id", req.WriterID,
		"last_event_number", last)
	return &protocol.AppendSetup{
		RequestID:       req.RequestID,
		Segment:         req.Segment,
		WriterID:        req.WriterID,
		LastEventNumber: last,
	}
}

func (s *Store) conditionalAppend(req *protocol.ConditionalAppend) (protocol.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := s.writerSegments[req.WriterID]
	if !ok {
		return nil, fmt.Errorf("%w: writer %s", ErrNoAppendSetup, req.WriterID)
	}
	seg, ok := s.segments[name]
	if !ok {
		return &protocol.NoSuchSegment{RequestID: req.RequestID, Segment: name}, nil
	}
	if seg.movedTo != "" {
		return &protocol.WrongHost{RequestID: req.RequestID, Segment: name, CorrectHost: seg.movedTo}, nil
	}
	if s.recovering() {
		return &protocol.ContainerRecovering{RequestID: req.RequestID, Segment: name}, nil
	}

	if last, ok := seg.writers[req.WriterID]; ok && req.EventNumber <= last {
		s.logger.Debug("duplicate append",
			"segment", name,
			"writer_id", req.WriterID,
			"event_number", req.EventNumber,
			"last_event_number", last)
		return &protocol.DataAppended{
			RequestID:                 req.RequestID,
			WriterID:                  req.WriterID,
			EventNumber:               req.EventNumber,
			CurrentSegmentWriteOffset: int64(len(seg.data)),
		}, nil
	}
	if seg.sealed {
		return &protocol.SegmentIsSealed{RequestID: req.RequestID, Segment: name}, nil
	}
	if length := int64(len(seg.data)); req.ExpectedOffset != length {
		s.logger.Debug("conditional check failed",
			"segment", name,
			"writer_id", req.WriterID,
			"expected_offset", req.ExpectedOffset,
			"length", length)
		return &protocol.ConditionalCheckFailed{
			RequestID:   req.RequestID,
			WriterID:    req.WriterID,
			EventNumber: req.EventNumber,
		}, nil
	}

	op := &container.Operation{
		Type:        container.OperationAppend,
		Segment:     name,
		WriterID:    req.WriterID,
		EventNumber: req.EventNumber,
		Offset:      req.ExpectedOffset,
		Data:        req.Data,
	}
	if err := s.logLocked(op); err != nil {
		if errors.Is(err, container.ErrRecoveryMode) {
			return &protocol.ContainerRecovering{RequestID: req.RequestID, Segment: name}, nil
		}
		return nil, err
	}
	if err := s.applyLocked(op); err != nil {
		return nil, err
	}

	return &protocol.DataAppended{
		RequestID:                 req.RequestID,
		WriterID:                  req.WriterID,
		EventNumber:               req.EventNumber,
		CurrentSegmentWriteOffset: int64(len(seg.data)),
	}, nil
}

func (s *Store) logLocked(op *container.Operation) error {
	if s.log == nil {
		return nil
	}
	seq, err := s.log.Append(*op)
	if err != nil {
		return fmt.Errorf("log %s: %w", op.Type, err)
	}
	op.SequenceNumber = seq
	return nil
}

// applyLocked mutates in-memory state. It is shared by live requests and replay.
func (s *Store) applyLocked(op *container.Operation) error {
	switch op.Type {
	case container.OperationCreateSegment:
		if _, ok := s.segments[op.Segment]; ok {
			return fmt.Errorf("%w: %s", ErrSegmentExists, op.Segment)
		}
		s.segments[op.Segment] = &segmentState{writers: make(map[uuid.UUID]int64)}
		s.logger.Info("segment created",
			"segment", op.Segment,
			"sequence_number", op.SequenceNumber)

	case container.OperationAppend:
		seg, ok := s.segments[op.Segment]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSegmentNotFound, op.Segment)
		}
		if seg.sealed {
			return fmt.Errorf("%w: %s", ErrSegmentSealed, op.Segment)
		}
		if op.Offset != int64(len(seg.data)) {
			return fmt.Errorf("append at %d to %s of length %d", op.Offset, op.Segment, len(seg.data))
		}
		seg.data = append(seg.data, op.Data...)
		seg.writers[op.WriterID] = op.EventNumber

	case container.OperationSealSegment:
		seg, ok := s.segments[op.Segment]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSegmentNotFound, op.Segment)
		}
		seg.sealed = true
		s.logger.Info("segment sealed",
			"segment", op.Segment,
			"length", len(seg.data),
			"sequence_number", op.SequenceNumber)

	default:
		return fmt.Errorf("unknown operation type %s", op.Type)
	}
	return nil
}
