package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/unijord/seglog/pkg/protocol"
)

// WriterConfig holds ConditionalWriter configuration Options.
type WriterConfig struct {
	Segment  string
	WriterID uuid.UUID
	// Forwarded unmodified on every SetupAppend.
	DelegationToken string

	Controller        Controller
	ConnectionFactory ConnectionFactory
	Retry             RetryConfig

	Logger  *slog.Logger
	Metrics *Metrics
}

// ConditionalWriter appends to one segment for one writer id, each append
// succeeding only if the segment's length still equals the offset the caller
// expects.
//
// Writes are serialized by mu. The lock is held from event number
// assignment until the write's outcome is known, across setup, the append
// exchange and backoff sleeps, so event numbers are issued in call order and
// at most one append is in flight.
type ConditionalWriter struct {
	segment  string
	writerID uuid.UUID
	token    string

	controller Controller
	factory    ConnectionFactory
	retry      RetryConfig
	logger     *slog.Logger
	metrics    *Metrics

	mu sync.Mutex
	// last event number handed out
	eventNumber int64
	// set by the first setup, before any append is sent
	seeded      bool
	requestID   int64
	// nil until set up; replaced, never modified, on reconnect
	conn Connection

	closed      atomic.Bool
	closedCtx   context.Context
	closeCancel context.CancelFunc
}

// NewConditionalWriter creates a writer. No connection is opened until the
// first Write.
func NewConditionalWriter(cfg WriterConfig) *ConditionalWriter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	closedCtx, closeCancel := context.WithCancel(context.Background())
	return &ConditionalWriter{
		segment:    cfg.Segment,
		writerID:   cfg.WriterID,
		token:      cfg.DelegationToken,
		controller: cfg.Controller,
		factory:    cfg.ConnectionFactory,
		retry:      cfg.Retry.withDefaults(),
		logger: cfg.Logger.With(
			"component", "conditional-writer",
			"segment", cfg.Segment,
			"writer_id", cfg.WriterID),
		metrics:     cfg.Metrics,
		closedCtx:   closedCtx,
		closeCancel: closeCancel,
	}
}

// SegmentName returns the segment this writer appends to.
func (w *ConditionalWriter) SegmentName() string {
	return w.segment
}

// WriterID returns the identity appends are de-duplicated under.
func (w *ConditionalWriter) WriterID() uuid.UUID {
	return w.writerID
}

// Write appends data if the segment's length equals expectedOffset.
//
// It returns true once the append is durable, including when an earlier
// attempt whose reply was lost already applied it, and false when the
// segment's length no longer matches. Errors are fatal for this writer:
// ErrNoSuchSegment, ErrConnectionExhausted, ErrClosed, or ctx's error.
func (w *ConditionalWriter) Write(ctx context.Context, data []byte, expectedOffset int64) (bool, error) {
	if w.closed.Load() {
		return false, ErrClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return false, ErrClosed
	}

	// Close interrupts setup, sends and backoff sleeps.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.closedCtx, cancel)
	defer stop()

	w.eventNumber++

	attempts := 0
	ok, err := backoff.RetryNotifyWithData(func() (bool, error) {
		attempts++
		return w.attemptLocked(ctx, data, expectedOffset)
	}, w.retry.newBackOff(ctx), func(err error, next time.Duration) {
		w.metrics.retry()
		w.logger.Warn("append attempt failed, retrying",
			"event_number", w.eventNumber,
			"attempt", attempts,
			"backoff", next,
			"error", err)
	})
	if err != nil {
		return false, w.failLocked(attempts, err)
	}
	return ok, nil
}

// failLocked turns the error that ended a Write into what the caller sees.
func (w *ConditionalWriter) failLocked(attempts int, err error) error {
	w.metrics.write(outcomeFailed)

	// close wins over whatever the interrupted attempt reported
	if w.closed.Load() {
		return ErrClosed
	}
	if errors.Is(err, ErrConnectionFailed) {
		err = fmt.Errorf("%w after %d attempts: %w", ErrConnectionExhausted, attempts, err)
	}
	w.logger.Error("write failed",
		"event_number", w.eventNumber,
		"attempts", attempts,
		"error", err)
	return err
}

// attemptLocked performs one exchange for the current event number: setup
// if there is no live connection, then the conditional append.
func (w *ConditionalWriter) attemptLocked(ctx context.Context, data []byte, expectedOffset int64) (bool, error) {
	if w.conn == nil || w.conn.IsClosed() {
		w.teardownLocked()
		last, err := w.setupLocked(ctx)
		if err != nil {
			return false, err
		}
		if !w.seeded {
			// Nothing has been sent under this writer yet, so whatever the
			// node holds for the id came from an earlier writer using it.
			w.seeded = true
			if last >= w.eventNumber {
				w.logger.Info("writer id has prior appends, continuing after them",
					"last_event_number", last)
				w.eventNumber = last + 1
			}
		} else if last >= w.eventNumber {
			// a retry may follow an append the node applied but whose
			// reply was lost
			w.logger.Debug("append already applied",
				"event_number", w.eventNumber,
				"last_event_number", last)
			w.metrics.write(outcomeAlreadyApplied)
			return true, nil
		}
	}

	reply, err := w.conn.Send(ctx, &protocol.ConditionalAppend{
		RequestID:      w.nextRequestIDLocked(),
		WriterID:       w.writerID,
		EventNumber:    w.eventNumber,
		ExpectedOffset: expectedOffset,
		Data:           data,
	})
	if err != nil {
		w.teardownLocked()
		return false, fmt.Errorf("%w: append: %w", ErrConnectionFailed, err)
	}

	switch r := reply.(type) {
	case *protocol.DataAppended:
		w.metrics.write(outcomeAppended)
		return true, nil
	case *protocol.ConditionalCheckFailed:
		w.metrics.write(outcomeConditionalCheckFailed)
		w.logger.Debug("conditional check failed",
			"event_number", r.EventNumber,
			"expected_offset", expectedOffset)
		return false, nil
	default:
		w.teardownLocked()
		return false, replyError(reply)
	}
}

// setupLocked opens a connection to the segment's owner and returns the last
// event number it has applied for this writer.
func (w *ConditionalWriter) setupLocked(ctx context.Context) (int64, error) {
	endpoint, err := w.controller.GetEndpointForSegment(ctx, w.segment)
	if errors.Is(err, ErrNoSuchSegment) {
		return 0, backoff.Permanent(fmt.Errorf("resolve endpoint: %w", err))
	}
	if err != nil {
		return 0, fmt.Errorf("%w: resolve endpoint: %w", ErrConnectionFailed, err)
	}

	conn, err := w.factory.Establish(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("%w: establish %s: %w", ErrConnectionFailed, endpoint, err)
	}

	reply, err := conn.Send(ctx, &protocol.SetupAppend{
		RequestID:       w.nextRequestIDLocked(),
		WriterID:        w.writerID,
		Segment:         w.segment,
		DelegationToken: w.token,
	})
	if err != nil {
		closeConnection(conn, w.logger)
		return 0, fmt.Errorf("%w: setup: %w", ErrConnectionFailed, err)
	}

	setup, ok := reply.(*protocol.AppendSetup)
	if !ok {
		closeConnection(conn, w.logger)
		return 0, replyError(reply)
	}

	w.conn = conn
	w.metrics.reconnect()
	w.logger.Debug("append setup",
		"endpoint", endpoint,
		"last_event_number", setup.LastEventNumber)
	return setup.LastEventNumber, nil
}

func (w *ConditionalWriter) nextRequestIDLocked() int64 {
	w.requestID++
	return w.requestID
}

func (w *ConditionalWriter) teardownLocked() {
	if w.conn == nil {
		return
	}
	closeConnection(w.conn, w.logger)
	w.conn = nil
}

// Close stops the writer. A Write blocked in a retry fails with ErrClosed.
// It is safe to call more than once and concurrently with Write.
func (w *ConditionalWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.closeCancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.teardownLocked()
	w.logger.Info("writer closed", "event_number", w.eventNumber)
	return nil
}

// replyError classifies a reply that ends an exchange without an outcome.
// NoSuchSegment is permanent; everything else means reconnect and retry.
func replyError(reply protocol.Reply) error {
	switch r := reply.(type) {
	case nil:
		return fmt.Errorf("%w: empty reply", ErrConnectionFailed)
	case *protocol.NoSuchSegment:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNoSuchSegment, r.Segment))
	case *protocol.WrongHost:
		return fmt.Errorf("%w: %s moved to %s", ErrConnectionFailed, r.Segment, r.CorrectHost)
	default:
		return fmt.Errorf("%w: unexpected reply %s", ErrConnectionFailed, reply.Type())
	}
}

func closeConnection(conn Connection, logger *slog.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("failed to close connection", "error", err)
	}
}
