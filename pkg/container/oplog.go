package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unijord/seglog/pkg/walfs"
)

var (
	ErrRecoveryMode    = errors.New("container is in recovery mode")
	ErrNotRecoveryMode = errors.New("container is not in recovery mode")
	ErrSequenceGap     = errors.New("operation sequence number gap")
	ErrClosed          = errors.New("operation log is closed")
	ErrLogFailed       = errors.New("operation log failed")
)

const (
	walDirName = "wal"
	walExt     = ".wal"
	metaDBName = "meta.db"
)

var (
	bucketMeta = []byte("meta")
	// everything at or below this number has been truncated
	keyTruncatedSequence = []byte("truncated_seq")
)

// ApplyFunc receives each logged operation during recovery, in sequence order.
type ApplyFunc func(op *Operation) error

// Config holds OperationLog configuration Options.
type Config struct {
	// Dir holds the WAL segments and the metadata database.
	Dir         string
	ContainerID string
	// Size of each WAL segment file. Defaults to walfs.DefaultSegmentSize.
	SegmentSize int64
	Logger      *slog.Logger
}

// OperationLog is the durable, ordered log of container mutations and the
// only writer of the container's Metadata.
//
// Operations are WAL records indexed by their sequence number. The
// truncation point lives in BoltDB next to the WAL.
//
// A freshly opened log is in recovery mode. Recover replays what is on disk,
// checks that sequence numbers have no gaps, and leaves recovery mode. Only
// then does Append hand out new sequence numbers.
type OperationLog struct {
	wal      *walfs.WALog
	db       *bolt.DB
	metadata *SegmentContainerMetadata
	logger   *slog.Logger

	// serializes Append, Recover and Truncate
	mu sync.Mutex
	// set when a record reached the WAL but could not be made durable
	failed error
	closed atomic.Bool
}

// Open opens or creates the WAL and metadata database under cfg.Dir.
func Open(cfg Config) (*OperationLog, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "operation-log", "container_id", cfg.ContainerID)

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.Dir, metaDBName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	wal, err := walfs.Open(filepath.Join(cfg.Dir, walDirName), walExt,
		walfs.WithSegmentSize(cfg.SegmentSize),
		walfs.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	return &OperationLog{
		wal:      wal,
		db:       db,
		metadata: NewSegmentContainerMetadata(cfg.ContainerID),
		logger:   logger,
	}, nil
}

// Metadata returns the container metadata this log maintains.
func (l *OperationLog) Metadata() Metadata {
	return l.metadata
}

func (l *OperationLog) truncatedSequence() (int64, error) {
	truncated := InitialOperationSequenceNumber
	err := l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyTruncatedSequence); v != nil {
			truncated = DecodeSequence(v)
		}
		return nil
	})
	return truncated, err
}

// Recover replays every operation after the truncation point through apply
// and then leaves recovery mode. It fails with ErrSequenceGap if the stored
// sequence numbers are not contiguous.
//
// A failed Recover leaves the log in recovery mode and may be called again;
// replay restarts from the truncation point, so apply sees operations it
// already saw and the caller must discard state built by the failed attempt.
func (l *OperationLog) Recover(ctx context.Context, apply ApplyFunc) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.metadata.IsRecoveryMode() {
		return ErrNotRecoveryMode
	}

	start := time.Now()
	var replayed int

	err := func() error {
		truncated, err := l.truncatedSequence()
		if err != nil {
			return fmt.Errorf("read truncation point: %w", err)
		}
		if err := l.metadata.resetSequence(truncated); err != nil {
			return err
		}

		return l.wal.Replay(func(walSeq uint64, data []byte) error {
			seq := int64(walSeq)
			// the active segment may still hold truncated operations
			if seq <= truncated {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			op, err := DecodeOperation(data)
			if err != nil {
				return fmt.Errorf("operation %d: %w", seq, err)
			}
			if op.SequenceNumber != seq {
				return fmt.Errorf("operation %d: stored under sequence %d", op.SequenceNumber, seq)
			}
			if err := l.metadata.advance(seq); err != nil {
				return err
			}
			if apply != nil {
				if err := apply(op); err != nil {
					return fmt.Errorf("apply operation %d: %w", seq, err)
				}
			}
			replayed++
			return nil
		})
	}()
	if err != nil {
		l.logger.Error("recovery failed",
			"sequence_number", l.metadata.OperationSequenceNumber(),
			"error", err)
		return err
	}

	l.metadata.exitRecoveryMode()
	l.logger.Info("container recovered",
		"operations", replayed,
		"sequence_number", l.metadata.OperationSequenceNumber(),
		"wal_segments", l.wal.SegmentCount(),
		"duration", time.Since(start))
	return nil
}

// Append durably logs op and returns the sequence number assigned to it.
// The number becomes visible through Metadata only after the record is
// synced to disk.
func (l *OperationLog) Append(op Operation) (int64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed != nil {
		return 0, l.failed
	}
	if l.metadata.IsRecoveryMode() {
		return 0, ErrRecoveryMode
	}

	seq := l.metadata.OperationSequenceNumber() + 1
	op.SequenceNumber = seq
	data, err := op.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode operation: %w", err)
	}

	if err := l.wal.Write(data, uint64(seq)); err != nil {
		return 0, fmt.Errorf("persist operation %d: %w", seq, err)
	}
	if err := l.wal.Sync(); err != nil {
		// the record is in the WAL, so its number cannot be handed out again
		l.failed = fmt.Errorf("%w: sync operation %d: %w", ErrLogFailed, seq, err)
		l.logger.Error("operation log failed",
			"sequence_number", seq,
			"error", err)
		return 0, l.failed
	}

	if err := l.metadata.advance(seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Truncate drops operations up to and including seq. Their effects must
// already be durable elsewhere, because Recover will no longer replay them.
// WAL segments holding only truncated operations are deleted.
func (l *OperationLog) Truncate(seq int64) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.metadata.IsRecoveryMode() {
		return ErrRecoveryMode
	}
	if current := l.metadata.OperationSequenceNumber(); seq > current {
		return fmt.Errorf("truncate to %d beyond last operation %d", seq, current)
	}
	if seq < InitialOperationSequenceNumber {
		return fmt.Errorf("truncate to negative sequence %d", seq)
	}

	// the truncation point is recorded before any segment goes away
	err := l.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		// never go backwards
		if v := meta.Get(keyTruncatedSequence); v != nil && DecodeSequence(v) >= seq {
			return nil
		}
		return meta.Put(keyTruncatedSequence, EncodeSequence(seq))
	})
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	removed, err := l.wal.RemoveThrough(uint64(seq))
	if err != nil {
		return fmt.Errorf("remove wal segments: %w", err)
	}

	l.logger.Debug("operation log truncated",
		"up_to", seq,
		"removed_segments", removed)
	return nil
}

// Close closes the WAL and the metadata database. It is safe to call more
// than once.
func (l *OperationLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.wal.Close(), l.db.Close())
}
