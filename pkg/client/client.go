// Package client implements the writer side of the append path.
//
// A ConditionalWriter appends to one segment on behalf of one writer id. It
// serializes its writes, numbers them, and keeps a connection to the node
// that currently owns the segment, reconnecting and retrying when that
// connection fails.
package client

import (
	"context"
	"errors"

	"github.com/unijord/seglog/pkg/protocol"
)

var (
	// ErrConnectionFailed marks a transient failure. It is retried and only
	// reaches callers wrapped in ErrConnectionExhausted.
	ErrConnectionFailed    = errors.New("connection failed")
	ErrConnectionExhausted = errors.New("connection retries exhausted")
	ErrNoSuchSegment       = errors.New("no such segment")
	ErrClosed              = errors.New("writer is closed")
)

// Controller resolves which storage node owns a segment. An error wrapping
// ErrNoSuchSegment means the segment does not exist and is not retried.
type Controller interface {
	GetEndpointForSegment(ctx context.Context, segment string) (string, error)
}

// ConnectionFactory opens connections to storage nodes.
type ConnectionFactory interface {
	Establish(ctx context.Context, endpoint string) (Connection, error)
}

// Connection carries request/reply exchanges to one storage node.
type Connection interface {
	// Send writes req and waits for the reply carrying the same request id.
	Send(ctx context.Context, req protocol.Request) (protocol.Reply, error)
	IsClosed() bool
	Close() error
}
