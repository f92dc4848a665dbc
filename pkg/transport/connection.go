// Package transport frames protocol commands over TCP.
//
// A client Connection multiplexes concurrent requests over one socket and
// matches replies to requests by request id. A Server reads requests from
// each accepted socket, passes them to a Handler and writes the replies back
// in the order the requests arrived.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unijord/seglog/pkg/client"
	"github.com/unijord/seglog/pkg/protocol"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultMaxFrameSize = 8 << 20
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrDuplicateRequest = errors.New("request id already in flight")
)

// Config holds transport configuration Options.
type Config struct {
	DialTimeout  time.Duration
	MaxFrameSize int
	Logger       *slog.Logger
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  DefaultDialTimeout,
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ConnectionFactory dials storage nodes over TCP.
type ConnectionFactory struct {
	cfg   Config
	codec *protocol.Codec
}

// NewConnectionFactory creates a factory sharing one codec across connections.
func NewConnectionFactory(cfg Config) *ConnectionFactory {
	return &ConnectionFactory{
		cfg:   cfg.withDefaults(),
		codec: protocol.NewCodec(),
	}
}

// Establish dials endpoint and starts the connection's reply reader.
func (f *ConnectionFactory) Establish(ctx context.Context, endpoint string) (client.Connection, error) {
	dialer := net.Dialer{Timeout: f.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return newConnection(conn, endpoint, f.codec, f.cfg), nil
}

// Connection is a client connection to one storage node.
type Connection struct {
	conn         net.Conn
	codec        *protocol.Codec
	maxFrameSize int
	logger       *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan protocol.Reply

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	doneErr   error
}

func newConnection(conn net.Conn, endpoint string, codec *protocol.Codec, cfg Config) *Connection {
	c := &Connection{
		conn:         conn,
		codec:        codec,
		maxFrameSize: cfg.MaxFrameSize,
		logger:       cfg.Logger.With("component", "connection", "endpoint", endpoint),
		pending:      make(map[int64]chan protocol.Reply),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes req and waits for its reply, ctx, or the connection closing.
func (c *Connection) Send(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	payload, err := c.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	id := req.GetRequestID()
	ch := make(chan protocol.Reply, 1)
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.write(ctx, payload); err != nil {
		c.closeWithError(err)
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closeError()
	}
}

func (c *Connection) write(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return writeFrame(c.conn, payload, c.maxFrameSize)
}

func (c *Connection) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) readLoop() {
	for {
		payload, err := readFrame(c.conn, c.maxFrameSize)
		if err != nil {
			c.closeWithError(err)
			return
		}
		reply, err := c.codec.DecodeReply(payload)
		if err != nil {
			c.closeWithError(err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.GetRequestID()]
		c.mu.Unlock()
		if !ok {
			// the sender gave up waiting
			c.logger.Debug("dropping reply with no pending request",
				"request_id", reply.GetRequestID(),
				"type", reply.Type().String())
			continue
		}
		select {
		case ch <- reply:
		default:
		}
	}
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.doneErr = err
		close(c.done)
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			c.logger.Warn("failed to close connection", "error", cerr)
		}
		if err != nil {
			c.logger.Info("connection closed", "error", err)
		}
	})
}

func (c *Connection) closeError() error {
	if c.doneErr == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, c.doneErr)
}

// IsClosed reports whether the connection has been torn down.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close tears the connection down and fails every pending Send. It is safe
// to call more than once.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

var _ client.Connection = (*Connection)(nil)
var _ client.ConnectionFactory = (*ConnectionFactory)(nil)
