package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/unijord/seglog/pkg/protocol"
)

var errDropped = errors.New("connection dropped")

// mockController hands out endpoints in order, repeating the last one.
type mockController struct {
	mu        sync.Mutex
	endpoints []string
	err       error
	calls     int
}

func newMockController(endpoints ...string) *mockController {
	if len(endpoints) == 0 {
		endpoints = []string{"node-0"}
	}
	return &mockController{endpoints: endpoints}
}

func (c *mockController) GetEndpointForSegment(ctx context.Context, segment string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.err != nil {
		return "", c.err
	}
	idx := min(c.calls, len(c.endpoints)) - 1
	return c.endpoints[idx], nil
}

type handlerFunc func(endpoint string, req protocol.Request) (protocol.Reply, error)

// mockNode is a ConnectionFactory whose connections pass every request to
// handler. A handler error drops the connection the request was sent on.
type mockNode struct {
	mu           sync.Mutex
	handler      handlerFunc
	establishErr error
	onEstablish  func()
	endpoints    []string
	requests     []protocol.Request
	conns        []*mockConnection
}

func newMockNode(handler handlerFunc) *mockNode {
	return &mockNode{handler: handler}
}

func (n *mockNode) Establish(ctx context.Context, endpoint string) (Connection, error) {
	n.mu.Lock()
	n.endpoints = append(n.endpoints, endpoint)
	err := n.establishErr
	hook := n.onEstablish
	var conn *mockConnection
	if err == nil {
		conn = &mockConnection{node: n, endpoint: endpoint}
		n.conns = append(n.conns, conn)
	}
	n.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (n *mockNode) establishCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.endpoints)
}

func (n *mockNode) sent() []protocol.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.Request(nil), n.requests...)
}

func (n *mockNode) appends() []*protocol.ConditionalAppend {
	var out []*protocol.ConditionalAppend
	for _, req := range n.sent() {
		if a, ok := req.(*protocol.ConditionalAppend); ok {
			out = append(out, a)
		}
	}
	return out
}

func (n *mockNode) setups() []*protocol.SetupAppend {
	var out []*protocol.SetupAppend
	for _, req := range n.sent() {
		if s, ok := req.(*protocol.SetupAppend); ok {
			out = append(out, s)
		}
	}
	return out
}

type mockConnection struct {
	node     *mockNode
	endpoint string
	closed   atomic.Bool
	closes   atomic.Int32
}

func (c *mockConnection) Send(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	if c.closed.Load() {
		return nil, errDropped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.node.mu.Lock()
	c.node.requests = append(c.node.requests, req)
	handler := c.node.handler
	c.node.mu.Unlock()

	reply, err := handler(c.endpoint, req)
	if err != nil {
		c.closed.Store(true)
		return nil, err
	}
	return reply, nil
}

func (c *mockConnection) IsClosed() bool {
	return c.closed.Load()
}

func (c *mockConnection) Close() error {
	c.closes.Add(1)
	c.closed.Store(true)
	return nil
}
