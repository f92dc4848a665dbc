package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/seglog/pkg/client"
	"github.com/unijord/seglog/pkg/container"
	"github.com/unijord/seglog/pkg/controller"
	"github.com/unijord/seglog/pkg/segment"
	"github.com/unijord/seglog/pkg/segmentstore"
)

func e2eRetry() client.RetryConfig {
	return client.RetryConfig{
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     20 * time.Millisecond,
		MaxAttempts:     8,
	}
}

func newFactory(ctrl client.Controller) *client.Factory {
	return client.NewFactory(client.FactoryConfig{
		Controller:        ctrl,
		ConnectionFactory: NewConnectionFactory(Config{DialTimeout: time.Second}),
		Retry:             e2eRetry(),
	})
}

func TestEndToEnd_ConditionalWrites(t *testing.T) {
	ctx := context.Background()
	store := segmentstore.New(segmentstore.Config{Endpoint: "node-0"})
	srv := startServer(t, store)

	ctrl := controller.NewStaticController(controller.Config{})
	_, err := ctrl.CreateStream(ctx, "scope", "orders",
		[]segment.KeyRange{{Start: 0, End: 0.5}, {Start: 0.5, End: 1}}, srv.addr)
	require.NoError(t, err)

	name, err := ctrl.SegmentForKey(ctx, "scope", "orders", "customer-42")
	require.NoError(t, err)
	require.NoError(t, store.CreateSegment(name))

	factory := newFactory(ctrl)
	w := factory.CreateConditionalWriter(name)
	defer w.Close()

	ok, err := w.Write(ctx, []byte("hello "), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Write(ctx, []byte("world"), 6)
	require.NoError(t, err)
	assert.True(t, ok)

	// a stale offset loses
	ok, err = w.Write(ctx, []byte("!"), 6)
	require.NoError(t, err)
	assert.False(t, ok)

	contents, err := store.Contents(name)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(contents))

	last, err := store.LastEventNumber(name, w.WriterID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestEndToEnd_NoSuchSegment(t *testing.T) {
	ctx := context.Background()
	store := segmentstore.New(segmentstore.Config{Endpoint: "node-0"})
	srv := startServer(t, store)

	ctrl := controller.NewStaticController(controller.Config{})
	_, err := ctrl.CreateStream(ctx, "scope", "orders",
		[]segment.KeyRange{{Start: 0, End: 1}}, srv.addr)
	require.NoError(t, err)

	// the controller knows the segment, the node does not
	w := newFactory(ctrl).CreateConditionalWriter("scope/orders/0")
	defer w.Close()

	_, err = w.Write(ctx, []byte("a"), 0)
	assert.ErrorIs(t, err, client.ErrNoSuchSegment)
}

func TestEndToEnd_UnresolvableSegment(t *testing.T) {
	ctx := context.Background()
	store := segmentstore.New(segmentstore.Config{Endpoint: "node-0"})
	srv := startServer(t, store)

	ctrl := controller.NewStaticController(controller.Config{})
	_, err := ctrl.CreateStream(ctx, "scope", "orders",
		[]segment.KeyRange{{Start: 0, End: 1}}, srv.addr)
	require.NoError(t, err)

	// the controller has never heard of segment 99
	w := newFactory(ctrl).CreateConditionalWriter("scope/orders/99")
	defer w.Close()

	start := time.Now()
	ok, err := w.Write(ctx, []byte("a"), 0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, client.ErrNoSuchSegment)
	assert.NotErrorIs(t, err, client.ErrConnectionExhausted)
	// no backoff was slept through
	assert.Less(t, time.Since(start), time.Second)
}

func TestEndToEnd_SegmentMoved(t *testing.T) {
	ctx := context.Background()
	const name = "scope/orders/0"

	first := segmentstore.New(segmentstore.Config{Endpoint: "node-0"})
	firstSrv := startServer(t, first)
	second := segmentstore.New(segmentstore.Config{Endpoint: "node-1"})
	secondSrv := startServer(t, second)
	require.NoError(t, first.CreateSegment(name))
	require.NoError(t, second.CreateSegment(name))

	ctrl := controller.NewStaticController(controller.Config{})
	_, err := ctrl.CreateStream(ctx, "scope", "orders",
		[]segment.KeyRange{{Start: 0, End: 1}}, firstSrv.addr)
	require.NoError(t, err)

	w := newFactory(ctrl).CreateConditionalWriter(name)
	defer w.Close()

	ok, err := w.Write(ctx, []byte("abc"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	// ownership moves; the old node answers WrongHost
	require.NoError(t, first.MoveSegment(name, secondSrv.addr))
	require.NoError(t, ctrl.MoveSegment(name, secondSrv.addr))

	ok, err = w.Write(ctx, []byte("xyz"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	contents, err := second.Contents(name)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(contents))
	contents, err = first.Contents(name)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(contents))
}

func TestEndToEnd_NodeRestartsFromOperationLog(t *testing.T) {
	ctx := context.Background()
	const name = "scope/orders/0"
	path := filepath.Join(t.TempDir(), "container")

	openStore := func() (*segmentstore.Store, *container.OperationLog) {
		log, err := container.Open(container.Config{Dir: path, ContainerID: "container-0"})
		require.NoError(t, err)
		t.Cleanup(func() { log.Close() })
		store := segmentstore.New(segmentstore.Config{Endpoint: "node-0", Log: log})
		require.NoError(t, store.Recover(ctx))
		return store, log
	}

	store, log := openStore()
	require.NoError(t, store.CreateSegment(name))
	srv := startServer(t, store)

	ctrl := controller.NewStaticController(controller.Config{})
	_, err := ctrl.CreateStream(ctx, "scope", "orders",
		[]segment.KeyRange{{Start: 0, End: 1}}, srv.addr)
	require.NoError(t, err)

	w := newFactory(ctrl).CreateConditionalWriter(name)
	defer w.Close()

	ok, err := w.Write(ctx, []byte("abc"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	// restart the node
	srv.stop()
	require.NoError(t, log.Close())
	restarted, restartedLog := openStore()
	restartedSrv := startServer(t, restarted)
	require.NoError(t, ctrl.MoveSegment(name, restartedSrv.addr))

	ok, err = w.Write(ctx, []byte("def"), 3)
	require.NoError(t, err)
	assert.True(t, ok)

	contents, err := restarted.Contents(name)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(contents))
	// create, append, append
	assert.Equal(t, int64(3), restartedLog.Metadata().OperationSequenceNumber())
}
