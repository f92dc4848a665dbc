package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/unijord/seglog/pkg/protocol"
)

// Handler answers requests read by a Server. A returned error closes the
// connection the request arrived on.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) (protocol.Reply, error)
}

// Server accepts writer connections for a storage node.
type Server struct {
	handler      Handler
	codec        *protocol.Codec
	maxFrameSize int
	logger       *slog.Logger
}

// NewServer creates a Server. DialTimeout is ignored.
func NewServer(handler Handler, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		handler:      handler,
		codec:        protocol.NewCodec(),
		maxFrameSize: cfg.MaxFrameSize,
		logger:       cfg.Logger.With("component", "server"),
	}
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// every open connection and waits for their goroutines to exit.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.serveConn(gctx, conn)
				return nil
			})
		}
	})

	return g.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
	}()

	logger.Debug("connection accepted")
	for {
		payload, err := readFrame(conn, s.maxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Warn("read failed", "error", err)
			}
			return
		}

		req, err := s.codec.DecodeRequest(payload)
		if err != nil {
			logger.Warn("dropping connection on bad request", "error", err)
			return
		}

		reply, err := s.handler.Handle(ctx, req)
		if err != nil {
			logger.Warn("dropping connection on failed request",
				"request_id", req.GetRequestID(),
				"type", req.Type().String(),
				"error", err)
			return
		}

		out, err := s.codec.Encode(reply)
		if err != nil {
			logger.Error("failed to encode reply",
				"request_id", req.GetRequestID(),
				"error", err)
			return
		}
		if err := writeFrame(conn, out, s.maxFrameSize); err != nil {
			if ctx.Err() == nil {
				logger.Warn("write failed", "error", err)
			}
			return
		}
	}
}
